package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"github.com/coder/websocket"

	"github.com/driftfs/driftfs/internal/driftsdk"
	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/wsproto"
)

const (
	syncEndpoint    = "/api/v1/sync"
	maxMessageSize  = 8 << 20
	writeTimeout    = 20 * time.Second
	channelCapacity = 64

	encodingReqHeader  = "X-Drift-WS-Encodings"
	encodingRespHeader = "X-Drift-WS-Encoding"
)

// SyncConn is one live sync connection. Inbound closes when the connection
// drops; the caller reconnects with a fresh SyncConn.
type SyncConn struct {
	Inbound  chan *syncmsg.Message
	Outbound chan *syncmsg.Message

	conn      *websocket.Conn
	enc       wsproto.Encoding
	done      chan struct{}
	closeOnce gosync.Once
	wg        gosync.WaitGroup
}

// DialSync opens the sync websocket. The access token authenticates when
// auth is enabled; the user header covers dev servers running without it.
func DialSync(ctx context.Context, serverURL, user, accessToken string) (*SyncConn, error) {
	wsURL, err := syncURL(serverURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set(driftsdk.HeaderDriftUser, user)
	header.Set(encodingReqHeader, "msgpack,json")
	if accessToken != "" {
		header.Set("Authorization", "Bearer "+accessToken)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	enc := wsproto.EncodingJSON
	if resp != nil {
		enc = wsproto.PreferredEncoding(resp.Header.Get(encodingRespHeader))
	}

	c := &SyncConn{
		Inbound:  make(chan *syncmsg.Message, channelCapacity),
		Outbound: make(chan *syncmsg.Message, channelCapacity),
		conn:     conn,
		enc:      enc,
		done:     make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	return c, nil
}

func (c *SyncConn) Close() {
	c.shutdown()
}

// shutdown tears the connection down exactly once. Inbound closes only
// after both loops have exited, so the read loop can never send on a
// closed channel. Loops must mark themselves done before calling in,
// or the wait here would never return.
func (c *SyncConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "closing")
		c.wg.Wait()
		close(c.Inbound)
	})
}

func (c *SyncConn) readLoop(ctx context.Context) {
	defer func() {
		c.wg.Done()
		c.shutdown()
	}()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) &&
				websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Debug("sync connection read", "error", err)
			}
			return
		}

		msg, _, err := wsproto.Unmarshal(typ, data)
		if err != nil {
			slog.Warn("bad frame from server", "error", err)
			continue
		}

		select {
		case c.Inbound <- msg:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *SyncConn) writeLoop(ctx context.Context) {
	defer func() {
		c.wg.Done()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg := <-c.Outbound:
			typ, data, err := wsproto.Marshal(msg, c.enc)
			if err != nil {
				slog.Error("marshal sync message", "msg", msg.String(), "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(wctx, typ, data)
			cancel()
			if err != nil {
				slog.Debug("sync connection write", "error", err)
				return
			}
		}
	}
}

// syncURL maps the configured http(s) server URL to its ws(s) endpoint.
func syncURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + syncEndpoint
	return u.String(), nil
}
