package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/wsproto"
)

const (
	writeTimeout   = 20 * time.Second
	shutdownReason = "shutdown"
)

// WebsocketClient is one connected sync client. Inbound protocol frames
// appear on MsgRx in arrival order; frames queued on MsgTx are written back
// in the encoding the client negotiated.
type WebsocketClient struct {
	ConnID string
	Info   *ClientInfo
	MsgRx  chan *syncmsg.Message
	MsgTx  chan *syncmsg.Message
	Closed chan struct{}

	conn      *websocket.Conn
	wsDone    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWebsocketClient(conn *websocket.Conn, info *ClientInfo) *WebsocketClient {
	return &WebsocketClient{
		ConnID: utils.TokenHex(4),
		Info:   info,
		MsgRx:  make(chan *syncmsg.Message, 64),
		MsgTx:  make(chan *syncmsg.Message, 64),
		Closed: make(chan struct{}),
		wsDone: make(chan struct{}),
		conn:   conn,
	}
}

func (c *WebsocketClient) Start(ctx context.Context) {
	slog.Debug("wsclient start", "conn", c.ConnID, "user", c.Info.User)
	c.wg.Add(2)
	go c.writeLoop(ctx)
	go c.readLoop(ctx)
}

func (c *WebsocketClient) Close() {
	c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	c.wg.Wait()
}

func (c *WebsocketClient) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.wsDone)
		c.conn.Close(status, reason)

		c.wg.Wait()

		close(c.Closed)
		close(c.MsgRx)
		slog.Debug("wsclient closed", "conn", c.ConnID)
	})
}

func (c *WebsocketClient) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("wsclient reader shutdown", "conn", c.ConnID)
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				// connection closed by client
			} else if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusNoStatusRcvd {
				slog.Warn("wsclient reader", "error", err, "conn", c.ConnID)
			}
			return
		}

		msg, _, err := wsproto.Unmarshal(typ, data)
		if err != nil {
			// A frame we cannot even parse gets a FORMAT error back; the
			// connection stays up.
			slog.Warn("wsclient bad frame", "conn", c.ConnID, "error", err)
			c.Send(syncmsg.FormatError(err.Error()))
			continue
		}

		// Protocol frames cannot be dropped, the session state machine
		// depends on seeing every one. Block until the session consumes it.
		select {
		case <-c.wsDone:
			return
		case c.MsgRx <- msg:
		}
	}
}

func (c *WebsocketClient) writeLoop(ctx context.Context) {
	defer func() {
		slog.Debug("wsclient writer shutdown", "conn", c.ConnID)
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		select {
		case msg := <-c.MsgTx:
			typ, data, err := wsproto.Marshal(msg, c.Info.WSEncoding)
			if err != nil {
				slog.Error("wsclient marshal", "conn", c.ConnID, "msg", msg.String(), "error", err)
				continue
			}

			ctxWrite, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(ctxWrite, typ, data)
			cancel()
			if err != nil {
				slog.Error("wsclient writer", "conn", c.ConnID, "msg", msg.String(), "error", err)
			} else {
				slog.Debug("wsclient writer", "conn", c.ConnID, "msg", msg.String())
			}

		case <-c.wsDone:
			return

		case <-ctx.Done():
			return
		}
	}
}

// Send queues a frame without blocking; it is dropped if the writer is
// saturated or the connection is closing.
func (c *WebsocketClient) Send(msg *syncmsg.Message) {
	select {
	case <-c.wsDone:
	case c.MsgTx <- msg:
	default:
		slog.Warn("wsclient send buffer full", "conn", c.ConnID, "msg", msg.String())
	}
}
