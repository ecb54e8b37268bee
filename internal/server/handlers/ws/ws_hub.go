package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/driftfs/driftfs/internal/wsproto"
)

const (
	// Frames carry literal diff blocks, so the read limit sits well above
	// the block size with room for JSON overhead.
	maxMessageSize = 8 * 1024 * 1024

	encodingReqHeader  = "X-Drift-WS-Encodings"
	encodingRespHeader = "X-Drift-WS-Encoding"
	versionHeader      = "X-Drift-Version"
)

// WebsocketHub upgrades connections and hands each one to whoever consumes
// Sessions. It does not interpret protocol frames; that is the session
// handler's job.
type WebsocketHub struct {
	clients  map[string]*WebsocketClient
	register chan *WebsocketClient
	sessions chan *WebsocketClient

	wg sync.WaitGroup
	mu sync.RWMutex
}

func NewHub() *WebsocketHub {
	return &WebsocketHub{
		clients:  make(map[string]*WebsocketClient),
		register: make(chan *WebsocketClient),
		sessions: make(chan *WebsocketClient, 16),
	}
}

// Sessions yields each newly connected client exactly once.
func (h *WebsocketHub) Sessions() <-chan *WebsocketClient {
	return h.sessions
}

func (h *WebsocketHub) Run(ctx context.Context) {
	slog.Info("wshub started")
	defer slog.Info("wshub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ConnID] = client
			slog.Debug("wshub registered", "conn", client.ConnID, "user", client.Info.User, "active", len(h.clients))
			h.mu.Unlock()

			h.wg.Add(1)
			client.Start(ctx)
			h.sessions <- client
			go func() {
				<-client.Closed

				h.mu.Lock()
				defer h.mu.Unlock()

				delete(h.clients, client.ConnID)
				slog.Debug("wshub removed", "conn", client.ConnID, "user", client.Info.User, "active", len(h.clients))
				h.wg.Done()
			}()

		case <-ctx.Done():
			return
		}
	}
}

func (h *WebsocketHub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*WebsocketClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		go func() {
			client.Close()
			slog.Debug("wshub killed", "conn", client.ConnID)
		}()
	}

	h.wg.Wait()
	slog.Info("wshub shutdown")
}

// WebsocketHandler upgrades the HTTP connection and registers the client
// with the hub.
func (h *WebsocketHub) WebsocketHandler(ctx *gin.Context) {
	user := ctx.GetString("user")
	if user == "" {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "user missing",
		})
		return
	}

	enc := wsproto.PreferredEncoding(ctx.GetHeader(encodingReqHeader))
	ctx.Writer.Header().Set(encodingRespHeader, strings.ToLower(enc.String()))

	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("websocket accept failed: %v", err),
		})
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := NewWebsocketClient(conn, &ClientInfo{
		User:       user,
		IPAddr:     ctx.ClientIP(),
		Version:    ctx.GetHeader(versionHeader),
		WSEncoding: enc,
	})

	h.register <- client
}
