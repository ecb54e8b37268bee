// Package server is the DriftFS sync server: an HTTP/WebSocket front door
// that runs one sync protocol session per connected client against that
// user's server-side filesystem.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftfs/driftfs/internal/server/handlers/ws"
	serversync "github.com/driftfs/driftfs/internal/server/sync"
	"github.com/driftfs/driftfs/internal/synclock"
)

type Server struct {
	config *Config
	server *http.Server
	hub    *ws.WebsocketHub
	svc    *Services
}

func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	svc, err := NewServices(config)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub()
	return &Server{
		config: config,
		svc:    svc,
		hub:    hub,
		server: &http.Server{
			Addr:    config.HTTP.Addr,
			Handler: SetupRoutes(svc, hub),
		},
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	slog.Info("driftfs server start", "addr", s.config.HTTP.Addr, "data", s.config.DataDir)
	defer slog.Info("driftfs server stop")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		synclock.Janitor(gctx, s.svc.Locker, s.config.lockTTL(), s.config.lockJanitorInterval())
		return nil
	})

	g.Go(func() error {
		if err := s.runHTTPServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.runSessions(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.Stop(context.Background())
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	s.hub.Shutdown(shutdownCtx)

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.svc.Shutdown()
}

func (s *Server) runHTTPServer() error {
	if s.config.HTTP.CertFile != "" && s.config.HTTP.KeyFile != "" {
		slog.Info("server listening tls", "addr", s.config.HTTP.Addr)
		return s.server.ListenAndServeTLS(s.config.HTTP.CertFile, s.config.HTTP.KeyFile)
	}
	slog.Info("server listening http", "addr", s.config.HTTP.Addr)
	return s.server.ListenAndServe()
}

// runSessions spawns one protocol session per accepted connection.
func (s *Server) runSessions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-s.hub.Sessions():
			go s.runSession(ctx, client)
		}
	}
}

func (s *Server) runSession(ctx context.Context, client *ws.WebsocketClient) {
	user := client.Info.User

	fs, err := s.svc.Users.Get(user)
	if err != nil {
		slog.Error("session user fs", "user", user, "error", err)
		client.Close()
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-client.Closed
		cancel()
	}()

	updates := s.svc.Broadcast.Subscribe(user, client.ConnID)
	defer s.svc.Broadcast.Unsubscribe(user, client.ConnID)

	handler := serversync.NewHandler(user, client.ConnID, serversync.Deps{
		FS:          fs,
		Codec:       s.svc.Codec,
		Locker:      s.svc.Locker,
		Broadcast:   s.svc.Broadcast,
		MaxSyncSize: s.config.MaxSyncSize,
	}, client.MsgTx)

	if err := handler.Run(sessionCtx, client.MsgRx, updates); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("sync session ended", "user", user, "conn", client.ConnID, "error", err)
	}
}
