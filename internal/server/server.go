// Package server provides HTTP server initialization and lifecycle management
// for the recall API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/web/handlers"
)

// defaultShutdownTimeout bounds Shutdown when the config leaves it unset.
const defaultShutdownTimeout = 5 * time.Second

// Server is a running HTTP server.
type Server struct {
	http    *http.Server
	hub     *handlers.WebSocketHub
	addr    string
	timeout time.Duration
	once    sync.Once
	done    chan struct{}
}

// Origins returns the websocket origin patterns for the configured listen
// address. A wildcard host adds nothing beyond the localhost forms.
func Origins(cfg *config.Config) []string {
	port := strconv.Itoa(cfg.Server.Port)
	origins := []string{"localhost:" + port, "127.0.0.1:" + port}
	switch cfg.Server.Host {
	case "", "0.0.0.0", "::", "localhost", "127.0.0.1":
	default:
		origins = append(origins, net.JoinHostPort(cfg.Server.Host, port))
	}
	return origins
}

// Start listens on the configured address and serves the API in the
// background. The returned server stops when ctx is cancelled or Shutdown is
// called. hub may be nil.
func Start(ctx context.Context, cfg *config.Config, eng *engine.Engine, hub *handlers.WebSocketHub) (*Server, error) {
	if eng == nil {
		return nil, errors.New("server: engine is required")
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	s := &Server{
		// Create server with security timeouts
		http: &http.Server{
			Handler:      handlers.NewRouter(eng, cfg, hub),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		hub:     hub,
		addr:    listener.Addr().String(),
		timeout: timeout,
		done:    make(chan struct{}),
	}

	if hub != nil {
		go hub.Run()
	}
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: server: %v", err)
		}
	}()

	// Handle graceful shutdown
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.done:
		}
	}()

	log.Printf("recall API listening on http://%s", s.addr)
	return s, nil
}

// Addr returns the address being listened on, useful with port 0.
func (s *Server) Addr() string { return s.addr }

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} { return s.done }

// Shutdown stops accepting requests and waits for in-flight ones, bounded
// by the configured shutdown timeout. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdown()
	<-s.done
}

func (s *Server) shutdown() {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			log.Printf("WARNING: server: shutdown: %v", err)
		}
		if s.hub != nil {
			s.hub.Stop()
		}
		close(s.done)
	})
}
