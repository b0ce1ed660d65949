// Package server runs the admin HTTP surface of the replication server.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/logging"
)

// ConfigReloadFunc reloads the reloadable part of the configuration
type ConfigReloadFunc func() error

// GracefulServer wraps an HTTP server that drains requests on shutdown
type GracefulServer struct {
	server       *http.Server
	logger       logging.Logger
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	reloadMu sync.RWMutex
	reloadFn ConfigReloadFunc
}

// NewGracefulServer creates a server for handler on addr
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:     logger.With(logging.Component("admin-http")),
		shutdownCh: make(chan struct{}),
	}
}

// SetTLSConfig makes the server speak HTTPS. It must be called before
// Serve.
func (gs *GracefulServer) SetTLSConfig(cfg *tls.Config) {
	gs.server.TLSConfig = cfg
}

// Serve accepts connections on ln until Shutdown is called
func (gs *GracefulServer) Serve(ln net.Listener) error {
	secure := gs.server.TLSConfig != nil
	if secure {
		ln = tls.NewListener(ln, gs.server.TLSConfig)
	}
	gs.logger.Info("admin HTTP server listening",
		logging.String("addr", ln.Addr().String()),
		logging.Bool("tls", secure))
	if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown
func (gs *GracefulServer) Start() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	return gs.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones, at most
// timeout
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		gs.logger.Info("admin HTTP server draining", logging.Duration("timeout", timeout))
		if err = gs.server.Shutdown(ctx); err != nil {
			gs.logger.Error("admin HTTP shutdown failed", logging.Error(err))
		}
	})
	return err
}

// IsShuttingDown reports whether Shutdown was called
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel is closed when shutdown starts
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetConfigReloadFunc sets what ReloadConfig runs
func (gs *GracefulServer) SetConfigReloadFunc(fn ConfigReloadFunc) {
	gs.reloadMu.Lock()
	defer gs.reloadMu.Unlock()
	gs.reloadFn = fn
}

// ReloadConfig runs the reload function, if any
func (gs *GracefulServer) ReloadConfig() error {
	gs.reloadMu.RLock()
	fn := gs.reloadFn
	gs.reloadMu.RUnlock()

	if fn == nil {
		gs.logger.Warn("configuration reload requested but nothing is reloadable")
		return nil
	}
	if err := fn(); err != nil {
		gs.logger.Error("configuration reload failed", logging.Error(err))
		return err
	}
	gs.logger.Info("configuration reloaded")
	return nil
}
