// Package api serves a read-only HTTP view of a live aggregator, so that
// dashboards and orchestrators can poll progress while a session runs.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/testrelay/pkg/aggregator"
	"github.com/ethpandaops/testrelay/pkg/config"
	"github.com/ethpandaops/testrelay/pkg/receiver"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Addr returns the bound address once started.
	Addr() string
}

// StreamSource reports the state of the event stream feeding the
// aggregator. A receiver.Receiver satisfies it.
type StreamSource interface {
	Port() int
	Stats() receiver.Stats
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	agg        aggregator.Aggregator
	stream     StreamSource
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server over agg. stream may be nil.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	agg aggregator.Aggregator,
	stream StreamSource,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		agg:    agg,
		stream: stream,
		done:   make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server. It is idempotent.
func (s *server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(
				context.Background(), shutdownTimeout,
			)
			defer cancel()

			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.log.WithError(err).Warn("HTTP server shutdown error")
			}
		}

		s.wg.Wait()

		s.log.Info("API server stopped")
	})

	return nil
}
