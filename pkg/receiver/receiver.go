// Package receiver implements the consumer side of the event protocol: a
// single-connection socket server that decodes lines and replays them onto a
// downstream listener in arrival order.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/testrelay/pkg/event"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultListen binds an ephemeral port on the loopback interface.
const DefaultListen = "127.0.0.1:0"

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("receiver is closed")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("receiver already started")
)

// Config configures a receiver.
type Config struct {
	Listen       string
	MaxLineBytes int
}

// Receiver accepts one reporter connection and replays its events.
type Receiver interface {
	// Start binds the listening socket and starts the read loop. The port is
	// known once Start returns.
	Start(ctx context.Context) error

	// Port returns the bound port, or 0 before Start.
	Port() int

	// Join waits up to timeout for the stream to finish. It returns true
	// only if a clean end of stream was observed in time.
	Join(timeout time.Duration) bool

	// Done is closed once the loop has finished and every decoded event has
	// been dispatched. It never closes if Start was not called.
	Done() <-chan struct{}

	// Err returns the transport error that ended the loop, if any.
	Err() error

	// Stats returns the loop counters.
	Stats() Stats

	// Close stops the loop and releases the socket. It is idempotent.
	Close() error
}

// NewReceiver creates a receiver replaying onto downstream.
func NewReceiver(log logrus.FieldLogger, downstream event.Listener, cfg *Config) Receiver {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}

	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}

	return &receiver{
		log:        log.WithField("component", "receiver"),
		downstream: downstream,
		cfg:        c,
		done:       make(chan struct{}),
	}
}

type receiver struct {
	log        logrus.FieldLogger
	downstream event.Listener
	cfg        Config

	mu       sync.Mutex
	started  bool
	closed   bool
	listener net.Listener
	conn     net.Conn
	cancel   context.CancelFunc
	err      error

	done     chan struct{}
	eof      atomic.Bool
	counters counters
}

// Ensure interface compliance.
var _ Receiver = (*receiver)(nil)

func (r *receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if r.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding receiver on %s: %w", r.cfg.Listen, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	r.started = true
	r.listener = ln
	r.cancel = cancel

	events := make(chan event.Event, 64)

	g, gCtx := errgroup.WithContext(loopCtx)

	// Blocking accept and read calls are released by closing the sockets.
	stop := context.AfterFunc(gCtx, r.closeSockets)

	g.Go(func() error {
		defer close(events)

		return r.readLoop(gCtx, events)
	})

	g.Go(func() error {
		for ev := range events {
			dispatch(r.log, r.downstream, &r.counters, ev)
		}

		return nil
	})

	go func() {
		err := g.Wait()

		stop()
		r.closeSockets()
		cancel()

		r.mu.Lock()
		r.err = err
		r.mu.Unlock()

		stats := r.counters.snapshot()

		fields := logrus.Fields{
			"events":        stats.Events,
			"decode_errors": stats.DecodeErrors,
			"eof":           r.eof.Load(),
		}

		if err != nil {
			r.log.WithFields(fields).WithError(err).Warn("Event stream ended abnormally")
		} else {
			r.log.WithFields(fields).Debug("Event stream finished")
		}

		close(r.done)
	}()

	r.log.WithField("addr", ln.Addr().String()).Debug("Receiver listening")

	return nil
}

// readLoop accepts a single connection and decodes it until end of stream.
func (r *receiver) readLoop(ctx context.Context, events chan<- event.Event) error {
	conn, err := r.listener.Accept()
	if err != nil {
		if r.stopping(ctx) {
			return nil
		}

		return fmt.Errorf("accepting reporter connection: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	closed := r.closed
	r.mu.Unlock()

	// Point to point: no further connections are accepted.
	_ = r.listener.Close()

	if closed {
		_ = conn.Close()

		return nil
	}

	r.log.WithField("remote", conn.RemoteAddr().String()).Debug("Reporter connected")

	err = scanEvents(ctx, r.log, conn, r.cfg.MaxLineBytes, &r.counters, func(ev event.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		if r.stopping(ctx) {
			return nil
		}

		return err
	}

	r.eof.Store(true)

	return nil
}

// stopping reports whether the loop is being shut down on purpose.
func (r *receiver) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

func (r *receiver) closeSockets() {
	r.mu.Lock()
	ln, conn := r.listener, r.conn
	r.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	if conn != nil {
		_ = conn.Close()
	}
}

func (r *receiver) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listener == nil {
		return 0
	}

	if addr, ok := r.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}

	return 0
}

func (r *receiver) Join(timeout time.Duration) bool {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	if !started {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return r.eof.Load()
	case <-timer.C:
		return false
	}
}

func (r *receiver) Done() <-chan struct{} {
	return r.done
}

func (r *receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

func (r *receiver) Stats() Stats {
	return r.counters.snapshot()
}

func (r *receiver) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}

	r.closed = true
	started := r.started
	cancel := r.cancel
	r.mu.Unlock()

	if !started {
		return nil
	}

	cancel()
	r.closeSockets()
	<-r.done

	return nil
}
