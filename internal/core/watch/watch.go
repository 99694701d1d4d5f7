// Package watch follows a running daemon's event stream and reconnects with
// exponential backoff when the stream drops.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/neakasa/internal/core/state"
	"github.com/trymwestin/neakasa/internal/core/transport"
)

// Dialer opens an event stream.
type Dialer interface {
	Dial(ctx context.Context, format transport.Format) (transport.Conn, error)
}

// Handler receives every event read from the stream.
type Handler func(state.Event)

// Client follows one event stream.
type Client struct {
	dialer  Dialer
	format  transport.Format
	handle  Handler
	log     *slog.Logger
	backoff time.Duration
	max     time.Duration

	conn    transport.Conn
	connMu  sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
}

// NewClient creates a follower that passes events to handle.
func NewClient(dialer Dialer, format transport.Format, handle Handler, log *slog.Logger) *Client {
	return &Client{
		dialer:  dialer,
		format:  format,
		handle:  handle,
		log:     log,
		backoff: time.Second,
		max:     2 * time.Minute,
	}
}

// Start connects and begins the read loop.
func (c *Client) Start(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("watch: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running.Store(true)
	go c.runLoop(ctx)
	return nil
}

// Stop disconnects and waits for the loop to exit.
func (c *Client) Stop(_ context.Context) error {
	if !c.running.Load() {
		return nil
	}
	c.cancel()
	<-c.stopped
	c.running.Store(false)
	return nil
}

// Done is closed when the loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.stopped
}

// Connected reports whether a stream is open.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) runLoop(ctx context.Context) {
	defer close(c.stopped)

	backoff := c.backoff
	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		connected, err := c.connectAndRun(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("watch: shutting down")
				c.disconnect()
				return
			}
			c.log.Error("watch: stream error", "error", err, "retry_in", backoff)
		}
		c.disconnect()

		if connected {
			backoff = c.backoff
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff = time.Duration(math.Min(float64(backoff)*2, float64(c.max)))
	}
}

func (c *Client) connectAndRun(ctx context.Context) (connected bool, err error) {
	conn, err := c.dialer.Dial(ctx, c.format)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	return c.follow(ctx, conn)
}

// follow reads conn until it fails. Frames that cannot be decoded are skipped.
func (c *Client) follow(ctx context.Context, conn transport.Conn) (connected bool, err error) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.log.Info("watch: stream connected", "format", c.format)

	// Closing the conn unblocks Recv on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.disconnect()
		case <-stop:
		}
	}()

	for {
		evt, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrDecode) {
				c.log.Warn("watch: skipping undecodable frame", "error", err)
				continue
			}
			return true, err
		}
		c.handle(evt)
	}
}

func (c *Client) disconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
