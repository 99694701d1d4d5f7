package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trymwestin/neakasa/internal/core/state"
	"github.com/trymwestin/neakasa/internal/core/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn replays events and then fails with err.
type fakeConn struct {
	mu     sync.Mutex
	events []state.Event
	err    error
	closed bool
}

func (c *fakeConn) Send(context.Context, state.Event) error { return nil }

func (c *fakeConn) Recv(context.Context) (state.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) > 0 {
		evt := c.events[0]
		c.events = c.events[1:]
		return evt, nil
	}
	return state.Event{}, c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Ping() error                     { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(context.Context, transport.Format) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{
		{events: []state.Event{{Type: state.EventConnected}}, err: errors.New("reset")},
		{events: []state.Event{{Type: state.EventSnapshot, IotID: "iot1"}}, err: errors.New("reset")},
	}}

	var mu sync.Mutex
	var got []state.EventType
	c := NewClient(dialer, transport.FormatJSON, func(evt state.Event) {
		mu.Lock()
		got = append(got, evt.Type)
		mu.Unlock()
	}, testLogger())
	c.backoff = time.Millisecond
	c.max = 5 * time.Millisecond

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil")
	}

	deadline := time.Now().Add(2 * time.Second)
	for dialer.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != state.EventConnected || got[1] != state.EventSnapshot {
		t.Errorf("events = %v", got)
	}
	if c.Connected() {
		t.Error("Connected() = true after Stop")
	}
}

func TestClient_SkipsUndecodableFrames(t *testing.T) {
	conn := &fakeConn{err: errors.New("reset")}

	calls := 0
	c := NewClient(&fakeDialer{}, transport.FormatJSON, func(state.Event) { calls++ }, testLogger())

	// First Recv reports a bad frame, then the conn fails for good.
	bad := &decodeOnce{fakeConn: conn}
	connected, err := c.follow(context.Background(), bad)
	if !connected || err == nil {
		t.Errorf("connectAndRun() = %v, %v", connected, err)
	}
	if !bad.seen {
		t.Error("decode error not delivered")
	}
	if calls != 0 {
		t.Errorf("handler calls = %d", calls)
	}
}

type decodeOnce struct {
	*fakeConn
	seen bool
}

func (d *decodeOnce) Recv(ctx context.Context) (state.Event, error) {
	if !d.seen {
		d.seen = true
		return state.Event{}, transport.ErrDecode
	}
	return d.fakeConn.Recv(ctx)
}
