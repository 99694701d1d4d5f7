// Package transport streams state events over WebSocket, as JSON text frames
// or protobuf binary frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trymwestin/neakasa/internal/core/state"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrDecode marks a frame that could not be decoded into an event.
var ErrDecode = errors.New("transport: decode")

// Format selects the frame encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

// ParseFormat maps a query value to a Format. Anything but "proto" is JSON.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "proto") || strings.EqualFold(s, "protobuf") {
		return FormatProto
	}
	return FormatJSON
}

func (f Format) String() string {
	if f == FormatProto {
		return "proto"
	}
	return "json"
}

const (
	pongWait   = 60 * time.Second
	writeWait  = 5 * time.Second
	pingPeriod = 25 * time.Second
)

// Conn is one event stream connection.
type Conn interface {
	// Send writes one event.
	Send(ctx context.Context, evt state.Event) error
	// Recv blocks until an event is received. Event data decodes as generic
	// JSON values.
	Recv(ctx context.Context) (state.Event, error)
	// Close closes the underlying connection.
	Close() error
	// Ping sends a WebSocket-level ping frame.
	Ping() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws     *websocket.Conn
	mu     sync.Mutex // protects writes
	format Format
	log    *slog.Logger
}

func newWSConn(ws *websocket.Conn, format Format, log *slog.Logger) *wsConn {
	c := &wsConn{ws: ws, format: format, log: log}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

func (c *wsConn) Send(_ context.Context, evt state.Event) error {
	msgType, data, err := encode(evt, c.format)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(_ context.Context) (state.Event, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return state.Event{}, fmt.Errorf("transport: read: %w", err)
	}
	return decode(msgType, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.ws.Close()
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeWait))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// --- Frames ---

// encode renders evt as a text JSON frame or a binary structpb.Struct frame.
func encode(evt state.Event, format Format) (int, []byte, error) {
	if format == FormatJSON {
		data, err := json.Marshal(evt)
		if err != nil {
			return 0, nil, fmt.Errorf("transport: marshal: %w", err)
		}
		return websocket.TextMessage, data, nil
	}

	// Round-trip through JSON so the struct carries the same field names as
	// the text frames.
	raw, err := json.Marshal(evt)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, nil, fmt.Errorf("transport: marshal: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: marshal: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: marshal: %w", err)
	}
	return websocket.BinaryMessage, data, nil
}

func decode(msgType int, data []byte) (state.Event, error) {
	var raw []byte
	switch msgType {
	case websocket.TextMessage:
		raw = data
	case websocket.BinaryMessage:
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return state.Event{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		b, err := json.Marshal(st.AsMap())
		if err != nil {
			return state.Event{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		raw = b
	default:
		return state.Event{}, fmt.Errorf("%w: unexpected message type %d", ErrDecode, msgType)
	}

	var evt state.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return state.Event{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return evt, nil
}

// --- Server side ---

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an HTTP request to an event stream.
func Accept(w http.ResponseWriter, r *http.Request, format Format, log *slog.Logger) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return newWSConn(ws, format, log), nil
}

// Pump forwards events to conn until ctx is done, events closes or a write
// fails. A ping is sent every pingPeriod and the peer's frames are drained so
// control frames and closes are seen.
func Pump(ctx context.Context, conn Conn, events <-chan state.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The peer sends nothing useful, but reading processes pongs and notices
	// a close. Undecodable frames are ignored.
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		for {
			if _, err := conn.Recv(ctx); err != nil && !errors.Is(err, ErrDecode) {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.Send(ctx, evt); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return fmt.Errorf("transport: ping: %w", err)
			}
		}
	}
}

// --- Client side ---

// Dialer connects to a daemon's event stream.
type Dialer struct {
	base string
	log  *slog.Logger
}

// NewDialer creates a dialer for the daemon at base (http:// or https://).
func NewDialer(base string, log *slog.Logger) *Dialer {
	return &Dialer{base: base, log: log}
}

// Dial opens the event stream.
func (d *Dialer) Dial(ctx context.Context, format Format) (Conn, error) {
	url := fmt.Sprintf("%s/api/events?format=%s", wsURL(d.base), format)

	d.log.Debug("dialing event stream", "url", url)

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newWSConn(ws, format, d.log), nil
}

// wsURL converts an http(s) base URL to ws(s).
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
