// Package httpapi serves the daemon's REST API, its live event stream and,
// when enabled, the Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/core/registry"
	"github.com/trymwestin/neakasa/internal/core/state"
	"github.com/trymwestin/neakasa/internal/core/transport"
)

// Server is the HTTP API server.
type Server struct {
	plat        *platform.Platform
	store       *state.Store
	bus         *state.EventBus
	version     string
	corsAll     bool
	metrics     http.Handler // nil when metrics are disabled
	metricsPath string
	log         *slog.Logger
	mux         *http.ServeMux
}

// NewServer creates a new HTTP API server.
func NewServer(
	plat *platform.Platform,
	store *state.Store,
	bus *state.EventBus,
	version string,
	corsAll bool,
	metrics http.Handler,
	metricsPath string,
	log *slog.Logger,
) *Server {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s := &Server{
		plat:        plat,
		store:       store,
		bus:         bus,
		version:     version,
		corsAll:     corsAll,
		metrics:     metrics,
		metricsPath: metricsPath,
		log:         log,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	s.mux.HandleFunc("POST /api/devices/{id}/switches/{feature}", s.handleSetSwitch)
	s.mux.HandleFunc("POST /api/devices/{id}/buttons/{feature}", s.handlePress)
	s.mux.HandleFunc("POST /api/devices/{id}/properties", s.handleSetProperties)
	s.mux.HandleFunc("POST /api/discover", s.handleDiscover)
	s.mux.HandleFunc("POST /api/poll", s.handlePoll)

	if s.metrics != nil {
		s.mux.Handle("GET "+s.metricsPath, s.metrics)
	}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<html><body><h1>Neakasa Bridge</h1><p><a href="/api/status">API Status</a> · <a href="/api/devices">Devices</a></p></body></html>`)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeCommandError maps platform errors onto status codes.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, platform.ErrUnknownDevice):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, platform.ErrCommunicationFailure):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	Connected   bool   `json:"connected"`
	Version     string `json:"version"`
	Poller      string `json:"poller"`
	Tick        string `json:"tick"`
	DeviceCount int    `json:"device_count"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, statusResponse{
		Connected:   s.plat.Connected(),
		Version:     s.version,
		Poller:      s.plat.Poller().State().String(),
		Tick:        s.plat.Poller().Tick().String(),
		DeviceCount: s.plat.Registry().Len(),
	})
}

type deviceResponse struct {
	IotID        string            `json:"iot_id"`
	DeviceName   string            `json:"device_name"`
	Name         string            `json:"name"`
	Status       string            `json:"status,omitempty"`
	PollInterval string            `json:"poll_interval"`
	Disabled     []string          `json:"disabled_features,omitempty"`
	State        *state.DeviceData `json:"state,omitempty"`
	Summary      map[string]string `json:"summary,omitempty"`
}

func (s *Server) deviceView(b registry.Binding) deviceResponse {
	prof := s.plat.Profile(b.Device)
	resp := deviceResponse{
		IotID:        b.Device.IotID,
		DeviceName:   b.Device.DeviceName,
		Name:         prof.Name,
		Status:       b.Device.Status,
		PollInterval: s.plat.Poller().IntervalFor(b.Device.IotID).String(),
	}
	for f, off := range prof.Disabled {
		if off {
			resp.Disabled = append(resp.Disabled, string(f))
		}
	}
	sort.Strings(resp.Disabled)
	if d, ok := s.store.Get(b.Device.IotID); ok {
		resp.State = &d
		resp.Summary = map[string]string{
			"sand_level":    state.SandLevelName(d.SandLevelState),
			"bucket_status": state.BucketStatusName(d.BucketStatus),
			"bin_state":     state.BinStateName(d.RoomOfBin),
		}
	}
	return resp
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	bindings := s.plat.Registry().Bindings()
	out := make([]deviceResponse, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, s.deviceView(b))
	}
	s.writeJSON(w, map[string]interface{}{"devices": out})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	b, ok := s.plat.Registry().Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	s.writeJSON(w, s.deviceView(b))
}

type switchBody struct {
	On bool `json:"on"`
}

func (s *Server) handleSetSwitch(w http.ResponseWriter, r *http.Request) {
	f := platform.Feature(r.PathValue("feature"))
	if !f.IsSwitch() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("%q is not a switch", f))
		return
	}
	var body switchBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.plat.SetSwitch(r.Context(), r.PathValue("id"), f, body.On); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePress(w http.ResponseWriter, r *http.Request) {
	f := platform.Feature(r.PathValue("feature"))
	if !f.IsButton() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("%q is not a button", f))
		return
	}
	if err := s.plat.Press(r.Context(), r.PathValue("id"), f); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSetProperties(w http.ResponseWriter, r *http.Request) {
	var items map[string]any
	if err := s.readJSON(r, &items); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if len(items) == 0 {
		s.writeError(w, http.StatusBadRequest, "no properties given")
		return
	}
	if err := s.plat.SetDeviceProperties(r.Context(), r.PathValue("id"), items); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	res, err := s.plat.Discover(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, res)
}

type pollResponse struct {
	Started    time.Time         `json:"started"`
	Duration   string            `json:"duration"`
	Polled     []string          `json:"polled"`
	Failed     map[string]string `json:"failed,omitempty"`
	Reconnects int               `json:"reconnects"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	rep := s.plat.Poller().RunCycle(context.WithoutCancel(r.Context()))
	resp := pollResponse{
		Started:    rep.Started,
		Duration:   rep.Duration.String(),
		Polled:     rep.Polled,
		Reconnects: rep.Reconnects,
	}
	if len(rep.Failed) > 0 {
		resp.Failed = make(map[string]string, len(rep.Failed))
		for id, err := range rep.Failed {
			resp.Failed[id] = err.Error()
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, transport.ParseFormat(r.URL.Query().Get("format")), s.log)
	if err != nil {
		// Upgrade has already replied.
		s.log.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	// Start every stream with the current state.
	for _, id := range s.store.IDs() {
		if d, ok := s.store.Get(id); ok {
			if err := conn.Send(r.Context(), state.Event{Type: state.EventSnapshot, Timestamp: d.UpdatedAt, IotID: id, Data: d}); err != nil {
				return
			}
		}
	}

	s.log.Debug("event stream opened", "remote", r.RemoteAddr)
	if err := transport.Pump(r.Context(), conn, events); err != nil {
		s.log.Debug("event stream closed", "remote", r.RemoteAddr, "error", err)
	}
}
