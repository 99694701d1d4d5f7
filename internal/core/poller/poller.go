// Package poller runs the recurring poll cycle: fetch every bound device's
// properties and records, normalize them, store the snapshot and hand it to
// the device's accessory.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/registry"
	"github.com/trymwestin/neakasa/internal/core/state"
)

// API is the subset of the cloud client a cycle needs.
type API interface {
	GetProperties(ctx context.Context, iotID string) (api.RawProperties, error)
	GetRecords(ctx context.Context, deviceName string) (api.Records, error)
}

// Source lists the devices to poll, in the order to poll them.
type Source interface {
	Bindings() []registry.Binding
}

// Sink stores a snapshot and returns it as stored.
type Sink interface {
	Put(iotID string, data state.DeviceData) state.DeviceData
}

// ReconnectFunc re-runs the login bootstrap.
type ReconnectFunc func(ctx context.Context) error

// Recorder observes poll outcomes.
type Recorder interface {
	DevicePolled(iotID string, d time.Duration, err error)
	Reconnected(err error)
	CycleCompleted(d time.Duration, polled, failed int)
}

type nopRecorder struct{}

func (nopRecorder) DevicePolled(string, time.Duration, error) {}
func (nopRecorder) Reconnected(error)                         {}
func (nopRecorder) CycleCompleted(time.Duration, int, int)    {}

// State is the scheduler state.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// CycleReport summarises one cycle.
type CycleReport struct {
	Started    time.Time        `json:"started"`
	Duration   time.Duration    `json:"duration"`
	Polled     []string         `json:"polled"`
	NotDue     []string         `json:"not_due,omitempty"`
	Failed     map[string]error `json:"-"`
	Reconnects int              `json:"reconnects"`
}

// Option configures a Poller.
type Option func(*Poller)

// WithStartupDelay delays the first cycle after Start.
func WithStartupDelay(d time.Duration) Option {
	return func(p *Poller) {
		p.startupDelay = d
	}
}

// WithDeviceIntervals overrides the poll interval of individual devices,
// keyed by iotId.
func WithDeviceIntervals(m map[string]time.Duration) Option {
	return func(p *Poller) {
		for k, v := range m {
			p.intervals[k] = v
		}
	}
}

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) {
		p.rec = r
	}
}

// WithClock overrides the time source used for due checks.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// Poller is the Idle/Active poll scheduler.
type Poller struct {
	api       API
	source    Source
	sink      Sink
	reconnect ReconnectFunc
	rec       Recorder
	log       *slog.Logger

	startupDelay time.Duration
	intervals    map[string]time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	interval time.Duration
	cancel   context.CancelFunc
	stopped  chan struct{}

	// cycleMu serialises cycles from the loop and from RunCycle.
	cycleMu    sync.Mutex
	lastPolled map[string]time.Time
}

// New creates an idle poller.
func New(client API, source Source, sink Sink, reconnect ReconnectFunc, log *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		api:        client,
		source:     source,
		sink:       sink,
		reconnect:  reconnect,
		rec:        nopRecorder{},
		log:        log,
		intervals:  make(map[string]time.Duration),
		now:        time.Now,
		lastPolled: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the scheduler state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start runs one cycle (after the startup delay, if any) and then one cycle
// per tick. Calling Start on an active poller does nothing. ctx bounds the
// schedule, not the work of a cycle already running.
func (p *Poller) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poller: interval must be positive, got %s", interval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Active {
		p.log.Debug("poller already active, ignoring start")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.interval = interval
	p.stopped = make(chan struct{})
	p.state = Active

	tick := p.tickLocked()
	p.log.Info("polling started", "interval", interval, "tick", tick, "startup_delay", p.startupDelay)

	go p.runLoop(loopCtx, tick, p.stopped)
	return nil
}

// Stop cancels the schedule and waits, up to ctx, for a cycle in flight to
// finish. The cycle's network calls are not cancelled.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Idle {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.state = Idle
	stopped := p.stopped
	p.mu.Unlock()

	select {
	case <-stopped:
		p.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller: stop: %w", ctx.Err())
	}
}

// SetDeviceIntervals replaces the per-device interval overrides. The tick of
// an active poller is fixed at Start.
func (p *Poller) SetDeviceIntervals(m map[string]time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intervals = make(map[string]time.Duration, len(m))
	for k, v := range m {
		p.intervals[k] = v
	}
}

// Tick returns the scheduler tick: the smallest effective poll interval.
func (p *Poller) Tick() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tickLocked()
}

func (p *Poller) tickLocked() time.Duration {
	tick := p.interval
	for _, d := range p.intervals {
		if d > 0 && (tick <= 0 || d < tick) {
			tick = d
		}
	}
	return tick
}

// IntervalFor returns the effective poll interval of a device.
func (p *Poller) IntervalFor(iotID string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.intervals[iotID]; ok && d > 0 {
		return d
	}
	return p.interval
}

func (p *Poller) runLoop(ctx context.Context, tick time.Duration, stopped chan struct{}) {
	defer close(stopped)

	if p.startupDelay > 0 {
		timer := time.NewTimer(p.startupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	work := context.WithoutCancel(ctx)
	p.runCycle(work, false)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(work, false)
		}
	}
}

// RunCycle polls every bound device once, regardless of its interval.
func (p *Poller) RunCycle(ctx context.Context) CycleReport {
	return p.runCycle(ctx, true)
}

func (p *Poller) runCycle(ctx context.Context, force bool) CycleReport {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	started := p.now()
	report := CycleReport{Started: started, Failed: make(map[string]error)}

	p.mu.Lock()
	tick := p.tickLocked()
	p.mu.Unlock()

	bindings := p.source.Bindings()
	live := make(map[string]struct{}, len(bindings))

	for _, b := range bindings {
		id := b.Device.IotID
		live[id] = struct{}{}

		if !force && !p.due(id, started, tick) {
			report.NotDue = append(report.NotDue, id)
			continue
		}
		p.lastPolled[id] = started

		devStart := time.Now()
		reconnected, err := p.updateDevice(ctx, b)
		if reconnected {
			report.Reconnects++
		}
		p.rec.DevicePolled(id, time.Since(devStart), err)
		if err != nil {
			p.log.Error("device update failed", "iot_id", id, "device_name", b.Device.DeviceName, "error", err)
			report.Failed[id] = err
			continue
		}
		report.Polled = append(report.Polled, id)
	}

	for id := range p.lastPolled {
		if _, ok := live[id]; !ok {
			delete(p.lastPolled, id)
		}
	}

	report.Duration = p.now().Sub(started)
	p.rec.CycleCompleted(report.Duration, len(report.Polled), len(report.Failed))
	p.log.Debug("poll cycle complete", "polled", len(report.Polled), "failed", len(report.Failed), "not_due", len(report.NotDue))
	return report
}

func (p *Poller) due(iotID string, now time.Time, tick time.Duration) bool {
	last, ok := p.lastPolled[iotID]
	if !ok {
		return true
	}
	return now.Sub(last)+tick/2 >= p.IntervalFor(iotID)
}

// updateDevice fetches, stores and delivers one device. A fetch that fails
// because the session is gone gets exactly one reconnect and one retry.
func (p *Poller) updateDevice(ctx context.Context, b registry.Binding) (reconnected bool, err error) {
	data, err := p.fetch(ctx, b.Device)
	if err != nil && api.IsNotConnected(err) && p.reconnect != nil {
		p.log.Warn("session lost, reconnecting", "iot_id", b.Device.IotID, "error", err)
		reconnected = true
		rerr := p.reconnect(ctx)
		p.rec.Reconnected(rerr)
		if rerr != nil {
			return reconnected, errors.Join(err, fmt.Errorf("poller: reconnect: %w", rerr))
		}
		p.log.Info("reconnected, retrying device", "iot_id", b.Device.IotID)
		data, err = p.fetch(ctx, b.Device)
	}
	if err != nil {
		return reconnected, err
	}

	data = p.sink.Put(b.Device.IotID, data)
	if err := b.Accessory.Deliver(ctx, b.Device.IotID, data); err != nil {
		return reconnected, fmt.Errorf("poller: deliver: %w", err)
	}
	return reconnected, nil
}

func (p *Poller) fetch(ctx context.Context, dev api.Device) (state.DeviceData, error) {
	raw, err := p.api.GetProperties(ctx, dev.IotID)
	if err != nil {
		return state.DeviceData{}, fmt.Errorf("poller: get properties: %w", err)
	}

	rec, err := p.api.GetRecords(ctx, dev.DeviceName)
	if err != nil {
		p.log.Debug("records unavailable", "device_name", dev.DeviceName, "error", err)
		rec = api.Records{}
	}

	return state.Normalize(raw, rec), nil
}
