package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/registry"
	"github.com/trymwestin/neakasa/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	mu         sync.Mutex
	propCalls  map[string]int
	propErr    map[string]error
	recordsErr error
	block      chan struct{}
	entered    chan struct{}
	ctxErrs    []error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{propCalls: map[string]int{}, propErr: map[string]error{}}
}

func (f *fakeAPI) GetProperties(ctx context.Context, iotID string) (api.RawProperties, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.propCalls[iotID]++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if err := f.propErr[iotID]; err != nil {
		return api.RawProperties{}, err
	}
	return api.RawProperties{Sand: &api.Property[api.SandInfo]{Value: api.SandInfo{Percent: 40}}}, nil
}

func (f *fakeAPI) GetRecords(_ context.Context, _ string) (api.Records, error) {
	if f.recordsErr != nil {
		return api.Records{}, f.recordsErr
	}
	return api.Records{Cats: []api.Cat{{ID: "c", Name: "Tofu"}}}, nil
}

func (f *fakeAPI) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.propCalls[id]
}

type fakeAccessory struct {
	mu        sync.Mutex
	delivered []state.DeviceData
}

func (a *fakeAccessory) Deliver(_ context.Context, _ string, data state.DeviceData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered = append(a.delivered, data)
	return nil
}

func (a *fakeAccessory) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.delivered)
}

type fakeSource []registry.Binding

func (s fakeSource) Bindings() []registry.Binding { return s }

type fakeSink struct {
	mu  sync.Mutex
	put map[string]state.DeviceData
}

func (s *fakeSink) Put(iotID string, data state.DeviceData) state.DeviceData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.put == nil {
		s.put = map[string]state.DeviceData{}
	}
	s.put[iotID] = data
	return data
}

func bindings(ids ...string) (fakeSource, map[string]*fakeAccessory) {
	accs := map[string]*fakeAccessory{}
	var src fakeSource
	for _, id := range ids {
		acc := &fakeAccessory{}
		accs[id] = acc
		src = append(src, registry.Binding{Device: api.Device{IotID: id, DeviceName: "n-" + id}, Accessory: acc})
	}
	return src, accs
}

// ============================================================================
// Cycle behaviour
// ============================================================================

func TestRunCycle_DeliversNormalizedSnapshot(t *testing.T) {
	fa := newFakeAPI()
	src, accs := bindings("A")
	sink := &fakeSink{}
	p := New(fa, src, sink, nil, testLogger())

	report := p.RunCycle(context.Background())

	if len(report.Polled) != 1 || len(report.Failed) != 0 {
		t.Fatalf("RunCycle() = %+v", report)
	}
	if accs["A"].count() != 1 {
		t.Fatalf("delivered = %d, want 1", accs["A"].count())
	}
	got := accs["A"].delivered[0]
	if got.SandLevelPercent != 40 || len(got.Cats) != 1 {
		t.Errorf("delivered = %+v", got)
	}
	if _, ok := sink.put["A"]; !ok {
		t.Error("snapshot not stored")
	}
}

func TestRunCycle_FailureIsolation(t *testing.T) {
	fa := newFakeAPI()
	fa.propErr["X"] = errors.New("timeout")
	src, accs := bindings("X", "Y")
	p := New(fa, src, &fakeSink{}, nil, testLogger())

	report := p.RunCycle(context.Background())

	if _, ok := report.Failed["X"]; !ok {
		t.Errorf("X not reported failed: %+v", report)
	}
	if accs["Y"].count() != 1 {
		t.Errorf("Y delivered = %d, want 1", accs["Y"].count())
	}
	if accs["X"].count() != 0 {
		t.Errorf("X delivered = %d, want 0", accs["X"].count())
	}
}

func TestRunCycle_RecordsAreBestEffort(t *testing.T) {
	fa := newFakeAPI()
	fa.recordsErr = errors.New("records down")
	src, accs := bindings("A")
	p := New(fa, src, &fakeSink{}, nil, testLogger())

	report := p.RunCycle(context.Background())

	if len(report.Failed) != 0 {
		t.Fatalf("records failure failed the device: %+v", report.Failed)
	}
	got := accs["A"].delivered[0]
	if got.Cats == nil || len(got.Cats) != 0 || got.Records == nil {
		t.Errorf("delivered cats/records = %v/%v, want empty", got.Cats, got.Records)
	}
}

func TestRunCycle_ReconnectOnce(t *testing.T) {
	fa := newFakeAPI()
	fa.propErr["A"] = api.ErrNotConnected
	src, accs := bindings("A")

	var reconnects atomic.Int32
	p := New(fa, src, &fakeSink{}, func(context.Context) error {
		reconnects.Add(1)
		return nil
	}, testLogger())

	report := p.RunCycle(context.Background())

	if reconnects.Load() != 1 {
		t.Errorf("reconnects = %d, want 1", reconnects.Load())
	}
	if fa.calls("A") != 2 {
		t.Errorf("GetProperties calls = %d, want 2", fa.calls("A"))
	}
	if _, ok := report.Failed["A"]; !ok {
		t.Error("A not reported failed after retry")
	}
	if report.Reconnects != 1 {
		t.Errorf("report.Reconnects = %d, want 1", report.Reconnects)
	}
	if accs["A"].count() != 0 {
		t.Error("snapshot delivered after failed retry")
	}

	// The next cycle tries again, once.
	p.RunCycle(context.Background())
	if reconnects.Load() != 2 || fa.calls("A") != 4 {
		t.Errorf("second cycle: reconnects = %d, calls = %d", reconnects.Load(), fa.calls("A"))
	}
}

func TestRunCycle_ReconnectThenSuccess(t *testing.T) {
	fa := newFakeAPI()
	fa.propErr["A"] = errors.New("api: get properties: neakasa: not connected")
	src, accs := bindings("A")

	p := New(fa, src, &fakeSink{}, func(context.Context) error {
		fa.mu.Lock()
		delete(fa.propErr, "A")
		fa.mu.Unlock()
		return nil
	}, testLogger())

	report := p.RunCycle(context.Background())

	if len(report.Failed) != 0 || accs["A"].count() != 1 {
		t.Errorf("retry after reconnect did not deliver: %+v", report)
	}
}

func TestRunCycle_ReconnectFailureSkipsDevice(t *testing.T) {
	fa := newFakeAPI()
	fa.propErr["A"] = api.ErrNotConnected
	src, accs := bindings("A", "B")

	p := New(fa, src, &fakeSink{}, func(context.Context) error {
		return errors.New("login refused")
	}, testLogger())

	report := p.RunCycle(context.Background())

	if fa.calls("A") != 1 {
		t.Errorf("A retried without a session: calls = %d", fa.calls("A"))
	}
	if _, ok := report.Failed["A"]; !ok {
		t.Error("A not failed")
	}
	if accs["B"].count() != 1 {
		t.Error("B not delivered")
	}
}

func TestRunCycle_OtherErrorsDoNotReconnect(t *testing.T) {
	fa := newFakeAPI()
	fa.propErr["A"] = api.ErrTransport
	src, _ := bindings("A")

	var reconnects atomic.Int32
	p := New(fa, src, &fakeSink{}, func(context.Context) error {
		reconnects.Add(1)
		return nil
	}, testLogger())

	p.RunCycle(context.Background())

	if reconnects.Load() != 0 || fa.calls("A") != 1 {
		t.Errorf("reconnects = %d, calls = %d, want 0 and 1", reconnects.Load(), fa.calls("A"))
	}
}

func TestCycle_PerDeviceIntervals(t *testing.T) {
	fa := newFakeAPI()
	src, _ := bindings("A", "B")

	now := time.Unix(1000, 0)
	p := New(fa, src, &fakeSink{}, nil, testLogger(),
		WithDeviceIntervals(map[string]time.Duration{"B": 3 * time.Minute}),
		WithClock(func() time.Time { return now }),
	)
	p.interval = time.Minute

	if got := p.Tick(); got != time.Minute {
		t.Fatalf("Tick() = %s, want 1m", got)
	}

	steps := []struct {
		at    time.Duration
		wantA int
		wantB int
	}{
		{0, 1, 1},
		{time.Minute, 2, 1},
		{2 * time.Minute, 3, 1},
		{3 * time.Minute, 4, 2},
	}
	start := now
	for _, s := range steps {
		now = start.Add(s.at)
		p.runCycle(context.Background(), false)
		if fa.calls("A") != s.wantA || fa.calls("B") != s.wantB {
			t.Errorf("at %s: calls A=%d B=%d, want %d/%d", s.at, fa.calls("A"), fa.calls("B"), s.wantA, s.wantB)
		}
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestStart_GuardsAgainstDoubleStart(t *testing.T) {
	fa := newFakeAPI()
	src, accs := bindings("A")
	p := New(fa, src, &fakeSink{}, nil, testLogger())

	ctx := context.Background()
	if err := p.Start(ctx, time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop(ctx)

	waitFor(t, func() bool { return accs["A"].count() == 1 })

	if err := p.Start(ctx, time.Millisecond); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if n := accs["A"].count(); n != 1 {
		t.Errorf("cycles after second Start = %d, want 1", n)
	}
	if p.State() != Active {
		t.Errorf("State() = %v, want active", p.State())
	}
}

func TestStart_RejectsNonPositiveInterval(t *testing.T) {
	p := New(newFakeAPI(), fakeSource{}, &fakeSink{}, nil, testLogger())
	if err := p.Start(context.Background(), 0); err == nil {
		t.Fatal("Start(0) error = nil")
	}
	if p.State() != Idle {
		t.Error("poller active after rejected Start")
	}
}

func TestStart_TicksRepeatedly(t *testing.T) {
	fa := newFakeAPI()
	src, accs := bindings("A")
	p := New(fa, src, &fakeSink{}, nil, testLogger())

	if err := p.Start(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool { return accs["A"].count() >= 3 })

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	n := accs["A"].count()
	time.Sleep(40 * time.Millisecond)
	if accs["A"].count() != n {
		t.Error("cycles continued after Stop")
	}
	if p.State() != Idle {
		t.Error("State() not idle after Stop")
	}
}

func TestStartupDelay_StopBeforeFirstCycle(t *testing.T) {
	fa := newFakeAPI()
	src, accs := bindings("A")
	p := New(fa, src, &fakeSink{}, nil, testLogger(), WithStartupDelay(time.Hour))

	if err := p.Start(context.Background(), time.Minute); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if accs["A"].count() != 0 {
		t.Error("cycle ran during startup delay")
	}
}

func TestStop_LetsInFlightCycleFinish(t *testing.T) {
	fa := newFakeAPI()
	fa.block = make(chan struct{})
	fa.entered = make(chan struct{}, 1)
	src, accs := bindings("A")
	p := New(fa, src, &fakeSink{}, nil, testLogger())

	if err := p.Start(context.Background(), time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-fa.entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() error = %v, want deadline exceeded", err)
	}

	close(fa.block)
	waitFor(t, func() bool { return accs["A"].count() == 1 })

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.ctxErrs[0] != nil {
		t.Errorf("in-flight call saw cancelled context: %v", fa.ctxErrs[0])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
