package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAccessory struct {
	iotID     string
	mu        sync.Mutex
	delivered []state.DeviceData
	failWith  error
}

func (a *fakeAccessory) Deliver(_ context.Context, _ string, data state.DeviceData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return a.failWith
	}
	a.delivered = append(a.delivered, data)
	return nil
}

type fakeHost struct {
	registers    int
	refreshes    int
	unregisters  []string
	failRegister map[string]bool
}

func (h *fakeHost) Register(_ context.Context, dev api.Device) (Accessory, error) {
	if h.failRegister[dev.IotID] {
		return nil, errors.New("host refused")
	}
	h.registers++
	return &fakeAccessory{iotID: dev.IotID}, nil
}

func (h *fakeHost) Refresh(_ context.Context, dev api.Device, acc Accessory) error {
	h.refreshes++
	if acc.(*fakeAccessory).iotID != dev.IotID {
		return errors.New("refresh with foreign accessory")
	}
	return nil
}

func (h *fakeHost) Unregister(_ context.Context, dev api.Device, _ Accessory) error {
	h.unregisters = append(h.unregisters, dev.IotID)
	return nil
}

func devs(ids ...string) []api.Device {
	out := make([]api.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, api.Device{IotID: id, DeviceName: "name-" + id})
	}
	return out
}

func permutations(ids []string) [][]string {
	if len(ids) <= 1 {
		return [][]string{append([]string(nil), ids...)}
	}
	var out [][]string
	for i := range ids {
		rest := make([]string, 0, len(ids)-1)
		rest = append(rest, ids[:i]...)
		rest = append(rest, ids[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{ids[i]}, p...))
		}
	}
	return out
}

func keys(r *Registry) map[string]Accessory {
	out := map[string]Accessory{}
	for _, b := range r.Bindings() {
		out[b.Device.IotID] = b.Accessory
	}
	return out
}

// ============================================================================
// Reconcile
// ============================================================================

func TestReconcile_InitialPass(t *testing.T) {
	host := &fakeHost{}
	reg := New(host, testLogger())

	res, err := reg.Reconcile(context.Background(), devs("A", "B", "C"))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.Created) != 3 || len(res.Updated) != 0 || len(res.Removed) != 0 {
		t.Errorf("Reconcile() = %+v", res)
	}

	got := reg.Bindings()
	for i, want := range []string{"A", "B", "C"} {
		if got[i].Device.IotID != want {
			t.Errorf("Bindings()[%d] = %q, want %q", i, got[i].Device.IotID, want)
		}
	}
}

func TestReconcile_AddUpdateRemoveEveryPermutation(t *testing.T) {
	for _, perm := range permutations([]string{"B", "C", "D"}) {
		t.Run(perm[0]+perm[1]+perm[2], func(t *testing.T) {
			host := &fakeHost{}
			reg := New(host, testLogger())
			ctx := context.Background()

			if _, err := reg.Reconcile(ctx, devs("A", "B", "C")); err != nil {
				t.Fatalf("Reconcile() setup error = %v", err)
			}
			before := keys(reg)

			res, err := reg.Reconcile(ctx, devs(perm...))
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}

			if len(res.Removed) != 1 || res.Removed[0] != "A" {
				t.Errorf("Removed = %v, want [A]", res.Removed)
			}
			if len(res.Created) != 1 || res.Created[0] != "D" {
				t.Errorf("Created = %v, want [D]", res.Created)
			}
			if len(res.Updated) != 2 {
				t.Errorf("Updated = %v, want B and C", res.Updated)
			}

			after := keys(reg)
			if len(after) != 3 {
				t.Fatalf("registry size = %d, want 3", len(after))
			}
			if _, ok := after["A"]; ok {
				t.Error("A still bound")
			}
			for _, id := range []string{"B", "C"} {
				if after[id] != before[id] {
					t.Errorf("%s accessory replaced, want same instance", id)
				}
			}
			if len(host.unregisters) != 1 || host.unregisters[0] != "A" {
				t.Errorf("unregisters = %v", host.unregisters)
			}
		})
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	host := &fakeHost{}
	reg := New(host, testLogger())
	ctx := context.Background()

	if _, err := reg.Reconcile(ctx, devs("A", "B")); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	registers := host.registers

	res, err := reg.Reconcile(ctx, devs("B", "A"))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Changed() {
		t.Errorf("second pass changed the registry: %+v", res)
	}
	if host.registers != registers || len(host.unregisters) != 0 {
		t.Errorf("second pass hit the host: registers=%d unregisters=%v", host.registers, host.unregisters)
	}
}

func TestReconcile_RefreshesDescriptorInPlace(t *testing.T) {
	reg := New(&fakeHost{}, testLogger())
	ctx := context.Background()

	if _, err := reg.Reconcile(ctx, []api.Device{{IotID: "A", Status: "0"}}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	first, _ := reg.Get("A")

	if _, err := reg.Reconcile(ctx, []api.Device{{IotID: "A", Status: "1", GmtModified: 99}}); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	second, _ := reg.Get("A")

	if second.Device.Status != "1" || second.Device.GmtModified != 99 {
		t.Errorf("descriptor not refreshed: %+v", second.Device)
	}
	if second.Accessory != first.Accessory {
		t.Error("accessory replaced on refresh")
	}
}

func TestReconcile_EmptyListRemovesEverything(t *testing.T) {
	host := &fakeHost{}
	reg := New(host, testLogger())
	ctx := context.Background()

	if _, err := reg.Reconcile(ctx, devs("A", "B")); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	res, err := reg.Reconcile(ctx, nil)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.Removed) != 2 || reg.Len() != 0 {
		t.Errorf("Reconcile(nil) = %+v, len = %d", res, reg.Len())
	}
}

func TestReconcile_DuplicateIDsFirstWins(t *testing.T) {
	host := &fakeHost{}
	reg := New(host, testLogger())

	list := []api.Device{{IotID: "A", DeviceName: "first"}, {IotID: "A", DeviceName: "second"}}
	res, err := reg.Reconcile(context.Background(), list)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.Created) != 1 || host.registers != 1 {
		t.Errorf("duplicate registered twice: %+v", res)
	}
	b, _ := reg.Get("A")
	if b.Device.DeviceName != "first" {
		t.Errorf("DeviceName = %q, want first", b.Device.DeviceName)
	}
}

func TestReconcile_RegisterFailureIsIsolated(t *testing.T) {
	host := &fakeHost{failRegister: map[string]bool{"B": true}}
	reg := New(host, testLogger())

	res, err := reg.Reconcile(context.Background(), devs("A", "B", "C"))
	if err == nil {
		t.Fatal("Reconcile() error = nil, want joined register failure")
	}
	if len(res.Failed) != 1 || res.Failed[0] != "B" {
		t.Errorf("Failed = %v", res.Failed)
	}
	if _, ok := reg.Get("C"); !ok {
		t.Error("C not bound after B failed")
	}

	delete(host.failRegister, "B")
	res, err = reg.Reconcile(context.Background(), devs("A", "B", "C"))
	if err != nil {
		t.Fatalf("Reconcile() retry error = %v", err)
	}
	if len(res.Created) != 1 || res.Created[0] != "B" {
		t.Errorf("retry Created = %v, want [B]", res.Created)
	}
}

// ============================================================================
// Hosts
// ============================================================================

func TestHosts_FanOut(t *testing.T) {
	h1, h2 := &fakeHost{}, &fakeHost{}
	reg := New(Hosts{h1, h2}, testLogger())
	ctx := context.Background()

	if _, err := reg.Reconcile(ctx, devs("A")); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if h1.registers != 1 || h2.registers != 1 {
		t.Errorf("registers = %d/%d, want 1/1", h1.registers, h2.registers)
	}

	b, _ := reg.Get("A")
	if err := b.Accessory.Deliver(ctx, "A", state.DeviceData{SandLevelPercent: 12}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	for i, acc := range b.Accessory.(multiAccessory) {
		fa := acc.(*fakeAccessory)
		if len(fa.delivered) != 1 || fa.delivered[0].SandLevelPercent != 12 {
			t.Errorf("host %d delivered = %+v", i, fa.delivered)
		}
	}

	if _, err := reg.Reconcile(ctx, devs("A")); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if h1.refreshes != 1 || h2.refreshes != 1 {
		t.Errorf("refreshes = %d/%d, want 1/1", h1.refreshes, h2.refreshes)
	}

	if _, err := reg.Reconcile(ctx, nil); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(h1.unregisters) != 1 || len(h2.unregisters) != 1 {
		t.Errorf("unregisters = %v/%v", h1.unregisters, h2.unregisters)
	}
}

func TestHosts_RegisterRollsBack(t *testing.T) {
	h1 := &fakeHost{}
	h2 := &fakeHost{failRegister: map[string]bool{"A": true}}

	_, err := Hosts{h1, h2}.Register(context.Background(), api.Device{IotID: "A"})
	if err == nil {
		t.Fatal("Register() error = nil")
	}
	if len(h1.unregisters) != 1 || h1.unregisters[0] != "A" {
		t.Errorf("first host not rolled back: %v", h1.unregisters)
	}
}

func TestHosts_DeliverJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	good := &fakeAccessory{}
	acc := multiAccessory{&fakeAccessory{failWith: boom}, good}

	err := acc.Deliver(context.Background(), "A", state.DeviceData{})
	if !errors.Is(err, boom) {
		t.Errorf("Deliver() error = %v, want boom", err)
	}
	if len(good.delivered) != 1 {
		t.Error("second accessory skipped after first failed")
	}
}
