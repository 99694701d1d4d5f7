// Package homekit bridges the bound litter boxes into Apple Home through a
// single HAP bridge.
package homekit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brutella/hc"
	hcaccessory "github.com/brutella/hc/accessory"
	"github.com/google/uuid"
	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/core/registry"
)

// Config holds HomeKit bridge configuration.
type Config struct {
	BridgeName  string
	Pin         string
	Port        string
	StoragePath string
}

// Commander sends user commands to the devices and names them.
type Commander interface {
	SetSwitch(ctx context.Context, iotID string, f platform.Feature, on bool) error
	Press(ctx context.Context, iotID string, f platform.Feature) error
	Profile(dev api.Device) platform.Profile
}

const (
	commandTimeout = 10 * time.Second
	// settleDelay coalesces a burst of registrations into one transport restart.
	settleDelay = 2 * time.Second
	// buttonReset is how long a momentary switch stays on.
	buttonReset = time.Second
)

// idNamespace seeds the accessory ids derived from iotIds.
var idNamespace = uuid.MustParse("6b1f3c1e-5d0e-4c52-9a57-4e45414b4153")

// AccessoryID derives the stable HAP accessory id of a device. Ids 0 and 1
// are reserved for the bridge.
func AccessoryID(iotID string) uint64 {
	u := uuid.NewSHA1(idNamespace, []byte(iotID))
	id := binary.BigEndian.Uint64(u[:8])
	if id <= 1 {
		id += 2
	}
	return id
}

// Ensure Host implements registry.Host at compile time.
var _ registry.Host = (*Host)(nil)

// Host is a registry host that serves every device as a bridged HAP accessory.
// HAP cannot add accessories to a running bridge, so membership changes
// restart the transport.
type Host struct {
	cfg Config
	cmd Commander
	log *slog.Logger

	bridge *hcaccessory.Bridge

	mu      sync.Mutex
	devices map[string]*handle
	changed chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	// Overridable in tests.
	resetAfter time.Duration
	settle     time.Duration
}

// NewHost creates a HomeKit host. Call Start to serve.
func NewHost(cfg Config, cmd Commander, log *slog.Logger) *Host {
	if cfg.BridgeName == "" {
		cfg.BridgeName = "Neakasa Bridge"
	}
	bridge := hcaccessory.NewBridge(hcaccessory.Info{
		Name:         cfg.BridgeName,
		Manufacturer: "Neakasa",
		Model:        "neakasad",
		ID:           1,
	})
	return &Host{
		cfg:        cfg,
		cmd:        cmd,
		log:        log,
		bridge:     bridge,
		devices:    make(map[string]*handle),
		changed:    make(chan struct{}, 1),
		resetAfter: buttonReset,
		settle:     settleDelay,
	}
}

// Start serves the bridge until Stop.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		return fmt.Errorf("homekit: already started")
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.serve(ctx, h.done)
	h.log.Info("HomeKit bridge starting", "name", h.cfg.BridgeName, "port", h.cfg.Port)
	return nil
}

// Stop shuts the transport down.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		h.log.Info("HomeKit bridge stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("homekit: stop: %w", ctx.Err())
	}
}

func (h *Host) serve(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		t, err := hc.NewIPTransport(hc.Config{
			Pin:         h.cfg.Pin,
			Port:        h.cfg.Port,
			StoragePath: h.cfg.StoragePath,
		}, h.bridge.Accessory, h.accessories()...)
		if err != nil {
			h.log.Error("HomeKit transport failed", "error", err)
		} else {
			go t.Start()
		}

		select {
		case <-ctx.Done():
			if t != nil {
				<-t.Stop()
			}
			return
		case <-h.changed:
		}

		// Let a discovery pass finish before restarting.
		select {
		case <-ctx.Done():
		case <-time.After(h.settle):
		}
		if t != nil {
			<-t.Stop()
		}
		if ctx.Err() != nil {
			return
		}
		h.log.Info("HomeKit accessories changed, restarting bridge")
	}
}

// accessories returns the bridged accessories ordered by id.
func (h *Host) accessories() []*hcaccessory.Accessory {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*hcaccessory.Accessory, 0, len(h.devices))
	for _, hd := range h.devices {
		out = append(out, hd.current().Accessory)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Host) notifyChanged() {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// Register builds the accessory of dev.
func (h *Host) Register(_ context.Context, dev api.Device) (registry.Accessory, error) {
	prof := h.cmd.Profile(dev)
	hd := &handle{profile: prof, box: newLitterBox(h, dev, prof)}

	h.mu.Lock()
	h.devices[dev.IotID] = hd
	h.mu.Unlock()

	h.notifyChanged()
	h.log.Info("HomeKit accessory registered", "iot_id", dev.IotID, "name", prof.Name, "aid", hd.current().ID)
	return hd, nil
}

// Refresh rebuilds the accessory when its presentation changed.
func (h *Host) Refresh(_ context.Context, dev api.Device, acc registry.Accessory) error {
	hd, ok := acc.(*handle)
	if !ok {
		return fmt.Errorf("homekit: refresh: foreign accessory %T", acc)
	}
	prof := h.cmd.Profile(dev)
	if !hd.replace(prof, func() *litterBox { return newLitterBox(h, dev, prof) }) {
		return nil
	}
	h.notifyChanged()
	h.log.Info("HomeKit accessory rebuilt", "iot_id", dev.IotID, "name", prof.Name)
	return nil
}

// Unregister drops the accessory of dev.
func (h *Host) Unregister(_ context.Context, dev api.Device, _ registry.Accessory) error {
	h.mu.Lock()
	_, ok := h.devices[dev.IotID]
	delete(h.devices, dev.IotID)
	h.mu.Unlock()

	if ok {
		h.notifyChanged()
		h.log.Info("HomeKit accessory removed", "iot_id", dev.IotID)
	}
	return nil
}

func (h *Host) setSwitch(iotID string, f platform.Feature, on bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return h.cmd.SetSwitch(ctx, iotID, f, on)
}

func (h *Host) press(iotID string, f platform.Feature) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return h.cmd.Press(ctx, iotID, f)
}
