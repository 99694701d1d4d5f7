// Package registry keeps the set of accessory bindings in line with the
// device list reported by the cloud.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/state"
)

// Accessory is a host-side representation of one device.
type Accessory interface {
	// Deliver pushes a fresh snapshot to the accessory.
	Deliver(ctx context.Context, iotID string, data state.DeviceData) error
}

// Host creates and destroys accessories. The registry never constructs an
// accessory itself.
type Host interface {
	Register(ctx context.Context, dev api.Device) (Accessory, error)
	Refresh(ctx context.Context, dev api.Device, acc Accessory) error
	Unregister(ctx context.Context, dev api.Device, acc Accessory) error
}

// Binding ties a device descriptor to its accessory.
type Binding struct {
	Device    api.Device
	Accessory Accessory
}

// Result lists the iotIds touched by one reconciliation pass.
type Result struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
	Failed  []string `json:"failed"`
}

// Changed reports whether the pass added or removed any binding.
func (r Result) Changed() bool {
	return len(r.Created) > 0 || len(r.Removed) > 0
}

// Registry is the keyed set of bindings, iterated in insertion order.
type Registry struct {
	mu       sync.RWMutex
	host     Host
	bindings map[string]*Binding
	order    []string
	log      *slog.Logger
}

// New creates an empty registry backed by host.
func New(host Host, log *slog.Logger) *Registry {
	return &Registry{
		host:     host,
		bindings: make(map[string]*Binding),
		log:      log,
	}
}

// Reconcile aligns the registry with devices, which must be the complete
// discovery result. Existing bindings are refreshed in place, new devices
// are registered, and bindings absent from devices are unregistered and
// dropped. Host failures are logged and joined into the returned error; they
// never abort the pass. A device whose Register fails is listed in
// Result.Failed and retried on the next pass.
func (r *Registry) Reconcile(ctx context.Context, devices []api.Device) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		res  Result
		errs []error
		seen = make(map[string]struct{}, len(devices))
	)

	for _, dev := range devices {
		if _, dup := seen[dev.IotID]; dup {
			r.log.Warn("duplicate device in discovery result, ignoring", "iot_id", dev.IotID)
			continue
		}
		seen[dev.IotID] = struct{}{}

		if b, ok := r.bindings[dev.IotID]; ok {
			b.Device = dev
			if err := r.host.Refresh(ctx, dev, b.Accessory); err != nil {
				r.log.Warn("accessory refresh failed", "iot_id", dev.IotID, "error", err)
				errs = append(errs, fmt.Errorf("registry: refresh %s: %w", dev.IotID, err))
			}
			res.Updated = append(res.Updated, dev.IotID)
			r.log.Debug("accessory updated", "iot_id", dev.IotID, "device_name", dev.DeviceName)
			continue
		}

		acc, err := r.host.Register(ctx, dev)
		if err != nil {
			r.log.Error("accessory register failed", "iot_id", dev.IotID, "error", err)
			errs = append(errs, fmt.Errorf("registry: register %s: %w", dev.IotID, err))
			res.Failed = append(res.Failed, dev.IotID)
			continue
		}
		r.bindings[dev.IotID] = &Binding{Device: dev, Accessory: acc}
		r.order = append(r.order, dev.IotID)
		res.Created = append(res.Created, dev.IotID)
		r.log.Info("accessory added", "iot_id", dev.IotID, "device_name", dev.DeviceName)
	}

	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := seen[id]; ok {
			kept = append(kept, id)
			continue
		}
		b := r.bindings[id]
		if err := r.host.Unregister(ctx, b.Device, b.Accessory); err != nil {
			r.log.Warn("accessory unregister failed", "iot_id", id, "error", err)
			errs = append(errs, fmt.Errorf("registry: unregister %s: %w", id, err))
		}
		delete(r.bindings, id)
		res.Removed = append(res.Removed, id)
		r.log.Info("accessory removed", "iot_id", id, "device_name", b.Device.DeviceName)
	}
	r.order = kept

	return res, errors.Join(errs...)
}

// Bindings returns a copy of every binding in insertion order.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.bindings[id])
	}
	return out
}

// Get returns the binding for iotID.
func (r *Registry) Get(iotID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[iotID]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
