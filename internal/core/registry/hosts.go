package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/state"
)

// Hosts fans every host call out to several hosts. The accessory it returns
// delivers to each host's accessory in turn.
type Hosts []Host

var _ Host = Hosts(nil)

type multiAccessory []Accessory

func (m multiAccessory) Deliver(ctx context.Context, iotID string, data state.DeviceData) error {
	var errs []error
	for _, acc := range m {
		if err := acc.Deliver(ctx, iotID, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register registers dev with every host. If any host fails, the hosts that
// succeeded are unregistered again so no host keeps a half-bound device.
func (hs Hosts) Register(ctx context.Context, dev api.Device) (Accessory, error) {
	accs := make(multiAccessory, 0, len(hs))
	for i, h := range hs {
		acc, err := h.Register(ctx, dev)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = hs[j].Unregister(ctx, dev, accs[j])
			}
			return nil, err
		}
		accs = append(accs, acc)
	}
	return accs, nil
}

// Refresh refreshes dev on every host.
func (hs Hosts) Refresh(ctx context.Context, dev api.Device, acc Accessory) error {
	accs, err := hs.split(acc)
	if err != nil {
		return err
	}
	var errs []error
	for i, h := range hs {
		if err := h.Refresh(ctx, dev, accs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister removes dev from every host.
func (hs Hosts) Unregister(ctx context.Context, dev api.Device, acc Accessory) error {
	accs, err := hs.split(acc)
	if err != nil {
		return err
	}
	var errs []error
	for i, h := range hs {
		if err := h.Unregister(ctx, dev, accs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (hs Hosts) split(acc Accessory) (multiAccessory, error) {
	accs, ok := acc.(multiAccessory)
	if !ok || len(accs) != len(hs) {
		return nil, fmt.Errorf("registry: accessory %T was not registered through these hosts", acc)
	}
	return accs, nil
}
