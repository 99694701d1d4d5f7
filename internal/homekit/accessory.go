package homekit

import (
	"context"
	"sync"
	"time"

	hcaccessory "github.com/brutella/hc/accessory"
	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/service"
	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/core/state"
)

// handle is what the registry holds. Refresh may swap the accessory behind
// it when the device profile changes.
type handle struct {
	mu      sync.Mutex
	profile platform.Profile
	box     *litterBox
}

func (hd *handle) current() *litterBox {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	return hd.box
}

// replace swaps in a new box when prof differs from the current profile.
func (hd *handle) replace(prof platform.Profile, build func() *litterBox) bool {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	if sameProfile(hd.profile, prof) {
		return false
	}
	hd.profile = prof
	hd.box = build()
	return true
}

// Deliver pushes data into the current accessory.
func (hd *handle) Deliver(_ context.Context, _ string, data state.DeviceData) error {
	hd.current().update(data)
	return nil
}

func sameProfile(a, b platform.Profile) bool {
	if a.Name != b.Name {
		return false
	}
	for _, f := range allFeatures {
		if a.Enabled(f) != b.Enabled(f) {
			return false
		}
	}
	return true
}

var buttons = []platform.Feature{platform.FeatureCleanNow, platform.FeatureLevelNow}

var allFeatures = append(append([]platform.Feature{platform.FeatureLitterLevel, platform.FeatureBinFull}, platform.Switches...), buttons...)

// litterBox is the HAP accessory of one device: a filter maintenance service
// for the litter, an occupancy sensor for the bin, a switch per toggle and a
// momentary switch per button.
type litterBox struct {
	*hcaccessory.Accessory

	host  *Host
	iotID string

	filter    *service.FilterMaintenance
	lifeLevel *characteristic.FilterLifeLevel
	bin       *service.OccupancySensor
	switches  map[platform.Feature]*service.Switch
	buttons   map[platform.Feature]*service.Switch
}

func newLitterBox(h *Host, dev api.Device, prof platform.Profile) *litterBox {
	acc := hcaccessory.New(hcaccessory.Info{
		Name:         prof.Name,
		SerialNumber: dev.DeviceName,
		Manufacturer: "Neakasa",
		Model:        "M1",
		ID:           AccessoryID(dev.IotID),
	}, hcaccessory.TypeOther)

	lb := &litterBox{
		Accessory: acc,
		host:      h,
		iotID:     dev.IotID,
		switches:  make(map[platform.Feature]*service.Switch),
		buttons:   make(map[platform.Feature]*service.Switch),
	}

	if prof.Enabled(platform.FeatureLitterLevel) {
		lb.filter = service.NewFilterMaintenance()
		lb.lifeLevel = characteristic.NewFilterLifeLevel()
		lb.filter.AddCharacteristic(lb.lifeLevel.Characteristic)
		addName(lb.filter.Service, platform.FeatureLitterLevel.DisplayName())
		acc.AddService(lb.filter.Service)
	}

	if prof.Enabled(platform.FeatureBinFull) {
		lb.bin = service.NewOccupancySensor()
		addName(lb.bin.Service, platform.FeatureBinFull.DisplayName())
		acc.AddService(lb.bin.Service)
	}

	for _, f := range platform.Switches {
		if !prof.Enabled(f) {
			continue
		}
		sw := service.NewSwitch()
		addName(sw.Service, f.DisplayName())
		sw.On.OnValueRemoteUpdate(func(on bool) { lb.onSwitch(f, on) })
		lb.switches[f] = sw
		acc.AddService(sw.Service)
	}

	for _, f := range buttons {
		if !prof.Enabled(f) {
			continue
		}
		sw := service.NewSwitch()
		addName(sw.Service, f.DisplayName())
		sw.On.OnValueRemoteUpdate(func(on bool) { lb.onButton(f, on) })
		lb.buttons[f] = sw
		acc.AddService(sw.Service)
	}

	return lb
}

func addName(s *service.Service, name string) {
	n := characteristic.NewName()
	n.SetValue(name)
	s.AddCharacteristic(n.Characteristic)
}

// update maps a snapshot onto the characteristics.
func (lb *litterBox) update(d state.DeviceData) {
	if lb.filter != nil {
		lb.lifeLevel.SetValue(float64(clampPercent(d.SandLevelPercent)))
		if d.SandLevelState == state.SandInsufficient {
			lb.filter.FilterChangeIndication.SetValue(characteristic.FilterChangeIndicationChangeFilter)
		} else {
			lb.filter.FilterChangeIndication.SetValue(characteristic.FilterChangeIndicationFilterOK)
		}
	}
	if lb.bin != nil {
		if d.BinFullWaitReset {
			lb.bin.OccupancyDetected.SetValue(characteristic.OccupancyDetectedOccupancyDetected)
		} else {
			lb.bin.OccupancyDetected.SetValue(characteristic.OccupancyDetectedOccupancyNotDetected)
		}
	}
	for f, sw := range lb.switches {
		sw.On.SetValue(platform.SwitchState(d, f))
	}
}

// onSwitch forwards a HomeKit toggle. A failed write flips the switch back.
func (lb *litterBox) onSwitch(f platform.Feature, on bool) {
	if err := lb.host.setSwitch(lb.iotID, f, on); err != nil {
		lb.host.log.Error("HomeKit switch failed", "iot_id", lb.iotID, "feature", f, "error", err)
		lb.switches[f].On.SetValue(!on)
	}
}

// onButton runs a momentary action and turns the switch back off.
func (lb *litterBox) onButton(f platform.Feature, on bool) {
	if !on {
		return
	}
	sw := lb.buttons[f]
	if err := lb.host.press(lb.iotID, f); err != nil {
		lb.host.log.Error("HomeKit button failed", "iot_id", lb.iotID, "feature", f, "error", err)
		sw.On.SetValue(false)
		return
	}
	time.AfterFunc(lb.host.resetAfter, func() { sw.On.SetValue(false) })
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
