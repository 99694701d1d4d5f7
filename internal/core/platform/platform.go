// Package platform ties the session, the cloud client, the registry and the
// poller together. It owns startup and shutdown, and it is where accessory
// hosts send user commands.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/poller"
	"github.com/trymwestin/neakasa/internal/core/registry"
	"github.com/trymwestin/neakasa/internal/core/state"
)

// Client is the cloud client the platform drives.
type Client interface {
	poller.API
	Connect(ctx context.Context, username, password string) error
	Connected() bool
	ListDevices(ctx context.Context) ([]api.Device, error)
	SetProperties(ctx context.Context, iotID string, items map[string]any) error
	TriggerClean(ctx context.Context, iotID string) error
	TriggerLeveling(ctx context.Context, iotID string) error
}

// Startup behaviours.
const (
	StartupImmediate = "immediate"
	StartupDelayed   = "delayed"
)

// Config is the platform configuration.
type Config struct {
	Username          string
	Password          string
	PollInterval      time.Duration
	StartupBehavior   string
	StartupDelay      time.Duration
	DiscoveryInterval time.Duration
	Overrides         []DeviceOverride
}

// Platform is the daemon core.
type Platform struct {
	cfg    Config
	client Client
	store  *state.Store
	hosts  registry.Hosts
	reg    *registry.Registry
	poll   *poller.Poller
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a platform. hosts receive every registered device; with no
// hosts, snapshots still reach the store.
func New(cfg Config, client Client, store *state.Store, log *slog.Logger, rec poller.Recorder, hosts ...registry.Host) *Platform {
	p := &Platform{
		cfg:    cfg,
		client: client,
		store:  store,
		hosts:  hosts,
		log:    log,
	}
	p.reg = registry.New(&p.hosts, log.With("component", "registry"))

	opts := []poller.Option{}
	if cfg.StartupBehavior == StartupDelayed && cfg.StartupDelay > 0 {
		opts = append(opts, poller.WithStartupDelay(cfg.StartupDelay))
	}
	if rec != nil {
		opts = append(opts, poller.WithRecorder(rec))
	}
	p.poll = poller.New(client, p.reg, store, p.Reconnect, log.With("component", "poller"), opts...)
	return p
}

// AddHost attaches another accessory host. Hosts that need the platform to
// send commands are built after it and attached here, before Start.
func (p *Platform) AddHost(h registry.Host) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyStarted
	}
	p.hosts = append(p.hosts, h)
	return nil
}

// Registry returns the device registry.
func (p *Platform) Registry() *registry.Registry {
	return p.reg
}

// Poller returns the poll scheduler.
func (p *Platform) Poller() *poller.Poller {
	return p.poll
}

// Connected reports whether the cloud session is up.
func (p *Platform) Connected() bool {
	return p.client.Connected()
}

// Start connects, discovers devices and starts polling. A failed connect or
// discovery is returned; nothing is reconciled from a failed discovery.
func (p *Platform) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.running = true
	p.mu.Unlock()

	p.log.Info("connecting to Neakasa cloud")
	if err := p.Reconnect(ctx); err != nil {
		p.setStopped()
		return fmt.Errorf("platform: start: %w", err)
	}
	p.log.Info("connected to Neakasa cloud")

	if _, err := p.Discover(ctx); err != nil {
		p.setStopped()
		return fmt.Errorf("platform: start: %w", err)
	}
	p.logDeviceSummary()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.poll.Start(loopCtx, p.cfg.PollInterval); err != nil {
		cancel()
		p.setStopped()
		return fmt.Errorf("platform: start: %w", err)
	}

	if p.cfg.DiscoveryInterval > 0 {
		p.wg.Add(1)
		go p.discoveryLoop(loopCtx)
	}
	return nil
}

func (p *Platform) setStopped() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Stop cancels polling and rediscovery and waits, up to ctx, for in-flight
// work to finish.
func (p *Platform) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := p.poll.Stop(ctx)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("platform: stop: %w", ctx.Err()))
	}
	return err
}

// Reconnect re-runs the login bootstrap.
func (p *Platform) Reconnect(ctx context.Context) error {
	err := p.client.Connect(ctx, p.cfg.Username, p.cfg.Password)
	p.store.SetConnected(err == nil)
	if err != nil {
		return fmt.Errorf("platform: connect: %w", err)
	}
	return nil
}

// Discover lists devices and reconciles the registry with the result. Hidden
// devices are left out. A failed listing leaves the registry untouched.
func (p *Platform) Discover(ctx context.Context) (registry.Result, error) {
	devices, err := p.client.ListDevices(ctx)
	if err != nil && api.IsNotConnected(err) {
		p.log.Warn("session lost during discovery, reconnecting", "error", err)
		if rerr := p.Reconnect(ctx); rerr != nil {
			return registry.Result{}, fmt.Errorf("platform: discover: %w", errors.Join(err, rerr))
		}
		devices, err = p.client.ListDevices(ctx)
	}
	if err != nil {
		return registry.Result{}, fmt.Errorf("platform: discover: %w", err)
	}
	p.log.Info("devices discovered", "count", len(devices))

	visible := make([]api.Device, 0, len(devices))
	intervals := make(map[string]time.Duration)
	for _, dev := range devices {
		o, ok := p.override(dev)
		if ok && o.Hidden {
			p.log.Info("device hidden by config", "iot_id", dev.IotID, "device_name", dev.DeviceName)
			continue
		}
		if ok && o.PollInterval > 0 {
			intervals[dev.IotID] = time.Duration(o.PollInterval) * time.Second
		}
		visible = append(visible, dev)
	}
	p.poll.SetDeviceIntervals(intervals)

	res, err := p.reg.Reconcile(ctx, visible)
	for _, id := range res.Created {
		p.store.Announce(id)
	}
	for _, id := range res.Removed {
		p.store.Remove(id)
	}
	if res.Changed() {
		p.log.Info("registry reconciled", "created", len(res.Created), "updated", len(res.Updated), "removed", len(res.Removed), "failed", len(res.Failed))
	}
	if err != nil {
		p.log.Warn("reconcile reported host errors", "error", err)
	}
	return res, nil
}

func (p *Platform) discoveryLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Discover(context.WithoutCancel(ctx)); err != nil {
				p.log.Error("rediscovery failed", "error", err)
			}
		}
	}
}

// Profile returns the presentation profile of a device.
func (p *Platform) Profile(dev api.Device) Profile {
	prof := Profile{Name: dev.DeviceName, Disabled: map[Feature]bool{}}
	if prof.Name == "" {
		prof.Name = "Neakasa M1"
	}
	o, ok := p.override(dev)
	if !ok {
		return prof
	}
	if o.Name != "" {
		prof.Name = o.Name
	}
	for f, on := range o.Features {
		if !on {
			prof.Disabled[f] = true
		}
	}
	return prof
}

func (p *Platform) override(dev api.Device) (DeviceOverride, bool) {
	for _, o := range p.cfg.Overrides {
		if o.matches(dev) {
			return o, true
		}
	}
	return DeviceOverride{}, false
}

func (p *Platform) logDeviceSummary() {
	bindings := p.reg.Bindings()
	if len(bindings) == 0 {
		p.log.Warn("no devices bound; check the account or hidden overrides")
		return
	}
	for _, b := range bindings {
		p.log.Info("device ready",
			"name", p.Profile(b.Device).Name,
			"iot_id", b.Device.IotID,
			"device_name", b.Device.DeviceName,
			"poll_interval", p.poll.IntervalFor(b.Device.IotID),
		)
	}
}

// --- Commands ---

func (p *Platform) requireDevice(iotID string) error {
	if _, ok := p.reg.Get(iotID); !ok {
		return fmt.Errorf("%w: %w: %s", ErrCommunicationFailure, ErrUnknownDevice, iotID)
	}
	return nil
}

// SetDeviceProperties writes a partial property map to a device.
func (p *Platform) SetDeviceProperties(ctx context.Context, iotID string, items map[string]any) error {
	if err := p.requireDevice(iotID); err != nil {
		return err
	}
	if err := p.client.SetProperties(ctx, iotID, items); err != nil {
		p.log.Error("set properties failed", "iot_id", iotID, "error", err)
		return fmt.Errorf("%w: set properties: %w", ErrCommunicationFailure, err)
	}
	p.log.Info("properties set", "iot_id", iotID, "count", len(items))
	return nil
}

// CleanNow starts a cleaning cycle.
func (p *Platform) CleanNow(ctx context.Context, iotID string) error {
	if err := p.requireDevice(iotID); err != nil {
		return err
	}
	if err := p.client.TriggerClean(ctx, iotID); err != nil {
		p.log.Error("clean now failed", "iot_id", iotID, "error", err)
		return fmt.Errorf("%w: clean now: %w", ErrCommunicationFailure, err)
	}
	p.log.Info("cleaning started", "iot_id", iotID)
	return nil
}

// SandLeveling starts a litter leveling cycle.
func (p *Platform) SandLeveling(ctx context.Context, iotID string) error {
	if err := p.requireDevice(iotID); err != nil {
		return err
	}
	if err := p.client.TriggerLeveling(ctx, iotID); err != nil {
		p.log.Error("sand leveling failed", "iot_id", iotID, "error", err)
		return fmt.Errorf("%w: sand leveling: %w", ErrCommunicationFailure, err)
	}
	p.log.Info("leveling started", "iot_id", iotID)
	return nil
}

// SetAutoClean flips the active flag of the last known clean config, leaving
// the rest of it as the device reported it.
func (p *Platform) SetAutoClean(ctx context.Context, iotID string, on bool) error {
	var cfg api.CleanConfig
	if snap, ok := p.store.Get(iotID); ok {
		cfg = snap.CleanCfg
	}
	return p.SetDeviceProperties(ctx, iotID, map[string]any{"cleanCfg": cfg.WithActive(on)})
}

// SetSwitch sets one switch feature.
func (p *Platform) SetSwitch(ctx context.Context, iotID string, f Feature, on bool) error {
	if f == FeatureAutoClean {
		return p.SetAutoClean(ctx, iotID, on)
	}
	prop, ok := switchProperty[f]
	if !ok {
		return fmt.Errorf("%w: unknown switch %q", ErrCommunicationFailure, f)
	}
	v := 0
	if on {
		v = 1
	}
	return p.SetDeviceProperties(ctx, iotID, map[string]any{prop: v})
}

// Press triggers a button feature.
func (p *Platform) Press(ctx context.Context, iotID string, f Feature) error {
	switch f {
	case FeatureCleanNow:
		return p.CleanNow(ctx, iotID)
	case FeatureLevelNow:
		return p.SandLeveling(ctx, iotID)
	}
	return fmt.Errorf("%w: unknown button %q", ErrCommunicationFailure, f)
}

// SwitchState reads a switch feature from a snapshot.
func SwitchState(d state.DeviceData, f Feature) bool {
	switch f {
	case FeatureAutoClean:
		return d.AutoClean()
	case FeatureChildLock:
		return d.ChildLockOnOff
	case FeatureAutoCover:
		return d.AutoBury
	case FeatureAutoLevel:
		return d.AutoLevel
	case FeatureSilentMode:
		return d.SilentMode
	case FeatureUnstoppable:
		return d.BIntrptRangeDet
	}
	return false
}
