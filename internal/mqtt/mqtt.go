// Package mqtt exposes every bound litter box to Home Assistant over MQTT.
// The Host publishes per-device auto-discovery configs, forwards snapshots as
// retained state and relays switch and button commands to the platform.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/core/registry"
	"github.com/trymwestin/neakasa/internal/core/state"
)

// Config holds MQTT host configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Commander sends user commands to the devices and names them.
type Commander interface {
	SetSwitch(ctx context.Context, iotID string, f platform.Feature, on bool) error
	Press(ctx context.Context, iotID string, f platform.Feature) error
	Profile(dev api.Device) platform.Profile
}

const commandTimeout = 10 * time.Second

// Ensure Host implements registry.Host at compile time.
var _ registry.Host = (*Host)(nil)

// Host is a registry host backed by an MQTT broker.
type Host struct {
	cfg Config
	cmd Commander
	log *slog.Logger

	client pahomqtt.Client

	mu      sync.Mutex
	devices map[string]*accessory
}

// NewHost creates an MQTT host. Call Start to connect.
func NewHost(cfg Config, cmd Commander, log *slog.Logger) *Host {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "neakasa"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "neakasad"
	}
	return &Host{
		cfg:     cfg,
		cmd:     cmd,
		log:     log,
		devices: make(map[string]*accessory),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the broker. Discovery, command subscriptions and the last
// known state are (re)published on every connect.
func (h *Host) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(h.cfg.Broker).
		SetClientID(h.cfg.ClientID).
		SetUsername(h.cfg.Username).
		SetPassword(h.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(bridgeStatusTopic(h.cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			h.log.Info("MQTT connected, publishing discovery and state")
			h.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			h.log.Warn("MQTT connection lost", "error", err)
		})

	h.mu.Lock()
	h.client = pahomqtt.NewClient(opts)
	client := h.client
	h.mu.Unlock()

	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	h.log.Info("MQTT host started", "broker", h.cfg.Broker)
	return nil
}

// Stop marks the bridge offline and disconnects.
func (h *Host) Stop(_ context.Context) error {
	h.log.Info("MQTT host stopping")
	client := h.conn()
	if client != nil {
		h.publish(bridgeStatusTopic(h.cfg.TopicPrefix), "offline", true)
		client.Disconnect(1000)
	}
	h.log.Info("MQTT host stopped")
	return nil
}

// conn returns the client when it is connected.
func (h *Host) conn() pahomqtt.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil || !h.client.IsConnected() {
		return nil
	}
	return h.client
}

func (h *Host) onConnect() {
	prefix := h.cfg.TopicPrefix
	h.publish(bridgeStatusTopic(prefix), "online", true)

	for _, filter := range []string{commandFilter(prefix, actionSet), commandFilter(prefix, actionPress)} {
		token := h.client.Subscribe(filter, 1, h.handleCommand)
		token.Wait()
		if err := token.Error(); err != nil {
			h.log.Error("failed to subscribe to command topic", "topic", filter, "error", err)
		}
	}

	// Re-announce when Home Assistant restarts.
	h.client.Subscribe(h.cfg.DiscoveryPrefix+"/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			h.log.Info("Home Assistant came online, re-publishing discovery")
			h.announceAll()
		}
	})

	h.announceAll()
}

func (h *Host) announceAll() {
	h.mu.Lock()
	accs := make([]*accessory, 0, len(h.devices))
	for _, a := range h.devices {
		accs = append(accs, a)
	}
	h.mu.Unlock()

	for _, a := range accs {
		h.announce(a)
		if data, ok := a.last(); ok {
			if err := h.publishState(a.iotID(), data); err != nil {
				h.log.Error("failed to republish state", "iot_id", a.iotID(), "error", err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// registry.Host
// ---------------------------------------------------------------------------

// Register publishes discovery for dev and returns its accessory.
func (h *Host) Register(_ context.Context, dev api.Device) (registry.Accessory, error) {
	a := &accessory{host: h, dev: dev, profile: h.cmd.Profile(dev)}

	h.mu.Lock()
	h.devices[dev.IotID] = a
	h.mu.Unlock()

	h.announce(a)
	h.log.Info("MQTT device registered", "iot_id", dev.IotID, "name", a.profile.Name)
	return a, nil
}

// Refresh republishes discovery with the current descriptor and profile.
func (h *Host) Refresh(_ context.Context, dev api.Device, acc registry.Accessory) error {
	a, ok := acc.(*accessory)
	if !ok {
		return fmt.Errorf("mqtt: refresh: foreign accessory %T", acc)
	}
	prof := h.cmd.Profile(dev)
	old := a.update(dev, prof)

	// Features switched off since the last announce are withdrawn.
	for _, e := range entities(old) {
		if !prof.Enabled(e.feature) {
			h.publish(discoveryTopic(h.cfg.DiscoveryPrefix, e.component, dev.IotID, e.feature), "", true)
		}
	}
	h.announce(a)
	return nil
}

// Unregister withdraws every discovery config of dev and marks it offline.
func (h *Host) Unregister(_ context.Context, dev api.Device, acc registry.Accessory) error {
	a, ok := acc.(*accessory)
	if !ok {
		return fmt.Errorf("mqtt: unregister: foreign accessory %T", acc)
	}

	h.mu.Lock()
	delete(h.devices, dev.IotID)
	h.mu.Unlock()

	for _, e := range entities(a.profileSnapshot()) {
		h.publish(discoveryTopic(h.cfg.DiscoveryPrefix, e.component, dev.IotID, e.feature), "", true)
	}
	h.publish(deviceTopic(h.cfg.TopicPrefix, dev.IotID, "availability"), "offline", true)
	h.log.Info("MQTT device removed", "iot_id", dev.IotID)
	return nil
}

func (h *Host) announce(a *accessory) {
	dev, prof := a.descriptor()
	h.publish(deviceTopic(h.cfg.TopicPrefix, dev.IotID, "availability"), "online", true)

	for _, e := range entities(prof) {
		payload, err := discoveryPayload(h.cfg.TopicPrefix, dev, prof, e)
		if err != nil {
			h.log.Error("failed to marshal discovery config", "iot_id", dev.IotID, "feature", e.feature, "error", err)
			continue
		}
		h.publish(discoveryTopic(h.cfg.DiscoveryPrefix, e.component, dev.IotID, e.feature), string(payload), true)
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (h *Host) publishState(iotID string, data state.DeviceData) error {
	payload, err := statePayload(data)
	if err != nil {
		return fmt.Errorf("mqtt: marshal state: %w", err)
	}
	return h.publishErr(deviceTopic(h.cfg.TopicPrefix, iotID, "state"), string(payload), true)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (h *Host) handleCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	cmd, ok := parseCommandTopic(h.cfg.TopicPrefix, msg.Topic())
	if !ok {
		h.log.Warn("ignoring command on unexpected topic", "topic", msg.Topic())
		return
	}

	h.mu.Lock()
	_, known := h.devices[cmd.iotID]
	h.mu.Unlock()
	if !known {
		h.log.Warn("command for unknown device", "iot_id", cmd.iotID, "feature", cmd.feature)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.action {
	case actionSet:
		on := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
		h.log.Info("MQTT command: switch", "iot_id", cmd.iotID, "feature", cmd.feature, "on", on)
		err = h.cmd.SetSwitch(ctx, cmd.iotID, cmd.feature, on)
	case actionPress:
		h.log.Info("MQTT command: press", "iot_id", cmd.iotID, "feature", cmd.feature)
		err = h.cmd.Press(ctx, cmd.iotID, cmd.feature)
	}
	if err != nil {
		h.log.Error("command failed", "iot_id", cmd.iotID, "feature", cmd.feature, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// publish is a convenience wrapper that publishes a message and logs errors.
func (h *Host) publish(topic, payload string, retained bool) {
	if err := h.publishErr(topic, payload, retained); err != nil {
		h.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

// publishErr publishes when connected. While disconnected it does nothing;
// state is republished on the next connect.
func (h *Host) publishErr(topic, payload string, retained bool) error {
	client := h.conn()
	if client == nil {
		return nil
	}
	token := client.Publish(topic, 1, retained, payload)
	token.Wait()
	return token.Error()
}

// ---------------------------------------------------------------------------
// accessory
// ---------------------------------------------------------------------------

type accessory struct {
	host *Host

	mu       sync.Mutex
	dev      api.Device
	profile  platform.Profile
	snapshot *state.DeviceData
}

// Deliver caches data and publishes it as the retained device state.
func (a *accessory) Deliver(_ context.Context, iotID string, data state.DeviceData) error {
	a.mu.Lock()
	a.snapshot = &data
	a.mu.Unlock()

	if err := a.host.publishState(iotID, data); err != nil {
		return fmt.Errorf("mqtt: deliver %s: %w", iotID, err)
	}
	return nil
}

func (a *accessory) update(dev api.Device, prof platform.Profile) platform.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.profile
	a.dev = dev
	a.profile = prof
	return old
}

func (a *accessory) descriptor() (api.Device, platform.Profile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dev, a.profile
}

func (a *accessory) profileSnapshot() platform.Profile {
	_, p := a.descriptor()
	return p
}

func (a *accessory) iotID() string {
	d, _ := a.descriptor()
	return d.IotID
}

func (a *accessory) last() (state.DeviceData, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot == nil {
		return state.DeviceData{}, false
	}
	return *a.snapshot, true
}
