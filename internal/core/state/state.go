package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trymwestin/neakasa/internal/core/api"
)

// DeviceData is the normalized state of one litter box at one poll. It is
// replaced wholesale every cycle and never mutated in place.
type DeviceData struct {
	BinFullWaitReset bool            `json:"bin_full_wait_reset"`
	CleanCfg         api.CleanConfig `json:"clean_cfg"`
	YoungCatMode     bool            `json:"young_cat_mode"`
	ChildLockOnOff   bool            `json:"child_lock"`
	AutoBury         bool            `json:"auto_bury"`
	AutoLevel        bool            `json:"auto_level"`
	SilentMode       bool            `json:"silent_mode"`
	AutoForceInit    bool            `json:"auto_force_init"`
	BIntrptRangeDet  bool            `json:"unstoppable_cycle"`
	SandLevelPercent int             `json:"sand_level_percent"`
	SandLevelState   int             `json:"sand_level_state"`
	WifiRSSI         int             `json:"wifi_rssi"`
	BucketStatus     int             `json:"bucket_status"`
	RoomOfBin        int             `json:"room_of_bin"`
	StayTime         int             `json:"stay_time"`
	LastUse          int64           `json:"last_use"`
	Cats             []api.Cat       `json:"cats"`
	Records          []api.CatRecord `json:"records"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AutoClean reports whether automatic cleaning is enabled.
func (d DeviceData) AutoClean() bool {
	return d.CleanCfg.Active == 1
}

// LastRecord returns the most recent visit, by end time.
func (d DeviceData) LastRecord() (api.CatRecord, bool) {
	if len(d.Records) == 0 {
		return api.CatRecord{}, false
	}
	last := d.Records[0]
	for _, r := range d.Records[1:] {
		if r.EndTime > last.EndTime {
			last = r
		}
	}
	return last, true
}

// LastUseTime converts LastUse to a time. The cloud reports milliseconds;
// values too small for that are read as seconds. Zero means never.
func (d DeviceData) LastUseTime() (time.Time, bool) {
	switch {
	case d.LastUse <= 0:
		return time.Time{}, false
	case d.LastUse > 1e11:
		return time.UnixMilli(d.LastUse), true
	default:
		return time.Unix(d.LastUse, 0), true
	}
}

// CatName resolves a cat id against the cat list.
func (d DeviceData) CatName(id string) string {
	for _, c := range d.Cats {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}

// EventType identifies event categories.
type EventType string

const (
	EventSnapshot     EventType = "snapshot"
	EventDeviceAdded  EventType = "device_added"
	EventDeviceGone   EventType = "device_removed"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event represents a state change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	IotID     string    `json:"iot_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() map[string]DeviceData
	Get(iotID string) (DeviceData, bool)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. A full subscriber misses the
// event rather than blocking the publisher.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed by unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// --- Store ---

// Store holds the latest snapshot per device with thread-safe access.
type Store struct {
	mu      sync.RWMutex
	devices map[string]DeviceData
	bus     *EventBus
	log     *slog.Logger
	now     func() time.Time
}

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, log *slog.Logger) *Store {
	return &Store{
		devices: make(map[string]DeviceData),
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Put replaces the snapshot of a device and publishes it.
func (s *Store) Put(iotID string, data DeviceData) DeviceData {
	if data.UpdatedAt.IsZero() {
		data.UpdatedAt = s.now()
	}

	s.mu.Lock()
	s.devices[iotID] = data
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventSnapshot, IotID: iotID, Data: data})
	return data
}

// Get returns the latest snapshot of a device.
func (s *Store) Get(iotID string) (DeviceData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[iotID]
	return d, ok
}

// Announce publishes that a device was bound.
func (s *Store) Announce(iotID string) {
	s.bus.Publish(Event{Type: EventDeviceAdded, IotID: iotID})
}

// Remove forgets a device.
func (s *Store) Remove(iotID string) {
	s.mu.Lock()
	_, ok := s.devices[iotID]
	delete(s.devices, iotID)
	s.mu.Unlock()

	if ok {
		s.log.Debug("snapshot dropped", "iot_id", iotID)
	}
	s.bus.Publish(Event{Type: EventDeviceGone, IotID: iotID})
}

// Snapshot returns a copy of every device snapshot.
func (s *Store) Snapshot() map[string]DeviceData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]DeviceData, len(s.devices))
	for k, v := range s.devices {
		out[k] = v
	}
	return out
}

// IDs returns the ids of every device with a snapshot, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetConnected publishes a session state change.
func (s *Store) SetConnected(connected bool) {
	if connected {
		s.bus.Publish(Event{Type: EventConnected})
	} else {
		s.bus.Publish(Event{Type: EventDisconnected})
	}
}
