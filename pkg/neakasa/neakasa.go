// Package neakasa provides a public facade re-exporting core types
// for external consumers of this module.
package neakasa

import (
	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/core/state"
	"github.com/trymwestin/neakasa/internal/core/transport"
	"github.com/trymwestin/neakasa/internal/core/watch"
)

// Re-export core types for external use.
type (
	// Device describes a litter box bound to the account.
	Device = api.Device
	// CatRecord is one recorded litter box visit.
	CatRecord = api.CatRecord
	// DeviceData is the normalized state of one device.
	DeviceData = state.DeviceData
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Feature names a switch, button or sensor of a device.
	Feature = platform.Feature
	// Profile is the resolved name and feature set of a device.
	Profile = platform.Profile
	// Format selects the event stream frame encoding.
	Format = transport.Format
	// Dialer opens event streams on a running daemon.
	Dialer = transport.Dialer
	// Conn represents an event stream connection.
	Conn = transport.Conn
	// Watcher follows an event stream and reconnects when it drops.
	Watcher = watch.Client
)

// Event type constants.
const (
	EventSnapshot     = state.EventSnapshot
	EventDeviceAdded  = state.EventDeviceAdded
	EventDeviceGone   = state.EventDeviceGone
	EventConnected    = state.EventConnected
	EventDisconnected = state.EventDisconnected
)

// Stream formats.
const (
	FormatJSON  = transport.FormatJSON
	FormatProto = transport.FormatProto
)

// Feature constants.
const (
	FeatureAutoClean    = platform.FeatureAutoClean
	FeatureChildLock    = platform.FeatureChildLock
	FeatureAutoCover    = platform.FeatureAutoCover
	FeatureAutoLevel    = platform.FeatureAutoLevel
	FeatureSilentMode   = platform.FeatureSilentMode
	FeatureUnstoppable  = platform.FeatureUnstoppable
	FeatureCleanNow     = platform.FeatureCleanNow
	FeatureLevelNow     = platform.FeatureLevelNow
	FeatureLitterLevel  = platform.FeatureLitterLevel
	FeatureBinFull      = platform.FeatureBinFull
	FeatureSandPercent  = platform.FeatureSandPercent
	FeatureSandState    = platform.FeatureSandState
	FeatureBucketStatus = platform.FeatureBucketStatus
	FeatureBinState     = platform.FeatureBinState
	FeatureWiFiRSSI     = platform.FeatureWiFiRSSI
	FeatureStayTime     = platform.FeatureStayTime
	FeatureLastUse      = platform.FeatureLastUse
	FeatureCatWeight    = platform.FeatureCatWeight
)

// NewDialer returns a Dialer for the daemon listening at base.
var NewDialer = transport.NewDialer

// NewWatcher returns a Watcher that passes events to handle.
var NewWatcher = watch.NewClient

// ParseFormat parses a stream format name; anything but "proto" is JSON.
var ParseFormat = transport.ParseFormat
