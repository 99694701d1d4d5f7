package platform

import "github.com/trymwestin/neakasa/internal/core/api"

// Feature names one switch, button or sensor an accessory can expose.
type Feature string

// Switches.
const (
	FeatureAutoClean   Feature = "auto_clean"
	FeatureChildLock   Feature = "child_lock"
	FeatureAutoCover   Feature = "auto_cover"
	FeatureAutoLevel   Feature = "auto_level"
	FeatureSilentMode  Feature = "silent_mode"
	FeatureUnstoppable Feature = "unstoppable_cycle"
)

// Buttons.
const (
	FeatureCleanNow Feature = "clean_now"
	FeatureLevelNow Feature = "level_now"
)

// Sensors.
const (
	FeatureLitterLevel  Feature = "litter_level"
	FeatureBinFull      Feature = "bin_full"
	FeatureSandPercent  Feature = "sand_percent"
	FeatureSandState    Feature = "sand_state"
	FeatureBucketStatus Feature = "bucket_status"
	FeatureBinState     Feature = "bin_state"
	FeatureWiFiRSSI     Feature = "wifi_rssi"
	FeatureStayTime     Feature = "stay_time"
	FeatureLastUse      Feature = "last_use"
	FeatureCatWeight    Feature = "last_cat_weight"
)

// Switches lists the toggle features in display order.
var Switches = []Feature{
	FeatureAutoClean,
	FeatureChildLock,
	FeatureAutoCover,
	FeatureAutoLevel,
	FeatureSilentMode,
	FeatureUnstoppable,
}

// switchProperty maps a plain toggle to the device property it writes.
// Auto clean is not a plain toggle; see SetAutoClean.
var switchProperty = map[Feature]string{
	FeatureChildLock:   "childLockOnOff",
	FeatureAutoCover:   "autoBury",
	FeatureAutoLevel:   "autoLevel",
	FeatureSilentMode:  "silentMode",
	FeatureUnstoppable: "bIntrptRangeDet",
}

var featureNames = map[Feature]string{
	FeatureAutoClean:    "Auto Clean",
	FeatureChildLock:    "Child Lock",
	FeatureAutoCover:    "Auto Cover",
	FeatureAutoLevel:    "Auto Leveling",
	FeatureSilentMode:   "Silent Mode",
	FeatureUnstoppable:  "Unstoppable Cycle",
	FeatureCleanNow:     "Clean Now",
	FeatureLevelNow:     "Level Now",
	FeatureLitterLevel:  "Litter Level",
	FeatureBinFull:      "Bin Full",
	FeatureSandPercent:  "Sand Level",
	FeatureSandState:    "Sand State",
	FeatureBucketStatus: "Bucket Status",
	FeatureBinState:     "Bin State",
	FeatureWiFiRSSI:     "WiFi Signal",
	FeatureStayTime:     "Cat Stay Time",
	FeatureLastUse:      "Last Use",
	FeatureCatWeight:    "Last Cat Weight",
}

// DisplayName is the label accessories show for f.
func (f Feature) DisplayName() string {
	if n, ok := featureNames[f]; ok {
		return n
	}
	return string(f)
}

// IsSwitch reports whether f is a toggle.
func (f Feature) IsSwitch() bool {
	return f == FeatureAutoClean || switchProperty[f] != ""
}

// IsButton reports whether f is a momentary action.
func (f Feature) IsButton() bool {
	return f == FeatureCleanNow || f == FeatureLevelNow
}

// KnownFeature reports whether f names a feature.
func KnownFeature(f Feature) bool {
	_, ok := featureNames[f]
	return ok
}

// Profile is how one device is presented by the accessory hosts.
type Profile struct {
	Name     string
	Disabled map[Feature]bool
}

// Enabled reports whether f is exposed for this device.
func (p Profile) Enabled(f Feature) bool {
	return !p.Disabled[f]
}

// DeviceOverride customises one device. IotID or DeviceName selects it.
type DeviceOverride struct {
	IotID        string
	DeviceName   string
	Name         string
	PollInterval int
	Hidden       bool
	Features     map[Feature]bool
}

func (o DeviceOverride) matches(dev api.Device) bool {
	if o.IotID != "" {
		return o.IotID == dev.IotID
	}
	return o.DeviceName != "" && o.DeviceName == dev.DeviceName
}
