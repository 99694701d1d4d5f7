package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/core/state"
)

const (
	actionSet   = "set"
	actionPress = "press"
)

// entity is one Home Assistant entity of a litter box.
type entity struct {
	feature   platform.Feature
	component string
	extra     map[string]interface{}
}

var sensorEntities = []entity{
	{platform.FeatureBinFull, "binary_sensor", map[string]interface{}{
		"device_class": "problem",
		"payload_on":   "ON",
		"payload_off":  "OFF",
	}},
	{platform.FeatureSandPercent, "sensor", map[string]interface{}{
		"unit_of_measurement": "%",
		"state_class":         "measurement",
		"icon":                "mdi:delete-variant",
	}},
	{platform.FeatureSandState, "sensor", nil},
	{platform.FeatureBucketStatus, "sensor", nil},
	{platform.FeatureBinState, "sensor", nil},
	{platform.FeatureWiFiRSSI, "sensor", map[string]interface{}{
		"unit_of_measurement": "dBm",
		"device_class":        "signal_strength",
		"state_class":         "measurement",
		"entity_category":     "diagnostic",
	}},
	{platform.FeatureStayTime, "sensor", map[string]interface{}{
		"unit_of_measurement": "s",
		"device_class":        "duration",
	}},
	{platform.FeatureLastUse, "sensor", map[string]interface{}{
		"device_class": "timestamp",
	}},
	{platform.FeatureCatWeight, "sensor", map[string]interface{}{
		"unit_of_measurement": "kg",
		"device_class":        "weight",
		"state_class":         "measurement",
	}},
}

// entities lists the entities prof exposes.
func entities(prof platform.Profile) []entity {
	var out []entity
	for _, f := range platform.Switches {
		if prof.Enabled(f) {
			out = append(out, entity{feature: f, component: "switch"})
		}
	}
	for _, f := range []platform.Feature{platform.FeatureCleanNow, platform.FeatureLevelNow} {
		if prof.Enabled(f) {
			out = append(out, entity{feature: f, component: "button"})
		}
	}
	for _, e := range sensorEntities {
		if prof.Enabled(e.feature) {
			out = append(out, e)
		}
	}
	return out
}

// bridgeStatusTopic is the bridge-wide availability topic, also the LWT.
func bridgeStatusTopic(prefix string) string {
	return prefix + "/status"
}

// deviceTopic builds a full topic path: {prefix}/{iot_id}/{suffix}.
func deviceTopic(prefix, iotID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, iotID, suffix)
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(discoveryPrefix, component, iotID string, f platform.Feature) string {
	return fmt.Sprintf("%s/%s/%s_%s/config", discoveryPrefix, component, objectID(iotID), f)
}

// commandFilter subscribes to one command action for every device.
func commandFilter(prefix, action string) string {
	return fmt.Sprintf("%s/+/+/%s", prefix, action)
}

// objectID reduces an iotId to the characters HA accepts in object ids.
func objectID(iotID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, iotID)
}

type command struct {
	iotID   string
	feature platform.Feature
	action  string
}

// parseCommandTopic splits {prefix}/{iot_id}/{feature}/{action}. Only switches
// accept set and only buttons accept press.
func parseCommandTopic(prefix, topic string) (command, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return command{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" {
		return command{}, false
	}
	c := command{iotID: parts[0], feature: platform.Feature(parts[1]), action: parts[2]}
	switch {
	case c.action == actionSet && c.feature.IsSwitch():
	case c.action == actionPress && c.feature.IsButton():
	default:
		return command{}, false
	}
	return c, true
}

// deviceInfo returns the shared HA device block.
func deviceInfo(dev api.Device, prof platform.Profile) map[string]interface{} {
	info := map[string]interface{}{
		"identifiers":  []string{"neakasa_" + objectID(dev.IotID)},
		"name":         prof.Name,
		"manufacturer": "Neakasa",
		"model":        "M1",
	}
	if dev.DeviceName != "" {
		info["serial_number"] = dev.DeviceName
	}
	return info
}

// discoveryPayload builds the retained discovery config of one entity.
func discoveryPayload(prefix string, dev api.Device, prof platform.Profile, e entity) ([]byte, error) {
	payload := map[string]interface{}{
		"name":      e.feature.DisplayName(),
		"unique_id": fmt.Sprintf("neakasa_%s_%s", objectID(dev.IotID), e.feature),
		"device":    deviceInfo(dev, prof),
		"availability": []map[string]string{
			{"topic": bridgeStatusTopic(prefix)},
			{"topic": deviceTopic(prefix, dev.IotID, "availability")},
		},
		"availability_mode": "all",
	}

	switch e.component {
	case "button":
		payload["command_topic"] = deviceTopic(prefix, dev.IotID, string(e.feature)+"/"+actionPress)
		payload["payload_press"] = "PRESS"
	case "switch":
		payload["state_topic"] = deviceTopic(prefix, dev.IotID, "state")
		payload["value_template"] = fmt.Sprintf("{{ value_json.%s }}", e.feature)
		payload["command_topic"] = deviceTopic(prefix, dev.IotID, string(e.feature)+"/"+actionSet)
		payload["payload_on"] = "ON"
		payload["payload_off"] = "OFF"
	default:
		payload["state_topic"] = deviceTopic(prefix, dev.IotID, "state")
		payload["value_template"] = fmt.Sprintf("{{ value_json.%s }}", e.feature)
	}
	for k, v := range e.extra {
		payload[k] = v
	}
	return json.Marshal(payload)
}

// statePayload renders a snapshot as the JSON document every entity reads
// through its value template.
func statePayload(d state.DeviceData) ([]byte, error) {
	payload := map[string]interface{}{
		string(platform.FeatureBinFull):      boolToOnOff(d.BinFullWaitReset),
		string(platform.FeatureSandPercent):  d.SandLevelPercent,
		string(platform.FeatureSandState):    state.SandLevelName(d.SandLevelState),
		string(platform.FeatureBucketStatus): state.BucketStatusName(d.BucketStatus),
		string(platform.FeatureBinState):     state.BinStateName(d.RoomOfBin),
		string(platform.FeatureWiFiRSSI):     d.WifiRSSI,
		string(platform.FeatureStayTime):     d.StayTime,
		string(platform.FeatureLastUse):      nil,
		string(platform.FeatureCatWeight):    nil,
	}
	for _, f := range platform.Switches {
		payload[string(f)] = boolToOnOff(platform.SwitchState(d, f))
	}
	if t, ok := d.LastUseTime(); ok {
		payload[string(platform.FeatureLastUse)] = t.UTC().Format(time.RFC3339)
	}
	if r, ok := d.LastRecord(); ok {
		payload[string(platform.FeatureCatWeight)] = roundTo2(r.Weight)
		if name := d.CatName(r.CatID); name != "" {
			payload["last_cat"] = name
		}
	}
	return json.Marshal(payload)
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
