package api

import (
	"encoding/json"
	"fmt"
	"math"
)

// Device is a litter box as listed by the vendor cloud. IotID is its identity.
type Device struct {
	IotID        string `json:"iotId"`
	DeviceName   string `json:"deviceName"`
	ProductKey   string `json:"productKey"`
	DeviceSecret string `json:"deviceSecret"`
	GmtCreate    int64  `json:"gmtCreate"`
	GmtModified  int64  `json:"gmtModified"`
	Status       string `json:"status"`
}

// Property is one reported device property with its report time.
type Property[T any] struct {
	Value T     `json:"value"`
	Time  int64 `json:"time"`
}

// UnmarshalJSON implements json.Unmarshaler. A value or time that does not
// decode is left at its zero value, so one malformed property never fails
// the whole report.
func (p *Property[T]) UnmarshalJSON(data []byte) error {
	var aux struct {
		Value json.RawMessage `json:"value"`
		Time  Int             `json:"time"`
	}
	*p = Property[T]{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil
	}
	p.Time = int64(aux.Time)
	if len(aux.Value) > 0 {
		var v T
		if err := json.Unmarshal(aux.Value, &v); err == nil {
			p.Value = v
		}
	}
	return nil
}

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

// Int is a numeric property field. Fractional numbers are rounded to the
// nearest integer; any other JSON type, or a number out of range, decodes
// as 0.
type Int int

// UnmarshalJSON implements json.Unmarshaler.
func (n *Int) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil || math.Abs(f) > maxExactInt {
		*n = 0
		return nil
	}
	*n = Int(math.Round(f))
	return nil
}

// RawProperties is the property map returned by GetProperties. Every field is
// optional; a nil pointer means the device did not report it.
type RawProperties struct {
	BinFullWaitReset *Property[Int]           `json:"binFullWaitReset,omitempty"`
	CleanCfg         *Property[CleanConfig]   `json:"cleanCfg,omitempty"`
	YoungCatMode     *Property[Int]           `json:"youngCatMode,omitempty"`
	ChildLockOnOff   *Property[Int]           `json:"childLockOnOff,omitempty"`
	AutoBury         *Property[Int]           `json:"autoBury,omitempty"`
	AutoLevel        *Property[Int]           `json:"autoLevel,omitempty"`
	SilentMode       *Property[Int]           `json:"silentMode,omitempty"`
	AutoForceInit    *Property[Int]           `json:"autoForceInit,omitempty"`
	BIntrptRangeDet  *Property[Int]           `json:"bIntrptRangeDet,omitempty"`
	Sand             *Property[SandInfo]      `json:"Sand,omitempty"`
	NetWorkStatus    *Property[NetworkStatus] `json:"NetWorkStatus,omitempty"`
	BucketStatus     *Property[Int]           `json:"bucketStatus,omitempty"`
	RoomOfBin        *Property[Int]           `json:"room_of_bin,omitempty"`
	CatLeft          *Property[CatLeft]       `json:"catLeft,omitempty"`
}

// SandInfo is the litter level report.
type SandInfo struct {
	Percent Int `json:"percent"`
	Level   Int `json:"level"`
}

// NetworkStatus is the Wi-Fi report.
type NetworkStatus struct {
	WiFiRSSI Int `json:"WiFi_RSSI"`
}

// CatLeft describes the most recent visit.
type CatLeft struct {
	StayTime Int `json:"stayTime,omitempty"`
}

// CleanConfig is the auto-clean configuration. Only Active is interpreted;
// every other field is carried through unchanged so a write does not clobber
// settings this daemon does not model.
type CleanConfig struct {
	Active int
	Other  map[string]json.RawMessage
}

// Clone returns a copy of c that shares no map with it.
func (c CleanConfig) Clone() CleanConfig {
	out := CleanConfig{Active: c.Active}
	if c.Other != nil {
		out.Other = make(map[string]json.RawMessage, len(c.Other))
		for k, v := range c.Other {
			out.Other[k] = v
		}
	}
	return out
}

// WithActive returns a copy of c with Active set from on.
func (c CleanConfig) WithActive(on bool) CleanConfig {
	out := c.Clone()
	out.Active = 0
	if on {
		out.Active = 1
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (c CleanConfig) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(c.Other)+1)
	for k, v := range c.Other {
		m[k] = v
	}
	active, err := json.Marshal(c.Active)
	if err != nil {
		return nil, err
	}
	m["active"] = active
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *CleanConfig) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("api: clean config: %w", err)
	}
	*c = CleanConfig{}
	if raw, ok := m["active"]; ok {
		var active Int
		_ = json.Unmarshal(raw, &active)
		c.Active = int(active)
		delete(m, "active")
	}
	if len(m) > 0 {
		c.Other = m
	}
	return nil
}

// Cat is a cat profile registered on the account.
type Cat struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CatRecord is one visit to the litter box.
type CatRecord struct {
	CatID     string  `json:"cat_id"`
	Weight    float64 `json:"weight"`
	StartTime int64   `json:"start_time"`
	EndTime   int64   `json:"end_time"`
}

// Records is the visit history for one device.
type Records struct {
	Cats    []Cat       `json:"cat_list"`
	Records []CatRecord `json:"record_list"`
}
