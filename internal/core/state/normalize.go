package state

import "github.com/trymwestin/neakasa/internal/core/api"

// Normalize maps a raw property report and visit records onto DeviceData.
// Missing fields become 0, false or an empty slice; toggles are on only when
// the reported value is exactly 1. Enum codes pass through unchanged.
// Malformed values already decode to 0 (see api.Int).
func Normalize(raw api.RawProperties, rec api.Records) DeviceData {
	d := DeviceData{
		BinFullWaitReset: toggle(raw.BinFullWaitReset),
		YoungCatMode:     toggle(raw.YoungCatMode),
		ChildLockOnOff:   toggle(raw.ChildLockOnOff),
		AutoBury:         toggle(raw.AutoBury),
		AutoLevel:        toggle(raw.AutoLevel),
		SilentMode:       toggle(raw.SilentMode),
		AutoForceInit:    toggle(raw.AutoForceInit),
		BIntrptRangeDet:  toggle(raw.BIntrptRangeDet),
		BucketStatus:     intValue(raw.BucketStatus),
		RoomOfBin:        intValue(raw.RoomOfBin),
		Cats:             make([]api.Cat, 0, len(rec.Cats)),
		Records:          make([]api.CatRecord, 0, len(rec.Records)),
	}

	if raw.CleanCfg != nil {
		d.CleanCfg = raw.CleanCfg.Value.Clone()
	}
	if raw.Sand != nil {
		d.SandLevelPercent = int(raw.Sand.Value.Percent)
		d.SandLevelState = int(raw.Sand.Value.Level)
	}
	if raw.NetWorkStatus != nil {
		d.WifiRSSI = int(raw.NetWorkStatus.Value.WiFiRSSI)
	}
	if raw.CatLeft != nil {
		d.StayTime = int(raw.CatLeft.Value.StayTime)
		d.LastUse = raw.CatLeft.Time
	}

	d.Cats = append(d.Cats, rec.Cats...)
	d.Records = append(d.Records, rec.Records...)
	return d
}

func toggle(p *api.Property[api.Int]) bool {
	return p != nil && p.Value == 1
}

func intValue(p *api.Property[api.Int]) int {
	if p == nil {
		return 0
	}
	return int(p.Value)
}
