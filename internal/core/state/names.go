package state

// Display names for the enum codes in DeviceData. Unknown codes render as
// "Unknown".

const unknownName = "Unknown"

// Sand level codes.
const (
	SandInsufficient = 0
	SandModerate     = 1
	SandSufficient   = 2
	SandOverfilled   = 3
)

// Bin state codes (room_of_bin).
const (
	BinNormal  = 0
	BinFull    = 1
	BinMissing = 2
)

var sandLevelNames = map[int]string{
	SandInsufficient: "Insufficient",
	SandModerate:     "Moderate",
	SandSufficient:   "Sufficient",
	SandOverfilled:   "Overfilled",
}

var bucketStatusNames = map[int]string{
	0: "Idle",
	1: "Cleaning",
	2: "Leveling",
	3: "Flipover",
	4: "Cat Present",
	5: "Paused",
	6: "Panels Missing",
	7: "Interrupted",
}

var binStateNames = map[int]string{
	BinNormal:  "Normal",
	BinFull:    "Full",
	BinMissing: "Missing",
}

// SandLevelName returns the display name of a sand level code.
func SandLevelName(code int) string { return lookup(sandLevelNames, code) }

// BucketStatusName returns the display name of a bucket status code.
func BucketStatusName(code int) string { return lookup(bucketStatusNames, code) }

// BinStateName returns the display name of a bin state code.
func BinStateName(code int) string { return lookup(binStateNames, code) }

func lookup(names map[int]string, code int) string {
	if n, ok := names[code]; ok {
		return n
	}
	return unknownName
}
