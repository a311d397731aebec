package engine

import "fmt"

// VersionSkewError is raised by the reduce stage when live mapped rows for
// a key carry mixed _mr_version values (§4.6 step 3, §7 "version-skew").
// The reduce for this key is skipped until resync brings every row to the
// same version.
type VersionSkewError struct {
	Key any
}

func (e *VersionSkewError) Error() string {
	return fmt.Sprintf("engine: inconsistent mapped resource versions for key %v", e.Key)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
