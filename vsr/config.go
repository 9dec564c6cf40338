package vsr

import "time"

// Config bundles the VSR tunables from spec.md §9.
type Config struct {
	MaxPipelineDepth      int
	MaxSessions           int
	MaxInflightRepair     int
	RepairTimeout         time.Duration
	EWMAAlpha             float64
	ClockTolerance        time.Duration
	EpochDuration         time.Duration
	MaxLogTailEntries     int
	ReorderDeadline       time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	ViewChangeBaseBackoff time.Duration
}

// MaxLogTailEntries bounds a StartView/DoViewChange log_tail, per
// spec.md §4.4.2 ("Size limits") — a DoS defense against a peer claiming
// an implausibly long tail.
const MaxLogTailEntries = 10_000

// DefaultConfig returns the spec-documented default tunables.
func DefaultConfig() Config {
	return Config{
		MaxPipelineDepth:      100,
		MaxSessions:           100_000,
		MaxInflightRepair:     2,
		RepairTimeout:         500 * time.Millisecond,
		EWMAAlpha:             0.2,
		ClockTolerance:        500 * time.Millisecond,
		EpochDuration:         30 * time.Second,
		MaxLogTailEntries:     MaxLogTailEntries,
		ReorderDeadline:       100 * time.Millisecond,
		HeartbeatInterval:     time.Second,
		HeartbeatTimeout:      3 * time.Second,
		ViewChangeBaseBackoff: 200 * time.Millisecond,
	}
}
