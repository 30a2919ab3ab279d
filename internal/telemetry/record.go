// Package telemetry assembles the per-cycle state report pushed over the
// control channel and keeps the host's service manager convinced the
// daemon is alive.
package telemetry

import (
	"time"

	"warden/internal/logging"
)

// Record is one telemetry frame. One is emitted at the end of every
// orchestration cycle and on daemon state transitions.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	DaemonStatus string    `json:"daemon_status"`
	Cycle        uint64    `json:"cycle"`
	Phase        string    `json:"phase"`
	LastError    string    `json:"last_error,omitempty"`

	HardwareClass    string `json:"hardware_class"`
	AcceleratorName  string `json:"accelerator_name,omitempty"`
	AcceleratorFree  int    `json:"accelerator_free_mb,omitempty"`
	ActiveTarget     string `json:"active_target,omitempty"`
	SkillCount       int    `json:"skill_count"`
	SnapshotsEnabled bool   `json:"snapshots_enabled"`
	RecoveryPoint    string `json:"recovery_point,omitempty"`

	LogTail []string `json:"log_tail,omitempty"`
}

// WithLogTail attaches the last n in-memory log lines to the record.
func (r Record) WithLogTail(n int) Record {
	r.LogTail = logging.Tail(n)
	return r
}
