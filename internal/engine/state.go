package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Phase is one stage of the orchestration cycle. Phases always run in
// declaration order; a failed phase aborts the rest of the cycle.
type Phase string

const (
	PhaseAnalyze            Phase = "ANALYZE"
	PhasePatch              Phase = "PATCH"
	PhaseTest               Phase = "TEST"
	PhaseUpdateArchitecture Phase = "UPDATE_ARCHITECTURE"
	PhaseIdle               Phase = "IDLE"
)

// DaemonStatus is the daemon's externally visible state.
type DaemonStatus string

const (
	StatusBooting DaemonStatus = "BOOTING"
	StatusActive  DaemonStatus = "ACTIVE"
	StatusIdle    DaemonStatus = "IDLE"
	StatusError   DaemonStatus = "ERROR"
	StatusOffline DaemonStatus = "OFFLINE"
)

// CycleState is the loop's persistent position. It survives restarts so
// an operator can see what the daemon was doing before a crash.
type CycleState struct {
	Iteration           uint64    `json:"iteration"`
	Phase               Phase     `json:"phase"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

const stateFileName = "cycle_state.json"

// loadState reads persisted cycle state, returning a zero state when none
// exists yet.
func loadState(stateDir string) (CycleState, error) {
	raw, err := os.ReadFile(filepath.Join(stateDir, stateFileName))
	if os.IsNotExist(err) {
		return CycleState{Phase: PhaseIdle}, nil
	}
	if err != nil {
		return CycleState{}, fmt.Errorf("failed to read cycle state: %w", err)
	}
	var st CycleState
	if err := json.Unmarshal(raw, &st); err != nil {
		// A corrupt state file must not brick the daemon.
		return CycleState{Phase: PhaseIdle}, nil
	}
	return st, nil
}

// saveState persists cycle state atomically via rename.
func saveState(stateDir string, st CycleState) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(stateDir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write cycle state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(stateDir, stateFileName))
}
