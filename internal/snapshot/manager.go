// Package snapshot manages copy-on-write filesystem snapshots used as a
// safety net for host-mutating actions. Snapshots are btrfs subvolumes
// created through an external helper so the daemon itself never needs raw
// filesystem privileges. On hosts without btrfs the manager degrades: it
// reports itself unavailable and the rest of the daemon carries on.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
)

// Snapshot is one stored recovery point.
type Snapshot struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	namePrefix = "warden_"
	opTimeout  = 30 * time.Second
)

var (
	labelRe     = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)
	subvolRe    = regexp.MustCompile(`^[0-9]+$`)
	execCommand = exec.CommandContext
)

// Manager serializes snapshot operations against one snapshot directory.
type Manager struct {
	cfg       config.SnapshotConfig
	mu        sync.Mutex
	available bool
	reason    string
}

// NewManager builds a manager. Call Probe before relying on it.
func NewManager(cfg config.SnapshotConfig) *Manager {
	return &Manager{cfg: cfg, reason: "not probed"}
}

// Probe checks whether the snapshot tooling and target directory exist.
// Failure leaves the manager degraded rather than failing the boot.
func (m *Manager) Probe(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := logging.Get(logging.CategorySnapshot)

	if _, err := os.Stat(m.cfg.SnapshotDir); err != nil {
		m.available = false
		m.reason = fmt.Sprintf("snapshot directory unavailable: %v", err)
		log.Warnf("rollback degraded: %s", m.reason)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := execCommand(probeCtx, m.cfg.Binary, "--version").Output(); err != nil {
		m.available = false
		m.reason = fmt.Sprintf("btrfs tooling unavailable: %v", err)
		log.Warnf("rollback degraded: %s", m.reason)
		return
	}

	m.available = true
	m.reason = ""
	log.Infof("snapshot support active: %s -> %s", m.cfg.SourcePath, m.cfg.SnapshotDir)
}

// Available reports whether snapshots can be taken, with the degradation
// reason when they cannot.
func (m *Manager) Available() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available, m.reason
}

// Create takes a snapshot labeled label. Creation is serialized; concurrent
// callers queue. The returned snapshot is durable before Create returns.
func (m *Manager) Create(ctx context.Context, label string) (*Snapshot, error) {
	if !labelRe.MatchString(label) {
		return nil, fmt.Errorf("invalid snapshot label %q: must match %s", label, labelRe)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return nil, fmt.Errorf("snapshots unavailable: %s", m.reason)
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("%s%s_%d", namePrefix, label, now.Unix())
	dest := filepath.Join(m.cfg.SnapshotDir, name)

	if _, err := m.run(ctx, "subvolume", "snapshot", m.cfg.SourcePath, dest); err != nil {
		return nil, fmt.Errorf("snapshot creation failed: %w", err)
	}

	logging.Get(logging.CategorySnapshot).Infof("created snapshot %s", name)
	return &Snapshot{Name: name, Path: dest, Label: label, CreatedAt: now}, nil
}

// List returns all managed snapshots, newest first. Foreign entries in the
// snapshot directory are ignored.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	entries, err := os.ReadDir(m.cfg.SnapshotDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		snap, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		snap.Path = filepath.Join(m.cfg.SnapshotDir, entry.Name())
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// RecoveryPointer returns the newest snapshot, the target a rollback
// would arm. Nil without error when no snapshot has been taken yet.
func (m *Manager) RecoveryPointer(ctx context.Context) (*Snapshot, error) {
	snaps, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return &snaps[0], nil
}

// Prune deletes snapshots older than maxAge. The newest snapshot always
// survives, whatever its age: the last recovery point is never collected.
func (m *Manager) Prune(ctx context.Context, maxAge time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(snaps) <= 1 {
		return nil, nil
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var removed []string
	for _, snap := range snaps[1:] { // snaps[0] is the newest
		if snap.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := m.run(ctx, "subvolume", "delete", snap.Path); err != nil {
			return removed, fmt.Errorf("failed to delete snapshot %s: %w", snap.Name, err)
		}
		removed = append(removed, snap.Name)
	}

	if len(removed) > 0 {
		logging.Get(logging.CategorySnapshot).Infof("pruned %d snapshots older than %s", len(removed), maxAge)
	}
	return removed, nil
}

// Rollback marks the named snapshot as the default subvolume for the next
// boot. It does not reboot the host; it only moves the recovery pointer.
func (m *Manager) Rollback(ctx context.Context, name string) error {
	if _, ok := parseName(name); !ok {
		return fmt.Errorf("unknown snapshot name format: %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return fmt.Errorf("snapshots unavailable: %s", m.reason)
	}

	path := filepath.Join(m.cfg.SnapshotDir, name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("snapshot %s not found: %w", name, err)
	}

	out, err := m.run(ctx, "inspect-internal", "rootid", path)
	if err != nil {
		return fmt.Errorf("failed to resolve subvolume id: %w", err)
	}
	id := strings.TrimSpace(out)
	if !subvolRe.MatchString(id) {
		// Never hand a non-numeric token to set-default.
		return fmt.Errorf("unexpected subvolume id %q", id)
	}

	if _, err := m.run(ctx, "subvolume", "set-default", id, m.cfg.SourcePath); err != nil {
		return fmt.Errorf("failed to set default subvolume: %w", err)
	}

	logging.Get(logging.CategorySnapshot).Warnf("rollback armed: %s (subvolume %s) becomes / on next boot", name, id)
	return nil
}

// run invokes the btrfs binary, optionally through the privilege helper.
func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	binary := m.cfg.Binary
	if m.cfg.PrivilegeHelper != "" {
		args = append([]string{binary}, args...)
		binary = m.cfg.PrivilegeHelper
	}

	out, err := execCommand(cmdCtx, binary, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}

// parseName extracts the label and timestamp from a managed snapshot name.
func parseName(name string) (Snapshot, bool) {
	if !strings.HasPrefix(name, namePrefix) {
		return Snapshot{}, false
	}
	rest := strings.TrimPrefix(name, namePrefix)
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 {
		return Snapshot{}, false
	}
	label := rest[:idx]
	ts, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil || !labelRe.MatchString(label) {
		return Snapshot{}, false
	}
	return Snapshot{Name: name, Label: label, CreatedAt: time.Unix(ts, 0).UTC()}, true
}
