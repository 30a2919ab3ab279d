// Package hardware probes the host for inference-capable accelerators and
// classifies the machine so the router knows whether a local model is viable.
// Detection is best-effort: every failure mode collapses to CLOUD_ONLY, the
// daemon never refuses to start because of hardware.
package hardware

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"warden/internal/logging"
)

// Class is the hardware capability classification.
type Class string

const (
	LocalCapable Class = "LOCAL_CAPABLE"
	CloudOnly    Class = "CLOUD_ONLY"
)

// Report describes the detected accelerator state at a point in time.
type Report struct {
	Class         Class     `json:"class"`
	AcceleratorOK bool      `json:"accelerator_ok"`
	DeviceName    string    `json:"device_name,omitempty"`
	TotalMemoryMB int       `json:"total_memory_mb"`
	FreeMemoryMB  int       `json:"free_memory_mb"`
	Reason        string    `json:"reason,omitempty"` // why CLOUD_ONLY, for telemetry
	DetectedAt    time.Time `json:"detected_at"`
}

// execCommand is swapped in tests to avoid requiring real GPU tooling.
var execCommand = exec.CommandContext

const (
	cacheKey     = "report"
	probeTimeout = 5 * time.Second
)

// Detector probes accelerator state and caches the result for a TTL.
type Detector struct {
	probeBinary string
	minFreeMB   int
	cache       *gocache.Cache
	ttl         time.Duration
}

// NewDetector builds a detector. probeBinary is the accelerator query tool,
// minFreeMB the free memory needed to claim local inference capability.
func NewDetector(probeBinary string, minFreeMB int, ttl time.Duration) *Detector {
	return &Detector{
		probeBinary: probeBinary,
		minFreeMB:   minFreeMB,
		cache:       gocache.New(ttl, 2*ttl),
		ttl:         ttl,
	}
}

// Detect returns the current capability report, serving a cached report while
// it is fresh. Never returns an error: probe failure means CLOUD_ONLY.
func (d *Detector) Detect(ctx context.Context) Report {
	if cached, ok := d.cache.Get(cacheKey); ok {
		return cached.(Report)
	}
	return d.Refresh(ctx)
}

// Refresh probes the hardware ignoring the cache and stores the fresh report.
func (d *Detector) Refresh(ctx context.Context) Report {
	report := d.probe(ctx)
	d.cache.Set(cacheKey, report, d.ttl)

	log := logging.Get(logging.CategoryHardware)
	if report.Class == LocalCapable {
		log.Infof("accelerator %q: %d/%d MB free, local inference enabled",
			report.DeviceName, report.FreeMemoryMB, report.TotalMemoryMB)
	} else {
		log.Infof("cloud-only operation: %s", report.Reason)
	}
	return report
}

func (d *Detector) probe(ctx context.Context) Report {
	report := Report{Class: CloudOnly, DetectedAt: time.Now().UTC()}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := execCommand(probeCtx, d.probeBinary,
		"--query-gpu=name,memory.total,memory.free",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		report.Reason = fmt.Sprintf("accelerator probe failed: %v", err)
		return report
	}

	name, totalMB, freeMB, err := parseProbeOutput(string(out))
	if err != nil {
		report.Reason = fmt.Sprintf("unreadable probe output: %v", err)
		return report
	}

	report.AcceleratorOK = true
	report.DeviceName = name
	report.TotalMemoryMB = totalMB
	report.FreeMemoryMB = freeMB

	if freeMB >= d.minFreeMB {
		report.Class = LocalCapable
	} else {
		report.Reason = fmt.Sprintf("insufficient accelerator memory: %d MB free, need %d MB", freeMB, d.minFreeMB)
	}
	return report
}

// parseProbeOutput reads the first CSV line of the accelerator query output.
// Multi-device hosts report their first device; local inference binds to it.
func parseProbeOutput(out string) (name string, totalMB, freeMB int, err error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return "", 0, 0, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	name = strings.TrimSpace(fields[0])
	totalMB, err = strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return "", 0, 0, fmt.Errorf("total memory: %w", err)
	}
	freeMB, err = strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return "", 0, 0, fmt.Errorf("free memory: %w", err)
	}
	return name, totalMB, freeMB, nil
}
