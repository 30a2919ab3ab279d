package telemetry

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"warden/internal/logging"
)

// Heartbeat periodically kicks the service manager's watchdog so a hung
// daemon gets restarted instead of lingering.
type Heartbeat struct {
	scheduler gocron.Scheduler
	beat      func() // swapped in tests
}

// NewHeartbeat builds a heartbeat firing every interval.
func NewHeartbeat(interval time.Duration) (*Heartbeat, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeat scheduler: %w", err)
	}

	h := &Heartbeat{scheduler: scheduler}
	h.beat = h.kick

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { h.beat() }),
		gocron.WithName("watchdog_heartbeat"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule heartbeat: %w", err)
	}
	return h, nil
}

// Start announces readiness and begins the watchdog cadence.
func (h *Heartbeat) Start() {
	if ok, err := SdNotify(StateReady); err != nil {
		logging.Get(logging.CategoryTelemetry).Warnf("readiness notification failed: %v", err)
	} else if ok {
		logging.Get(logging.CategoryTelemetry).Info("service manager notified: ready")
	}
	h.scheduler.Start()
}

// Stop announces shutdown and halts the cadence.
func (h *Heartbeat) Stop() error {
	if _, err := SdNotify(StateStopping); err != nil {
		logging.Get(logging.CategoryTelemetry).Warnf("stop notification failed: %v", err)
	}
	return h.scheduler.Shutdown()
}

func (h *Heartbeat) kick() {
	if _, err := SdNotify(StateWatchdog); err != nil {
		logging.Get(logging.CategoryTelemetry).Warnf("watchdog notification failed: %v", err)
	}
}
