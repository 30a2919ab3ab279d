// Package engine runs the warden orchestration loop. Each cycle walks the
// fixed phase sequence ANALYZE -> PATCH -> TEST -> UPDATE_ARCHITECTURE
// over everything pending in the intent queue, or performs idle
// maintenance when it is empty. A failing phase never aborts the cycle:
// its error lands in the cycle state and the remaining phases still run.
// Failures that pile up across cycles flip the daemon to ERROR.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"warden/internal/config"
	"warden/internal/control"
	"warden/internal/embedding"
	"warden/internal/hardware"
	"warden/internal/logging"
	"warden/internal/policy"
	"warden/internal/router"
	"warden/internal/sandbox"
	"warden/internal/skills"
	"warden/internal/snapshot"
	"warden/internal/telemetry"
)

const intentQueueDepth = 16

// Engine wires every subsystem together and owns the daemon lifecycle.
type Engine struct {
	cfg        *config.Config
	detector   *hardware.Detector
	router     *router.Router
	skills     *skills.Store
	classifier *policy.Classifier
	executor   *sandbox.Executor
	snapshots  *snapshot.Manager
	control    *control.Server
	heartbeat  *telemetry.Heartbeat

	intents chan string

	mu           sync.Mutex
	status       DaemonStatus
	state        CycleState
	report       hardware.Report
	activeTarget string
}

// New assembles the engine from configuration. Construction follows the
// boot order: storage and policy must come up or boot fails; snapshots
// may degrade.
func New(cfg *config.Config) (*Engine, error) {
	log := logging.Get(logging.CategoryBoot)

	embedder, err := embedding.NewEngine(cfg.Inference.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}

	store, err := skills.Open(cfg.Memory.DatabasePath, embedder,
		cfg.Memory.SimilarityThreshold, cfg.Memory.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("skill store: %w", err)
	}

	classifier, err := policy.New(cfg.Policy.RulesPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("risk policy: %w", err)
	}

	state, err := loadState(cfg.Daemon.StateDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("cycle state: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		detector:   hardware.NewDetector(cfg.Hardware.ProbeBinary, cfg.Hardware.LocalCapableMinMB, cfg.HardwareCacheTTL()),
		router:     router.New(cfg.Inference, cfg.InferenceTimeout()),
		skills:     store,
		classifier: classifier,
		snapshots:  snapshot.NewManager(cfg.Snapshot),
		intents:    make(chan string, intentQueueDepth),
		status:     StatusBooting,
		state:      state,
	}

	e.control = control.NewServer(cfg.Control, e.StatusReport, e.SubmitIntent)
	e.executor = sandbox.NewExecutor(cfg.Sandbox, cfg.SandboxTimeout(), cfg.ApprovalTimeout(),
		e.control, snapshot.NewGuard(e.snapshots))

	e.heartbeat, err = telemetry.NewHeartbeat(cfg.HeartbeatInterval())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	log.Infof("engine assembled, resuming at iteration %d", state.Iteration)
	return e, nil
}

// Run boots the daemon and blocks until ctx is cancelled or a fatal
// subsystem error occurs.
func (e *Engine) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryBoot)

	if err := e.executor.CheckRuntime(ctx); err != nil {
		// Boot can continue; every sandbox run will fail loudly instead.
		log.Warnf("container runtime check failed: %v", err)
	}
	e.snapshots.Probe(ctx)
	report := e.detector.Detect(ctx)
	e.mu.Lock()
	e.report = report
	e.mu.Unlock()

	e.heartbeat.Start()
	e.setStatus(StatusIdle)
	log.Info("warden active")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.control.Listen()
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.control.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		e.loop(gctx)
		return gctx.Err()
	})

	err := g.Wait()

	e.setStatus(StatusOffline)
	e.pushTelemetry()
	e.heartbeat.Stop()
	e.skills.Close()
	logging.Sync()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loop is the orchestration heart: one cycle per tick.
func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.LoopInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// SubmitIntent queues an operator intent for the next cycle. It is the
// control channel's intent handler.
func (e *Engine) SubmitIntent(ctx context.Context, intent string) (string, error) {
	if intent == "" {
		return "", fmt.Errorf("empty intent")
	}
	select {
	case e.intents <- intent:
		logging.Get(logging.CategoryEngine).Infof("intent queued: %q", intent)
		return fmt.Sprintf("queued (%d ahead)", len(e.intents)-1), nil
	default:
		return "", fmt.Errorf("intent queue full (%d pending)", intentQueueDepth)
	}
}

// ApplyConfig picks up the hot-reloadable tunables from a fresh config.
// Components that captured values at construction (targets, sandbox
// limits, listen addresses) keep them until restart.
func (e *Engine) ApplyConfig(next *config.Config) {
	e.skills.SetThreshold(next.Memory.SimilarityThreshold)

	e.mu.Lock()
	e.cfg.Daemon.FailureThreshold = next.Daemon.FailureThreshold
	e.cfg.Memory.SimilarityThreshold = next.Memory.SimilarityThreshold
	e.cfg.Snapshot.Retention = next.Snapshot.Retention
	e.cfg.Telemetry.LogTailLines = next.Telemetry.LogTailLines
	e.mu.Unlock()

	logging.Get(logging.CategoryEngine).Info("configuration reloaded")
}

// StatusReport answers synchronous status queries from the control channel.
func (e *Engine) StatusReport() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"status":               string(e.status),
		"iteration":            e.state.Iteration,
		"phase":                string(e.state.Phase),
		"last_error":           e.state.LastError,
		"consecutive_failures": e.state.ConsecutiveFailures,
		"hardware_class":       string(e.report.Class),
		"active_target":        e.activeTarget,
		"pending_intents":      len(e.intents),
	}
}

func (e *Engine) setStatus(s DaemonStatus) {
	e.mu.Lock()
	prev := e.status
	e.status = s
	e.mu.Unlock()
	if prev != s {
		logging.Get(logging.CategoryEngine).Infof("daemon status %s -> %s", prev, s)
	}
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.state.Phase = p
	e.mu.Unlock()
}

// pushTelemetry assembles and broadcasts the current state frame.
func (e *Engine) pushTelemetry() {
	e.mu.Lock()
	rec := telemetry.Record{
		Timestamp:       time.Now().UTC(),
		DaemonStatus:    string(e.status),
		Cycle:           e.state.Iteration,
		Phase:           string(e.state.Phase),
		LastError:       e.state.LastError,
		HardwareClass:   string(e.report.Class),
		AcceleratorName: e.report.DeviceName,
		AcceleratorFree: e.report.FreeMemoryMB,
		ActiveTarget:    e.activeTarget,
	}
	tailLines := e.cfg.Telemetry.LogTailLines
	e.mu.Unlock()

	if ok, _ := e.snapshots.Available(); ok {
		rec.SnapshotsEnabled = true
		if snap, err := e.snapshots.RecoveryPointer(context.Background()); err == nil && snap != nil {
			rec.RecoveryPoint = snap.Name
		}
	}
	if n, err := e.skills.Count(context.Background()); err == nil {
		rec.SkillCount = n
	}
	rec = rec.WithLogTail(tailLines)

	e.control.PushTelemetry(rec)
}
