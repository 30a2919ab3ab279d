package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/control"
	"warden/internal/hardware"
	"warden/internal/policy"
	"warden/internal/router"
	"warden/internal/sandbox"
	"warden/internal/skills"
	"warden/internal/snapshot"
)

// unitEmbedder maps every text to the same unit vector, so any committed
// skill matches any later query with similarity 1.0.
type unitEmbedder struct{}

func (unitEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (unitEmbedder) Dimensions() int { return 3 }
func (unitEmbedder) Name() string    { return "unit" }

// planServer mimics the primary cloud target and returns a fixed plan.
func planServer(t *testing.T, planText string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, planText)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEngine(t *testing.T, planText, runtime string) *Engine {
	t.Helper()
	srv := planServer(t, planText)

	cfg := config.DefaultConfig()
	cfg.Daemon.StateDir = t.TempDir()
	cfg.Daemon.FailureThreshold = 2
	cfg.Hardware.ProbeBinary = filepath.Join(t.TempDir(), "no-such-probe")
	cfg.Memory.DatabasePath = filepath.Join(t.TempDir(), "skills.db")
	cfg.Inference.RateLimit = 0
	cfg.Inference.CloudPrimary = config.TargetConfig{
		Provider: "gemini", Model: "flash-test", BaseURL: srv.URL, APIKey: "test-key",
	}
	cfg.Inference.CloudSecondary.BaseURL = "http://127.0.0.1:1"
	cfg.Sandbox.Runtime = runtime
	cfg.Sandbox.Timeout = "10s"
	cfg.Snapshot.SnapshotDir = filepath.Join(t.TempDir(), "absent")

	store, err := skills.Open(cfg.Memory.DatabasePath, unitEmbedder{}, 0.9, 5)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	classifier, err := policy.New("")
	require.NoError(t, err)

	e := &Engine{
		cfg:        cfg,
		detector:   hardware.NewDetector(cfg.Hardware.ProbeBinary, cfg.Hardware.LocalCapableMinMB, time.Minute),
		router:     router.New(cfg.Inference, 5*time.Second),
		skills:     store,
		classifier: classifier,
		snapshots:  snapshot.NewManager(cfg.Snapshot),
		intents:    make(chan string, intentQueueDepth),
		status:     StatusIdle,
		state:      CycleState{Phase: PhaseIdle},
	}
	e.control = control.NewServer(cfg.Control, e.StatusReport, e.SubmitIntent)
	e.executor = sandbox.NewExecutor(cfg.Sandbox, 10*time.Second, 50*time.Millisecond, e.control, nil)
	return e
}

// cycleWith queues the intents and drives one full cycle.
func cycleWith(t *testing.T, e *Engine, intents ...string) {
	t.Helper()
	for _, in := range intents {
		_, err := e.SubmitIntent(context.Background(), in)
		require.NoError(t, err)
	}
	e.runCycle(context.Background())
}

func TestCycleSuccessLearnsSkill(t *testing.T) {
	e := testEngine(t, "echo patched\nVERIFY:\necho verified", "true")

	cycleWith(t, e, "refresh package index")

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, StatusIdle, e.status)
	assert.Empty(t, e.state.LastError)
	assert.Zero(t, e.state.ConsecutiveFailures)
	assert.Equal(t, uint64(1), e.state.Iteration)

	n, err := e.skills.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSecondIntentReusesSkill(t *testing.T) {
	e := testEngine(t, "echo patched", "true")

	cycleWith(t, e, "rotate logs")
	cycleWith(t, e, "rotate logs again")

	// The second cycle must reuse the learned skill instead of minting a
	// duplicate, and bump its counter.
	n, err := e.skills.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	matches, err := e.skills.Query(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 2, matches[0].Skill.SuccessCount)
}

func TestCycleProcessesBatchOfIntents(t *testing.T) {
	e := testEngine(t, "echo batch", "true")

	cycleWith(t, e, "task one", "task two", "task three")

	// One cycle drains the whole queue and carries every intent through.
	e.mu.Lock()
	assert.Equal(t, uint64(1), e.state.Iteration)
	assert.Empty(t, e.state.LastError)
	e.mu.Unlock()
	assert.Empty(t, e.intents)

	n, err := e.skills.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRepeatedFailuresTripErrorState(t *testing.T) {
	e := testEngine(t, "echo doomed", "false")

	cycleWith(t, e, "first try")
	e.mu.Lock()
	assert.Equal(t, 1, e.state.ConsecutiveFailures)
	assert.Contains(t, e.state.LastError, string(PhasePatch))
	e.mu.Unlock()
	assert.Equal(t, StatusIdle, func() DaemonStatus { e.mu.Lock(); defer e.mu.Unlock(); return e.status }())

	cycleWith(t, e, "second try")
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, 2, e.state.ConsecutiveFailures)
	assert.Equal(t, StatusError, e.status)
}

func TestAnalyzeFailureRecordsErrorAndCycleContinues(t *testing.T) {
	e := testEngine(t, "unused", "true")
	// No local accelerator and both cloud candidates unreachable: planning
	// exhausts the whole route.
	dead := e.cfg.Inference
	dead.CloudPrimary.BaseURL = "http://127.0.0.1:1"
	e.router = router.New(dead, 500*time.Millisecond)

	cycleWith(t, e, "plan something")

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Contains(t, e.state.LastError, string(PhaseAnalyze))
	assert.Contains(t, e.state.LastError, "inference failed")
	assert.Equal(t, 1, e.state.ConsecutiveFailures)
	// The failure did not abort the cycle: every later phase still ran.
	assert.Equal(t, PhaseUpdateArchitecture, e.state.Phase)
}

func TestSuccessClearsErrorState(t *testing.T) {
	e := testEngine(t, "echo fine", "true")
	e.mu.Lock()
	e.state.ConsecutiveFailures = 5
	e.state.LastError = "PATCH: old trouble"
	e.status = StatusError
	e.mu.Unlock()

	cycleWith(t, e, "recover")

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, StatusIdle, e.status)
	assert.Empty(t, e.state.LastError)
	assert.Zero(t, e.state.ConsecutiveFailures)
}

func TestIdleCycleKeepsErrorStatus(t *testing.T) {
	e := testEngine(t, "unused", "true")
	e.setStatus(StatusError)

	e.runCycle(context.Background())

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, StatusError, e.status)
	assert.Equal(t, PhaseIdle, e.state.Phase)
}

func TestRunCycleDrainsQueue(t *testing.T) {
	e := testEngine(t, "echo queued", "true")
	_, err := e.SubmitIntent(context.Background(), "queued work")
	require.NoError(t, err)

	e.runCycle(context.Background())

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Equal(t, uint64(1), e.state.Iteration)
	assert.Empty(t, e.intents)
}

func TestSubmitIntent(t *testing.T) {
	e := &Engine{intents: make(chan string, 2)}

	_, err := e.SubmitIntent(context.Background(), "")
	assert.Error(t, err)

	_, err = e.SubmitIntent(context.Background(), "a")
	require.NoError(t, err)
	_, err = e.SubmitIntent(context.Background(), "b")
	require.NoError(t, err)
	_, err = e.SubmitIntent(context.Background(), "c")
	assert.Error(t, err, "full queue must refuse intents")
}

func TestStatusReport(t *testing.T) {
	e := testEngine(t, "unused", "true")
	e.mu.Lock()
	e.state.Iteration = 9
	e.state.LastError = "TEST: broke"
	e.mu.Unlock()

	got := e.StatusReport().(map[string]any)
	assert.Equal(t, string(StatusIdle), got["status"])
	assert.Equal(t, uint64(9), got["iteration"])
	assert.Equal(t, "TEST: broke", got["last_error"])
}

func TestPhasePanicIsCaught(t *testing.T) {
	e := testEngine(t, "unused", "true")
	err := e.runPhase(context.Background(), PhaseAnalyze, &cycleRun{}, func(context.Context, *cycleRun) error {
		panic("phase went sideways")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase went sideways")
}

func TestParsePlanOutput(t *testing.T) {
	commands, verify := parsePlanOutput("```sh\napt-get update\n# a comment\napt-get install -y nginx\n```\nVERIFY:\nnginx -t\n")
	assert.Equal(t, []string{"apt-get update", "apt-get install -y nginx"}, commands)
	assert.Equal(t, []string{"nginx -t"}, verify)

	commands, verify = parsePlanOutput("echo one\necho two")
	assert.Len(t, commands, 2)
	assert.Empty(t, verify)

	commands, verify = parsePlanOutput("\n\n")
	assert.Empty(t, commands)
	assert.Empty(t, verify)
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	st, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Zero(t, st.Iteration)

	st.Iteration = 41
	st.Phase = PhaseTest
	st.LastError = "TEST: flaky"
	st.ConsecutiveFailures = 1
	require.NoError(t, saveState(dir, st))

	got, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), got.Iteration)
	assert.Equal(t, PhaseTest, got.Phase)
	assert.Equal(t, "TEST: flaky", got.LastError)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestLoadStateToleratesCorruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("{nope"), 0o644))

	st, err := loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
}
