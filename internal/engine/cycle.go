package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"warden/internal/logging"
	"warden/internal/policy"
	"warden/internal/sandbox"
	"warden/internal/skills"
)

// planSystemPrompt shapes model output so the daemon can execute it
// without a parser model in the middle.
const planSystemPrompt = `You are the planning module of an autonomous system maintenance daemon.
Given a maintenance intent, respond with ONLY a shell action plan:
one command per line, no prose, no markdown fences.
If verification commands exist, put them after a single line reading VERIFY:.
Commands must be non-interactive.`

// action carries one drained intent through the phase pipeline. A failed
// action keeps its error and is skipped by the phases after the failure.
type action struct {
	intent     string
	commands   []string
	verify     []string
	match      *skills.Match
	assessment policy.Assessment
	result     sandbox.Result
	err        error
}

// cycleRun is one cycle's working set: the drained actions plus the
// errors each phase recorded on the way through.
type cycleRun struct {
	actions   []*action
	phaseErrs []string
}

// live returns the actions no phase has failed yet.
func (c *cycleRun) live() []*action {
	out := make([]*action, 0, len(c.actions))
	for _, a := range c.actions {
		if a.err == nil {
			out = append(out, a)
		}
	}
	return out
}

// runCycle drives one tick. A tick with an empty intent queue is idle
// maintenance; otherwise the full phase cycle runs.
func (e *Engine) runCycle(ctx context.Context) {
	if len(e.intents) == 0 {
		e.idleCycle(ctx)
		return
	}
	e.executeCycle(ctx)
}

func (e *Engine) idleCycle(ctx context.Context) {
	e.setPhase(PhaseIdle)
	e.mu.Lock()
	inError := e.status == StatusError
	e.mu.Unlock()
	if !inError {
		e.setStatus(StatusIdle)
	}
	e.maintainSnapshots(ctx)
	e.pushTelemetry()
}

// executeCycle walks the fixed phase order for everything pending. A
// failing phase never aborts the cycle: its error is recorded and the next
// phase runs with whatever actions are still live, so one bad plan cannot
// stall the loop.
func (e *Engine) executeCycle(ctx context.Context) {
	log := logging.Get(logging.CategoryEngine)

	e.setStatus(StatusActive)
	e.mu.Lock()
	e.state.Iteration++
	iteration := e.state.Iteration
	e.mu.Unlock()

	c := &cycleRun{}
	phases := []struct {
		name Phase
		fn   func(context.Context, *cycleRun) error
	}{
		{PhaseAnalyze, e.analyze},
		{PhasePatch, e.patch},
		{PhaseTest, e.test},
	}
	for _, p := range phases {
		if err := e.runPhase(ctx, p.name, c, p.fn); err != nil {
			log.Errorf("cycle %d %s: %v", iteration, p.name, err)
			c.phaseErrs = append(c.phaseErrs, fmt.Sprintf("%s: %v", p.name, err))
		}
	}

	e.mu.Lock()
	if len(c.phaseErrs) > 0 {
		e.state.LastError = strings.Join(c.phaseErrs, "; ")
		e.state.ConsecutiveFailures++
	} else {
		e.state.LastError = ""
		e.state.ConsecutiveFailures = 0
	}
	failures := e.state.ConsecutiveFailures
	threshold := e.cfg.Daemon.FailureThreshold
	e.mu.Unlock()

	if len(c.phaseErrs) > 0 {
		log.Errorf("cycle %d finished with %d failed phase(s) (consecutive failures: %d)",
			iteration, len(c.phaseErrs), failures)
		if failures >= threshold {
			e.setStatus(StatusError)
		} else {
			e.setStatus(StatusIdle)
		}
	} else {
		log.Infof("cycle %d complete", iteration)
		e.setStatus(StatusIdle)
	}

	if err := e.runPhase(ctx, PhaseUpdateArchitecture, c, e.updateArchitecture); err != nil {
		log.Warnf("cycle %d %s: %v", iteration, PhaseUpdateArchitecture, err)
	}
}

func (e *Engine) runPhase(ctx context.Context, name Phase, c *cycleRun, fn func(context.Context, *cycleRun) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("phase panicked: %v", r)
		}
	}()
	e.setPhase(name)
	return fn(ctx, c)
}

// analyze refreshes the capability report, drains the intent queue and
// resolves every drained intent into an action sequence: a remembered
// skill when a close enough one exists, a fresh model plan otherwise.
func (e *Engine) analyze(ctx context.Context, c *cycleRun) error {
	report := e.detector.Detect(ctx)
	e.mu.Lock()
	e.report = report
	e.mu.Unlock()

drain:
	for {
		select {
		case intent := <-e.intents:
			c.actions = append(c.actions, &action{intent: intent})
		default:
			break drain
		}
	}

	var errs []string
	for _, a := range c.actions {
		if err := e.resolve(ctx, a); err != nil {
			a.err = err
			errs = append(errs, fmt.Sprintf("%q: %v", a.intent, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, a *action) error {
	log := logging.Get(logging.CategoryEngine)

	matches, err := e.skills.Query(ctx, a.intent)
	if err != nil {
		// Memory trouble degrades to planning from scratch.
		log.Warnf("skill lookup failed, planning from scratch: %v", err)
	} else if len(matches) > 0 {
		best := matches[0]
		log.Infof("reusing skill %s (similarity %.3f, used %d times)",
			best.Skill.ID, best.Similarity, best.Skill.SuccessCount)
		a.match = &best
		a.commands = best.Skill.ActionSequence
		return nil
	}

	e.mu.Lock()
	report := e.report
	e.mu.Unlock()
	plan := e.router.BuildPlan(report)
	res, err := e.router.Execute(ctx, plan, planSystemPrompt, a.intent)
	if err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	e.mu.Lock()
	e.activeTarget = res.Target
	e.mu.Unlock()

	a.commands, a.verify = parsePlanOutput(res.Output)
	if len(a.commands) == 0 {
		return fmt.Errorf("model %s produced no actionable plan", res.Target)
	}
	log.Infof("planned %d actions via %s", len(a.commands), res.Target)
	return nil
}

// patch runs every resolved action in the sandbox. Actions within a cycle
// dispatch concurrently; the executor's slot semaphore bounds how many
// containers actually run at once.
func (e *Engine) patch(ctx context.Context, c *cycleRun) error {
	live := c.live()
	if len(live) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, a := range live {
		wg.Add(1)
		go func(a *action) {
			defer wg.Done()
			a.err = e.runAction(ctx, a)
		}(a)
	}
	wg.Wait()

	var errs []string
	for _, a := range live {
		if a.err != nil {
			errs = append(errs, fmt.Sprintf("%q: %v", a.intent, a.err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// runAction classifies one action sequence and submits it to the sandbox.
func (e *Engine) runAction(ctx context.Context, a *action) error {
	assessment, err := e.classifier.Classify(a.commands)
	if err != nil {
		return fmt.Errorf("risk classification failed: %w", err)
	}
	a.assessment = assessment

	req := sandbox.NewRequest(a.intent, a.commands, assessment)
	a.result = e.executor.Run(ctx, req)

	switch a.result.Outcome {
	case sandbox.OutcomeSucceeded:
		return nil
	case sandbox.OutcomeRejected:
		return fmt.Errorf("request %s rejected: %s", a.result.RequestID, a.result.Detail)
	case sandbox.OutcomeTimedOut:
		return fmt.Errorf("request %s exceeded its time limit", a.result.RequestID)
	default:
		return fmt.Errorf("request %s %s: %s", a.result.RequestID,
			strings.ToLower(string(a.result.Outcome)), a.result.Detail)
	}
}

// test validates each surviving action and settles skill memory: the
// plan's verification commands run in the sandbox, then novel verified
// sequences are committed and reused ones get their counter bumped.
func (e *Engine) test(ctx context.Context, c *cycleRun) error {
	log := logging.Get(logging.CategoryMemory)

	var errs []string
	for _, a := range c.live() {
		if err := e.verifyAction(ctx, a); err != nil {
			a.err = err
			errs = append(errs, fmt.Sprintf("%q: %v", a.intent, err))
			continue
		}

		if a.match != nil {
			if err := e.skills.MarkReuse(ctx, a.match.Skill.ID); err != nil {
				a.err = err
				errs = append(errs, fmt.Sprintf("reuse accounting for skill %s: %v", a.match.Skill.ID, err))
			}
			continue
		}

		skill, err := e.skills.Commit(ctx, a.intent, categoryFor(a.assessment), a.commands)
		if err != nil {
			a.err = err
			errs = append(errs, fmt.Sprintf("skill commit: %v", err))
			continue
		}
		log.Infof("learned skill %s from cycle", skill.ID)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// verifyAction runs the plan's verification commands, when it carried any.
func (e *Engine) verifyAction(ctx context.Context, a *action) error {
	if len(a.verify) == 0 {
		return nil
	}

	assessment, err := e.classifier.Classify(a.verify)
	if err != nil {
		return fmt.Errorf("verification classification failed: %w", err)
	}

	req := sandbox.NewRequest(a.intent+" (verification)", a.verify, assessment)
	res := e.executor.Run(ctx, req)
	if res.Outcome != sandbox.OutcomeSucceeded {
		return fmt.Errorf("verification %s: %s", strings.ToLower(string(res.Outcome)), res.Detail)
	}
	return nil
}

// updateArchitecture closes the cycle: persist the cycle state, prune the
// snapshot set and emit the cycle's telemetry record.
func (e *Engine) updateArchitecture(ctx context.Context, c *cycleRun) error {
	e.mu.Lock()
	st := e.state
	stateDir := e.cfg.Daemon.StateDir
	e.mu.Unlock()

	var saveErr error
	if err := saveState(stateDir, st); err != nil {
		saveErr = fmt.Errorf("cycle state not persisted: %w", err)
	}
	e.maintainSnapshots(ctx)
	e.pushTelemetry()
	return saveErr
}

func categoryFor(a policy.Assessment) string {
	switch {
	case a.Risk == policy.RiskHigh:
		return "privileged"
	case a.MutatesHost:
		return "mutating"
	default:
		return "routine"
	}
}

func (e *Engine) maintainSnapshots(ctx context.Context) {
	if ok, _ := e.snapshots.Available(); !ok {
		return
	}
	e.mu.Lock()
	retention := e.cfg.SnapshotRetention()
	e.mu.Unlock()
	if _, err := e.snapshots.Prune(ctx, retention); err != nil {
		logging.Get(logging.CategorySnapshot).Warnf("snapshot prune failed: %v", err)
	}
}

// parsePlanOutput splits model output into action and verification
// commands. Markdown fences and prose slip through some models even when
// told otherwise, so both are stripped.
func parsePlanOutput(out string) (commands, verify []string) {
	inVerify := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.EqualFold(line, "VERIFY:") {
			inVerify = true
			continue
		}
		if inVerify {
			verify = append(verify, line)
		} else {
			commands = append(commands, line)
		}
	}
	return commands, verify
}
