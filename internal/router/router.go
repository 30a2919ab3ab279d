// Package router orders inference targets into a fallback chain and walks it
// until one succeeds. Local inference leads when the hardware supports it;
// cloud targets back it up in a fixed order.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"warden/internal/config"
	"warden/internal/hardware"
	"warden/internal/logging"
)

// ErrAllCandidatesFailed reports that every candidate in a plan failed.
var ErrAllCandidatesFailed = errors.New("all route candidates failed")

// Candidate is one position in a route plan.
type Candidate struct {
	Target Target
	Cloud  bool // cloud candidates pass through the rate limiter
}

// Plan is the ordered list of candidates for one inference request.
type Plan struct {
	Class      hardware.Class
	Candidates []Candidate
}

// Names returns the candidate names in plan order.
func (p Plan) Names() []string {
	names := make([]string, len(p.Candidates))
	for i, c := range p.Candidates {
		names[i] = c.Target.Name()
	}
	return names
}

// Attempt records one failed candidate inside an ExhaustionError.
type Attempt struct {
	Candidate string
	Err       error
}

// ExhaustionError carries the per-candidate failures of an exhausted plan.
type ExhaustionError struct {
	Attempts []Attempt
}

func (e *ExhaustionError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Candidate, a.Err)
	}
	return fmt.Sprintf("all route candidates failed: [%s]", strings.Join(parts, "; "))
}

func (e *ExhaustionError) Unwrap() error { return ErrAllCandidatesFailed }

// Result is a successful routed completion.
type Result struct {
	Target  string        `json:"target"`
	Output  string        `json:"output"`
	Elapsed time.Duration `json:"elapsed"`
}

// Router holds the constructed targets and walks fallback plans.
type Router struct {
	local          Target
	cloudPrimary   Target
	cloudSecondary Target
	timeout        time.Duration
	limiter        *rate.Limiter
}

// New builds a router from configuration. All three targets are constructed
// up front; a misconfigured cloud target simply fails its turn in the chain.
func New(cfg config.InferenceConfig, timeout time.Duration) *Router {
	limit := rate.Limit(cfg.RateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &Router{
		local:          NewOllamaTarget(cfg.Local),
		cloudPrimary:   NewGeminiTarget(cfg.CloudPrimary),
		cloudSecondary: NewOpenAITarget(cfg.CloudSecondary),
		timeout:        timeout,
		limiter:        rate.NewLimiter(limit, burst),
	}
}

// BuildPlan derives the candidate ordering from a capability report.
// LOCAL_CAPABLE hosts lead with the local target; everything else starts at
// the primary cloud target. Cloud ordering never changes.
func (r *Router) BuildPlan(report hardware.Report) Plan {
	plan := Plan{Class: report.Class}
	if report.Class == hardware.LocalCapable {
		plan.Candidates = append(plan.Candidates, Candidate{Target: r.local})
	}
	plan.Candidates = append(plan.Candidates,
		Candidate{Target: r.cloudPrimary, Cloud: true},
		Candidate{Target: r.cloudSecondary, Cloud: true},
	)
	return plan
}

// Execute tries each candidate in plan order, once each, under a
// per-candidate deadline. The first success wins. When the parent context
// dies the walk stops immediately instead of burning remaining candidates.
func (r *Router) Execute(ctx context.Context, plan Plan, system, prompt string) (*Result, error) {
	log := logging.Get(logging.CategoryRouting)

	if len(plan.Candidates) == 0 {
		return nil, &ExhaustionError{}
	}

	var attempts []Attempt
	for _, cand := range plan.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if cand.Cloud {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		candCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		output, err := cand.Target.Generate(candCtx, system, prompt)
		cancel()

		if err != nil {
			if candCtx.Err() == context.DeadlineExceeded {
				err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
			}
			log.Warnf("candidate %s failed: %v", cand.Target.Name(), err)
			attempts = append(attempts, Attempt{Candidate: cand.Target.Name(), Err: err})
			continue
		}

		log.Infof("routed via %s in %s", cand.Target.Name(), time.Since(start).Round(time.Millisecond))
		return &Result{
			Target:  cand.Target.Name(),
			Output:  output,
			Elapsed: time.Since(start),
		}, nil
	}

	return nil, &ExhaustionError{Attempts: attempts}
}
