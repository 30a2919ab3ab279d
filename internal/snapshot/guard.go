package snapshot

import (
	"context"
	"fmt"
	"strings"

	"warden/internal/sandbox"
)

// Guard takes a recovery snapshot before a host-mutating request runs.
// When the snapshot cannot be taken the request must not run, so Prepare
// surfaces the failure instead of swallowing it.
type Guard struct {
	manager *Manager
}

// NewGuard wraps a manager as a sandbox mutation guard.
func NewGuard(m *Manager) *Guard {
	return &Guard{manager: m}
}

// Prepare implements sandbox.Guard.
func (g *Guard) Prepare(ctx context.Context, req sandbox.Request) error {
	label := "pre_" + shortID(req.ID)
	if _, err := g.manager.Create(ctx, label); err != nil {
		return fmt.Errorf("recovery snapshot for request %s: %w", req.ID, err)
	}
	return nil
}

// shortID reduces a request UUID to a label-safe fragment.
func shortID(id string) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) > 12 {
		clean = clean[:12]
	}
	if clean == "" {
		clean = "unidentified"
	}
	return clean
}
