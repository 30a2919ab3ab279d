package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap/zapcore"
)

// tailRing is a fixed-size ring of formatted log lines. The telemetry record
// carries the most recent lines so operators can see daemon activity without
// shelling into the host.
type tailRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newTailRing(size int) *tailRing {
	return &tailRing{lines: make([]string, size)}
}

func (r *tailRing) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n lines, oldest first.
func (r *tailRing) last(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.lines)
	count := r.next
	start := 0
	if r.full {
		count = size
		start = r.next
	}
	if n > count {
		n = count
	}

	out := make([]string, 0, n)
	for i := count - n; i < count; i++ {
		out = append(out, r.lines[(start+i)%size])
	}
	return out
}

// tailCore is a zapcore.Core that mirrors every enabled entry into the ring.
type tailCore struct {
	ring  *tailRing
	level zapcore.LevelEnabler
}

func newTailCore(ring *tailRing, level zapcore.LevelEnabler) zapcore.Core {
	return &tailCore{ring: ring, level: level}
}

func (c *tailCore) Enabled(lvl zapcore.Level) bool { return c.level.Enabled(lvl) }

func (c *tailCore) With(_ []zapcore.Field) zapcore.Core { return c }

func (c *tailCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *tailCore) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	name := ent.LoggerName
	if name == "" {
		name = "warden"
	}
	c.ring.append(fmt.Sprintf("%s %s [%s] %s",
		ent.Time.Format("15:04:05.000"), ent.Level.CapitalString(), name, ent.Message))
	return nil
}

func (c *tailCore) Sync() error { return nil }
