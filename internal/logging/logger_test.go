package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailRingOrdering(t *testing.T) {
	t.Parallel()

	r := newTailRing(3)
	r.append("a")
	r.append("b")
	assert.Equal(t, []string{"a", "b"}, r.last(10))

	r.append("c")
	r.append("d") // evicts "a"
	assert.Equal(t, []string{"b", "c", "d"}, r.last(10))
	assert.Equal(t, []string{"d"}, r.last(1))
	assert.Empty(t, r.last(0))
}

func TestInitializeAndTail(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	Initialize(Options{Level: "debug", Format: "console", TailLines: 10})

	Get(CategoryEngine).Infof("cycle %d complete", 7)
	Get(CategorySandbox).Warn("runtime probe failed")

	lines := Tail(10)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "engine")
	assert.Contains(t, lines[0], "cycle 7 complete")
	assert.Contains(t, lines[1], "WARN")
}

func TestGetBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	// Must not panic or return nil even without Initialize.
	l := Get(CategoryBoot)
	require.NotNil(t, l)
	l.Debug("pre-init message")

	assert.Nil(t, Tail(5))
}
