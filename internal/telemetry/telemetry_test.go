package telemetry

import (
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/logging"
)

func listenNotify(t *testing.T) (string, chan string) {
	t.Helper()
	// Socket paths have a tight length limit, so build a short one.
	path := filepath.Join(t.TempDir(), "n.sock")
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram(addr.Net, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	got := make(chan string, 16)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			got <- string(buf[:n])
		}
	}()
	return path, got
}

func TestSdNotifyWithoutSocketIsNoop(t *testing.T) {
	orig := notifySocket
	notifySocket = func() string { return "" }
	t.Cleanup(func() { notifySocket = orig })

	sent, err := SdNotify(StateReady)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestSdNotifySendsDatagram(t *testing.T) {
	path, got := listenNotify(t)
	orig := notifySocket
	notifySocket = func() string { return path }
	t.Cleanup(func() { notifySocket = orig })

	sent, err := SdNotify(StateWatchdog)
	require.NoError(t, err)
	assert.True(t, sent)

	select {
	case msg := <-got:
		assert.Equal(t, "WATCHDOG=1", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram arrived")
	}
}

func TestSdNotifyBadSocket(t *testing.T) {
	orig := notifySocket
	notifySocket = func() string { return filepath.Join(t.TempDir(), "missing.sock") }
	t.Cleanup(func() { notifySocket = orig })

	sent, err := SdNotify(StateReady)
	assert.Error(t, err)
	assert.False(t, sent)
}

func TestHeartbeatFires(t *testing.T) {
	h, err := NewHeartbeat(20 * time.Millisecond)
	require.NoError(t, err)

	var beats atomic.Int64
	h.beat = func() { beats.Add(1) }

	h.Start()
	defer h.Stop()

	assert.Eventually(t, func() bool { return beats.Load() >= 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatStops(t *testing.T) {
	h, err := NewHeartbeat(10 * time.Millisecond)
	require.NoError(t, err)

	var beats atomic.Int64
	h.beat = func() { beats.Add(1) }

	h.Start()
	require.NoError(t, h.Stop())

	settled := beats.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, beats.Load())
}

func TestRecordWithLogTail(t *testing.T) {
	logging.ResetForTest()
	logging.Initialize(logging.Options{Level: "info", TailLines: 32})
	logging.Get(logging.CategoryEngine).Info("cycle complete")

	rec := Record{DaemonStatus: "ACTIVE"}.WithLogTail(10)
	require.NotEmpty(t, rec.LogTail)
	assert.Contains(t, rec.LogTail[len(rec.LogTail)-1], "cycle complete")
}
