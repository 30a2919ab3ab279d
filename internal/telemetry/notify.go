package telemetry

import (
	"net"
	"os"
)

// systemd notification states.
const (
	StateReady    = "READY=1"
	StateWatchdog = "WATCHDOG=1"
	StateStopping = "STOPPING=1"
)

// notifySocket is swapped in tests.
var notifySocket = func() string { return os.Getenv("NOTIFY_SOCKET") }

// SdNotify sends a state datagram to the service manager. It reports
// (false, nil) when no notification socket is configured, which is the
// normal case outside a systemd unit.
func SdNotify(state string) (bool, error) {
	path := notifySocket()
	if path == "" {
		return false, nil
	}

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
