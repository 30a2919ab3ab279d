// Package control exposes the daemon's local bidirectional channel: a
// small fiber app carrying a websocket for intents, approvals and
// telemetry, plus a handful of synchronous HTTP endpoints. It binds to a
// unix socket by default so access control is plain file permissions.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/sandbox"
)

const (
	readDeadline  = 90 * time.Second
	pingInterval  = 30 * time.Second
	pingWriteWait = 10 * time.Second
)

// IntentHandler executes an operator intent and returns its textual result.
type IntentHandler func(ctx context.Context, intent string) (string, error)

// StatusFunc reports the daemon's current state for sync queries.
type StatusFunc func() any

// Server is the control channel endpoint. It implements
// sandbox.ApprovalGate: HIGH-risk sandbox requests block here until an
// operator answers or the approval window closes.
type Server struct {
	cfg       config.ControlConfig
	app       *fiber.App
	hub       *hub
	approvals *approvalDesk
	statusFn  StatusFunc
	intentFn  IntentHandler

	listener      net.Listener
	lastTelemetry atomic.Value // json.RawMessage
}

// NewServer builds the control server. statusFn must be non-nil; intentFn
// may be nil when intents are not accepted (e.g. during boot).
func NewServer(cfg config.ControlConfig, statusFn StatusFunc, intentFn IntentHandler) *Server {
	s := &Server{
		cfg:       cfg,
		hub:       newHub(),
		approvals: newApprovalDesk(),
		statusFn:  statusFn,
		intentFn:  intentFn,
	}
	s.app = s.buildApp()
	return s
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "warden control",
		DisableStartupMessage: true,
		ReadTimeout:           2 * time.Minute,
		WriteTimeout:          2 * time.Minute,
		IdleTimeout:           5 * time.Minute,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/v1/status", func(c *fiber.Ctx) error {
		return c.JSON(s.statusFn())
	})

	app.Get("/v1/telemetry", func(c *fiber.Ctx) error {
		raw, ok := s.lastTelemetry.Load().(json.RawMessage)
		if !ok {
			return c.Status(fiber.StatusNoContent).Send(nil)
		}
		c.Set("Content-Type", "application/json")
		return c.Send(raw)
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleWS))

	return app
}

// Listen binds the configured endpoint and serves until Shutdown. A unix
// socket path wins over the TCP address when both are set.
func (s *Server) Listen() error {
	ln, err := s.bind()
	if err != nil {
		return err
	}
	s.listener = ln
	logging.Get(logging.CategoryControl).Infof("control channel listening on %s", ln.Addr())
	return s.app.Listener(ln)
}

func (s *Server) bind() (net.Listener, error) {
	if s.cfg.SocketPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare socket directory: %w", err)
		}
		// A stale socket from a crashed run blocks the bind.
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to clear stale socket: %w", err)
		}
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("failed to bind control socket: %w", err)
		}
		if err := os.Chmod(s.cfg.SocketPath, 0o660); err != nil {
			ln.Close()
			return nil, fmt.Errorf("failed to restrict control socket: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind control address: %w", err)
	}
	return ln, nil
}

// Shutdown drains connections and removes the unix socket.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}
	return err
}

// Clients reports the number of connected consoles.
func (s *Server) Clients() int { return s.hub.count() }

// PushTelemetry stores the record for sync queries and fans it out to
// every connected console.
func (s *Server) PushTelemetry(record any) {
	raw, err := json.Marshal(record)
	if err != nil {
		logging.Get(logging.CategoryControl).Errorf("telemetry record not serializable: %v", err)
		return
	}
	s.lastTelemetry.Store(json.RawMessage(raw))
	s.hub.broadcast(ServerMessage{Type: TypeTelemetry, Payload: raw})
}

// RequestApproval implements sandbox.ApprovalGate. The request is shown to
// every connected console; the first verdict wins. No verdict inside the
// window is a rejection, not an error.
func (s *Server) RequestApproval(ctx context.Context, req sandbox.Request, timeout time.Duration) (bool, error) {
	log := logging.Get(logging.CategoryControl)

	verdict := s.approvals.open(req.ID)
	defer s.approvals.close(req.ID)

	payload, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("approval request not serializable: %w", err)
	}
	if s.hub.count() == 0 {
		log.Warnf("approval for %s requested with no console connected", req.ID)
	}
	s.hub.broadcast(ServerMessage{
		Type:      TypeApprovalRequest,
		RequestID: req.ID,
		Payload:   payload,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-verdict:
		log.Infof("approval for %s: %v", req.ID, approved)
		return approved, nil
	case <-timer.C:
		log.Warnf("approval window for %s expired", req.ID)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// handleWS owns one console connection for its lifetime.
func (s *Server) handleWS(conn *websocket.Conn) {
	log := logging.Get(logging.CategoryControl)

	cl := newClient(uuid.NewString())
	s.hub.add(cl)
	defer func() {
		s.hub.remove(cl.id)
		log.Infof("console %s disconnected", cl.id)
	}()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go s.writeLoop(conn, cl)
	go s.pingLoop(conn, cl)

	cl.enqueue(ServerMessage{Type: TypeConnected, Content: "warden control channel ready"})
	log.Infof("console %s connected", cl.id)

	s.readLoop(conn, cl)
}

func (s *Server) readLoop(conn *websocket.Conn, cl *client) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			cl.enqueue(ServerMessage{Type: TypeError, ErrorCode: "invalid_format", Error: "frame is not valid JSON"})
			continue
		}
		s.dispatch(cl, msg)
	}
}

// dispatch routes one console frame.
func (s *Server) dispatch(cl *client, msg ClientMessage) {
	log := logging.Get(logging.CategoryControl)
	switch msg.Type {
	case TypePing:
		cl.enqueue(ServerMessage{Type: TypePong, ID: msg.ID})
	case TypeStatusRequest:
		raw, err := json.Marshal(s.statusFn())
		if err != nil {
			cl.enqueue(ServerMessage{Type: TypeError, ID: msg.ID, ErrorCode: "status_failed", Error: err.Error()})
			return
		}
		cl.enqueue(ServerMessage{Type: TypeStatus, ID: msg.ID, Payload: raw})
	case TypeApprovalResponse:
		if msg.RequestID == "" {
			cl.enqueue(ServerMessage{Type: TypeError, ID: msg.ID, ErrorCode: "missing_request_id", Error: "approval response without request_id"})
			return
		}
		if !s.approvals.resolve(msg.RequestID, msg.Approved) {
			log.Warnf("verdict for unknown or settled request %s ignored", msg.RequestID)
		}
	case TypeIntent:
		if s.intentFn == nil {
			cl.enqueue(ServerMessage{Type: TypeError, ID: msg.ID, ErrorCode: "intents_unavailable", Error: "daemon is not accepting intents"})
			return
		}
		// Intents run off the read loop so approvals and pings stay live.
		go func(m ClientMessage) {
			out, err := s.intentFn(context.Background(), m.Intent)
			if err != nil {
				cl.enqueue(ServerMessage{Type: TypeError, ID: m.ID, ErrorCode: "intent_failed", Error: err.Error()})
				return
			}
			cl.enqueue(ServerMessage{Type: TypeResponse, ID: m.ID, Content: out})
		}(msg)
	default:
		cl.enqueue(ServerMessage{Type: TypeError, ID: msg.ID, ErrorCode: "unknown_type", Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, cl *client) {
	for {
		select {
		case <-cl.done:
			conn.Close()
			return
		case msg := <-cl.send:
			cl.writeMu.Lock()
			err := conn.WriteJSON(msg)
			cl.writeMu.Unlock()
			if err != nil {
				logging.Get(logging.CategoryControl).Warnf("write to console %s failed: %v", cl.id, err)
				conn.Close()
				return
			}
		}
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, cl *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.done:
			return
		case <-ticker.C:
			cl.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait))
			cl.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
