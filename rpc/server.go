// Package rpc exposes a worker to its scheduler over a websocket: control
// messages and events in, status messages out. The wire carries exactly the
// protocol package's contract; nothing here adds semantics.
package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wippyai/scripthost/engine"
	"github.com/wippyai/scripthost/errors"
	"github.com/wippyai/scripthost/protocol"
	"github.com/wippyai/scripthost/tenant"
	"github.com/wippyai/scripthost/worker"
)

// frame is the inbound envelope. Exactly one of Control and Event is set.
type frame struct {
	Type    string          `json:"type"`
	Control json.RawMessage `json:"control,omitempty"`
	Event   *eventFrame     `json:"event,omitempty"`
}

type eventFrame struct {
	Guild   string          `json:"guild"`
	Kind    string          `json:"kind"`
	Script  string          `json:"script,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Call    uint32          `json:"call,omitempty"`
}

// errorFrame reports a rejected inbound frame without closing the
// connection.
type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Server serves the scheduler endpoint for one worker.
type Server struct {
	sup      *worker.Supervisor
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	ln      net.Listener
	clients map[*websocket.Conn]chan []byte

	log *zap.Logger
}

// NewServer wires a server to a started supervisor.
func NewServer(sup *worker.Supervisor) *Server {
	return &Server{
		sup: sup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the scheduler is a service peer, not a browser
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
		log:     engine.Logger().With(zap.String("component", "rpc")),
	}
}

// Serve listens on addr and blocks until Stop or a listener error. Status
// messages fan out to every connected scheduler.
func (s *Server) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(errors.PhaseControl, errors.KindNotInitialized, err, "rpc listener on %s", addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.broadcast()

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(errors.PhaseControl, errors.KindNotInitialized, err, "rpc server on %s", addr)
	}
	return nil
}

// Stop closes the listener and every scheduler connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"threads": s.sup.Health(),
		"dropped": s.sup.Dropped(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	out := make(chan []byte, 256)
	s.mu.Lock()
	s.clients[conn] = out
	s.mu.Unlock()
	s.log.Info("scheduler connected", zap.String("remote", conn.RemoteAddr().String()))

	go s.writeLoop(conn, out)
	s.readLoop(conn)

	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	close(out)
	conn.Close()
	s.log.Info("scheduler disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.handleFrame(data); err != nil {
			s.reply(conn, errorFrame{Type: "error", Error: err.Error()})
		}
	}
}

func (s *Server) handleFrame(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.Wrap(errors.PhaseControl, errors.KindInvalidInput, err, "malformed frame")
	}
	switch f.Type {
	case "control":
		msg, err := protocol.DecodeControl(f.Control)
		if err != nil {
			return err
		}
		return s.sup.Submit(msg)
	case "event":
		if f.Event == nil {
			return errors.InvalidInput(errors.PhaseControl, "event frame without event body")
		}
		ev, err := toEvent(*f.Event)
		if err != nil {
			return err
		}
		return s.sup.Deliver(ev)
	default:
		return errors.InvalidInput(errors.PhaseControl, "unknown frame type "+f.Type)
	}
}

func toEvent(f eventFrame) (tenant.Event, error) {
	if f.Guild == "" {
		return tenant.Event{}, errors.InvalidInput(errors.PhaseControl, "event requires a guild")
	}
	ev := tenant.Event{Guild: f.Guild, ScriptID: f.Script, Payload: f.Payload, Call: f.Call}
	switch f.Kind {
	case "invocation":
		ev.Kind = tenant.TaskInvocation
		if f.Script == "" {
			return tenant.Event{}, errors.InvalidInput(errors.PhaseControl, "invocation requires a script")
		}
	case "continuation":
		ev.Kind = tenant.TaskContinuation
		if f.Call == 0 {
			return tenant.Event{}, errors.InvalidInput(errors.PhaseControl, "continuation requires a call id")
		}
	default:
		return tenant.Event{}, errors.InvalidInput(errors.PhaseControl, "unknown event kind "+f.Kind)
	}
	return ev, nil
}

func (s *Server) reply(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	out, ok := s.clients[conn]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case out <- data:
	default:
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, out <-chan []byte) {
	for data := range out {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return
		}
	}
}

// broadcast fans the supervisor's status stream out to every client. Slow
// clients drop messages rather than stall the stream.
func (s *Server) broadcast() {
	for msg := range s.sup.Status() {
		data, err := protocol.EncodeStatus(msg)
		if err != nil {
			s.log.Warn("encoding status", zap.Error(err))
			continue
		}
		s.mu.Lock()
		for conn, out := range s.clients {
			select {
			case out <- data:
			default:
				s.log.Debug("client behind, status dropped", zap.String("remote", conn.RemoteAddr().String()))
			}
		}
		s.mu.Unlock()
	}
}

// Addr reports the bound listener address, or nil before Serve has bound
// it. Intended for tests binding port zero.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
