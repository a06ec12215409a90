package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"platforminit/pkg/gate"
	"platforminit/pkg/logx"
	"platforminit/pkg/version"
)

// Server observes mirrored gates. It keeps the latest snapshot of every gate
// reported over a live websocket and forgets a connection's gates when it
// disconnects.
type Server struct {
	logger   *logx.Logger
	upgrader websocket.Upgrader
	forward  Sink

	mu     sync.RWMutex
	states map[string]gate.Snapshot
	owners map[string]*websocket.Conn
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithForward also hands every received snapshot to sink, for example a
// persistent store. Forwarding errors are logged, never returned to clients.
func WithForward(sink Sink) ServerOption {
	return func(s *Server) { s.forward = sink }
}

// NewServer creates an observer server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger: logx.NewLogger("observer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		states: make(map[string]gate.Snapshot),
		owners: make(map[string]*websocket.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes installs the server endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/api/states", s.handleStates)
	mux.HandleFunc("/api/states/", s.handleState)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/healthz", s.handleHealth)
}

// Latest returns the latest snapshot of machineID, if connected.
func (s *Server) Latest(machineID string) (gate.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.states[machineID]
	return snap, ok
}

// Snapshots returns the latest snapshot of every connected gate, by machine id.
func (s *Server) Snapshots() []gate.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gate.Snapshot, 0, len(s.states))
	for _, snap := range s.states {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer s.disconnect(conn)

	s.logger.Info("🔌 Client connected: %s", r.RemoteAddr)
	ctx := context.WithoutCancel(r.Context())

	for {
		var snap gate.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logx.Debug(ctx, "observer", "read from %s: %v", r.RemoteAddr, err)
			}
			return
		}
		if snap.MachineID == "" {
			s.logger.Warn("Ignoring snapshot without machine id from %s", r.RemoteAddr)
			continue
		}
		s.apply(ctx, conn, snap)
	}
}

// apply keeps snap unless a newer one from the same gate is already known;
// the mirror is at-least-once so retries may arrive late. A resend of the
// current seq moves ownership to the sending connection.
func (s *Server) apply(ctx context.Context, conn *websocket.Conn, snap gate.Snapshot) {
	s.mu.Lock()
	current, ok := s.states[snap.MachineID]
	switch {
	case !ok || snap.Seq > current.Seq:
		s.states[snap.MachineID] = snap
		s.owners[snap.MachineID] = conn
		logx.DebugState(ctx, "observer", snap.MachineID, snap.State.Status.String())
	case snap.Seq == current.Seq:
		s.owners[snap.MachineID] = conn
	}
	s.mu.Unlock()

	if s.forward != nil {
		if err := s.forward.Send(ctx, snap); err != nil {
			s.logger.Error("Failed to forward snapshot %s/%d to %s: %v", snap.MachineID, snap.Seq, s.forward.Name(), err)
		}
	}
}

func (s *Server) disconnect(conn *websocket.Conn) {
	_ = conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, owner := range s.owners {
		if owner == conn {
			delete(s.owners, id)
			delete(s.states, id)
			s.logger.Info("👋 Client for %s disconnected, state dropped", id)
		}
	}
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.Snapshots())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/states/")
	snap, ok := s.Latest(id)
	if id == "" || !ok {
		http.Error(w, "Unknown machine", http.StatusNotFound)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	var since time.Time
	if raw := query.Get("since"); raw != "" {
		var err error
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			s.logger.Warn("Invalid since parameter: %s", raw)
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
	}

	s.writeJSON(w, logx.RecentEntries(query.Get("component"), since))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	clients := len(s.states)
	s.mu.RUnlock()

	s.writeJSON(w, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"gates":   clients,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
