// Package brokertest provides an in-memory session-broker control plane
// implementing the same REST surface the real broker exposes. It backs the
// client tests and end-to-end drain tests with a real HTTP server instead
// of per-test handler stubs.
package brokertest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/tphummel/drain_gear/internal/models"
)

// Notification captures a delivered session notification for assertions.
type Notification struct {
	SessionIDs []string
	Title      string
	Text       string
}

// Server is a fake broker. All exported mutators are safe for concurrent
// use with the HTTP handler.
type Server struct {
	token string

	mu       sync.Mutex
	machines map[string]*models.Machine
	groups   map[string]string // machine name -> delivery group
	sessions map[string][]models.Session
	restarts []string
	notices  []Notification

	// Per-operation failure injection, keyed by machine name. A machine
	// present in a set makes that operation return HTTP 500.
	failGet         map[string]bool
	failMaintenance map[string]bool
	failRestart     map[string]bool
	failNotify      bool
	failList        bool

	// Cloud token exchange accepted by POST /api/v1/tokens.
	creds map[string]string // client_id -> secret
}

// New builds an empty broker that requires the given bearer token.
func New(token string) *Server {
	return &Server{
		token:           token,
		machines:        make(map[string]*models.Machine),
		groups:          make(map[string]string),
		sessions:        make(map[string][]models.Session),
		failGet:         make(map[string]bool),
		failMaintenance: make(map[string]bool),
		failRestart:     make(map[string]bool),
		creds:           make(map[string]string),
	}
}

// AddMachine registers a machine in a delivery group along with its
// current sessions. The machine's SessionCount is kept in step with the
// session list.
func (s *Server) AddMachine(group string, m models.Machine, sessions ...models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.SessionCount = len(sessions)
	cp := m
	s.machines[m.Name] = &cp
	s.groups[m.Name] = group
	s.sessions[m.Name] = sessions
}

// SetSessions replaces a machine's session list mid-test.
func (s *Server) SetSessions(name string, sessions ...models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[name] = sessions
	if m, ok := s.machines[name]; ok {
		m.SessionCount = len(sessions)
	}
}

// AllowCredentials registers a client-id/secret pair for token exchange.
func (s *Server) AllowCredentials(clientID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[clientID] = secret
}

// FailGet makes GET of the named machine return 500.
func (s *Server) FailGet(name string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet[name] = fail
}

// FailMaintenance makes the maintenance toggle for the named machine return 500.
func (s *Server) FailMaintenance(name string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMaintenance[name] = fail
}

// FailRestart makes the restart action for the named machine return 500.
func (s *Server) FailRestart(name string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRestart[name] = fail
}

// FailList makes the machine listing return 500.
func (s *Server) FailList(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList = fail
}

// FailNotify makes session notification return 500.
func (s *Server) FailNotify(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNotify = fail
}

// Machine returns a copy of the named machine's current record.
func (s *Server) Machine(name string) (models.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[name]
	if !ok {
		return models.Machine{}, false
	}
	return *m, true
}

// Restarts returns the restart actions issued so far, in order.
func (s *Server) Restarts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.restarts...)
}

// Notifications returns the session notifications delivered so far.
func (s *Server) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notices...)
}

// Handler returns the broker's HTTP surface. Every endpoint except the
// token exchange requires the configured bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tokens", s.handleTokens)
	mux.Handle("GET /api/v1/machines", s.auth(s.handleListMachines))
	mux.Handle("GET /api/v1/machines/{name}", s.auth(s.handleGetMachine))
	mux.Handle("PUT /api/v1/machines/{name}/maintenance", s.auth(s.handleMaintenance))
	mux.Handle("GET /api/v1/machines/{name}/sessions", s.auth(s.handleListSessions))
	mux.Handle("POST /api/v1/machines/{name}/restart", s.auth(s.handleRestart))
	mux.Handle("POST /api/v1/sessions/notify", s.auth(s.handleNotify))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
		ClientID   string `json:"client_id"`
		Secret     string `json:"client_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.mu.Lock()
	secret, ok := s.creds[req.ClientID]
	s.mu.Unlock()
	if !ok || secret != req.Secret {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.token})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList {
		writeError(w, http.StatusInternalServerError, "inventory unavailable")
		return
	}

	group := r.URL.Query().Get("group")
	wantPower := r.URL.Query().Get("power_state")
	wantMaint := r.URL.Query().Get("maintenance")

	out := []models.Machine{}
	for name, m := range s.machines {
		if group != "" && s.groups[name] != group {
			continue
		}
		if wantPower != "" && m.PowerState != wantPower {
			continue
		}
		if wantMaint != "" && fmt.Sprintf("%t", m.InMaintenance) != wantMaint {
			continue
		}
		out = append(out, *m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet[name] {
		writeError(w, http.StatusInternalServerError, "broker error")
		return
	}
	m, ok := s.machines[name]
	if !ok {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	writeJSON(w, http.StatusOK, *m)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMaintenance[name] {
		writeError(w, http.StatusInternalServerError, "broker error")
		return
	}
	m, ok := s.machines[name]
	if !ok {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	// Re-applying the current value is a no-op, not an error.
	m.InMaintenance = req.Enabled
	writeJSON(w, http.StatusOK, *m)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[name]; !ok {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	sessions := s.sessions[name]
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRestart[name] {
		writeError(w, http.StatusInternalServerError, "broker error")
		return
	}
	m, ok := s.machines[name]
	if !ok {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	s.restarts = append(s.restarts, name)
	s.sessions[name] = nil
	m.SessionCount = 0
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionIDs []string `json:"session_ids"`
		Title      string   `json:"title"`
		Text       string   `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNotify {
		writeError(w, http.StatusInternalServerError, "broker error")
		return
	}
	s.notices = append(s.notices, Notification(req))
	w.WriteHeader(http.StatusAccepted)
}
