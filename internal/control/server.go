// Package control exposes the loopback HTTP surface co-resident tools use to
// enumerate and message agents. The local host is the trust boundary: the
// listener binds 127.0.0.1 only and carries no authentication.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"cumulus/internal/logging"
	"cumulus/internal/router"
)

// Server is the local control API host.
type Server struct {
	agents *router.Router
	srv    *http.Server
	ln     net.Listener
	port   int
}

// NewServer creates a control server over the agent router.
func NewServer(agents *router.Router) *Server {
	s := &Server{agents: agents}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("POST /api/agents/{name}/message", s.handleMessage)

	s.srv = &http.Server{Handler: withMiddleware(mux)}
	return s
}

// Start claims a loopback port, walking forward from basePort while the
// address is in use.
func (s *Server) Start(basePort, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for i := 0; i < maxAttempts; i++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", basePort+i))
		if err == nil {
			s.ln = ln
			s.port = ln.Addr().(*net.TCPAddr).Port
			logging.Control("Control API listening on %s", s.BaseURL())
			return nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("failed to bind control API: %w", err)
		}
	}
	return fmt.Errorf("no free control port in [%d, %d]", basePort, basePort+maxAttempts-1)
}

// Serve runs the HTTP server until Close. Blocks.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("control server not started")
	}
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.srv.Close()
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// BaseURL returns the API base URL for tool configs.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

// withMiddleware adds permissive CORS and panic recovery. A handler panic
// answers 500; it never crashes the server.
func withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Get(logging.CategoryControl).Error("Handler panic on %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": fmt.Sprintf("%v", rec),
				})
			}
		}()

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryControl).Warn("Failed to encode response: %v", err)
	}
}

// listAgentsResponse also carries the UI's active web tab; the tab subsystem
// lives outside this host, so the field is always null here.
type listAgentsResponse struct {
	Agents    []router.Agent `json:"agents"`
	ActiveTab *string        `json:"activeTab"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listAgentsResponse{Agents: s.agents.ListAgents()})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ThreadName string `json:"threadName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ThreadName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "threadName required"})
		return
	}

	created, err := s.agents.CreateAgent(body.ThreadName)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := map[string]interface{}{"created": created, "threadName": body.ThreadName}
	if !created {
		resp["reason"] = "already exists"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("name")

	var body struct {
		Message string `json:"message"`
		Sender  string `json:"sender"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"delivered": false, "error": "invalid JSON body",
		})
		return
	}

	// Delivery is fire-and-forget: accepted by the router, not awaited.
	err := s.agents.Deliver(target, body.Message, body.Sender)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": true, "target": target})
		return
	}

	var unknown *router.UnknownAgentError
	if errors.As(err, &unknown) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"delivered": false,
			"error":     unknown.Error(),
			"available": unknown.Available,
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"delivered": false, "error": err.Error(),
	})
}
