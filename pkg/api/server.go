package api

import (
	"log/slog"
	"net/http"

	"github.com/leash-dev/leash/pkg/audit"
	"github.com/leash-dev/leash/pkg/auth"
	"github.com/leash-dev/leash/pkg/gate"
	"github.com/leash-dev/leash/pkg/store"
)

// Default per-agent rate limit.
const (
	agentRPS   = 10
	agentBurst = 20
)

// Server owns the HTTP surface. Construct with NewServer, then mount
// Handler() on an http.Server.
type Server struct {
	gate        *gate.Orchestrator
	store       *store.Store
	auditLog    *audit.Log
	sessions    *auth.Sessions
	agentLimits *agentRateLimiter
	logger      *slog.Logger
}

// NewServer wires the API over the orchestrator and its stores.
func NewServer(g *gate.Orchestrator, s *store.Store, log *audit.Log, sessions *auth.Sessions) *Server {
	return &Server{
		gate:        g,
		store:       s,
		auditLog:    log,
		sessions:    sessions,
		agentLimits: newAgentRateLimiter(agentRPS, agentBurst),
		logger:      slog.Default().With("component", "api"),
	}
}

// Handler returns the fully routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Admin surface: session cookie auth.
	mux.HandleFunc("POST /api/admin/login", s.handleLogin)
	mux.HandleFunc("POST /api/admin/logout", s.handleLogout)
	mux.HandleFunc("GET /api/admin/me", s.requireAdmin(s.handleMe))
	mux.HandleFunc("GET /api/admin/agents", s.requireAdmin(s.handleListAgents))
	mux.HandleFunc("POST /api/admin/agents", s.requireAdmin(s.handleCreateAgent))
	mux.HandleFunc("POST /api/admin/agents/{id}/rotate-key", s.requireAdmin(s.handleRotateKey))
	mux.HandleFunc("PATCH /api/admin/agents/{id}/capabilities/{type}", s.requireAdmin(s.handleUpdateCapability))
	mux.HandleFunc("GET /api/admin/settings", s.requireAdmin(s.handleListSettings))
	mux.HandleFunc("PUT /api/admin/settings/{key}", s.requireAdmin(s.handlePutSetting))
	mux.HandleFunc("GET /api/admin/action-requests", s.requireAdmin(s.handleListRequests))
	mux.HandleFunc("GET /api/admin/action-requests/{id}", s.requireAdmin(s.handleRequestDetail))
	mux.HandleFunc("POST /api/admin/plans/{id}/approve", s.requireAdmin(s.handleApprovePlan))
	mux.HandleFunc("GET /api/admin/safe-mode", s.requireAdmin(s.handleGetSafeMode))
	mux.HandleFunc("POST /api/admin/safe-mode", s.requireAdmin(s.handleSetSafeMode))
	mux.HandleFunc("POST /api/admin/lockdown", s.requireAdmin(s.handleLockdown))
	mux.HandleFunc("GET /api/admin/audit", s.requireAdmin(s.handleAuditList))
	mux.HandleFunc("GET /api/admin/audit/verify", s.requireAdmin(s.handleAuditVerify))

	// Agent surface: bearer API key auth plus per-agent rate limiting.
	mux.HandleFunc("POST /api/agent/action-requests", s.requireAgent(s.handleAgentCreateRequest))
	mux.HandleFunc("GET /api/agent/action-requests/{id}", s.requireAgent(s.handleAgentRequestDetail))
	mux.HandleFunc("POST /api/agent/action-requests/{id}/dry-run", s.requireAgent(s.handleAgentDryRun))
	mux.HandleFunc("POST /api/agent/plans/{id}/execute", s.requireAgent(s.handleAgentExecute))

	return requestID(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
