package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/leash-dev/leash/pkg/auth"
	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/store"
)

const maxBodyBytes = 1 << 20 // 1MB limit

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteBadRequest(w, r, "Missing required fields: username, password")
		return
	}

	admin, err := s.gate.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}

	token, err := s.sessions.Issue(admin.ID, admin.Username)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessions.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, admin)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.AdminFrom(r.Context())
	admin, err := s.store.GetAdminUser(r.Context(), adminID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteUnauthorized(w, r, "Session refers to a deleted admin")
			return
		}
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, admin)
}

// agentView is an agent plus its capability rows, the shape the console
// renders in one table.
type agentView struct {
	*store.Agent
	Capabilities []*store.AgentCapability `json:"capabilities"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		caps, err := s.store.ListCapabilities(r.Context(), a.ID)
		if err != nil {
			WriteInternal(w, r, err)
			return
		}
		views = append(views, agentView{Agent: a, Capabilities: caps})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.AdminFrom(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, r, "Missing required field: name")
		return
	}

	agent, apiKey, err := s.gate.CreateAgent(r.Context(), adminID, req.Name)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	// The plaintext key is shown exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":  agent,
		"apiKey": apiKey,
	})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.AdminFrom(r.Context())
	agentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	apiKey, err := s.gate.RotateAgentKey(r.Context(), adminID, agentID)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": apiKey})
}

func (s *Server) handleUpdateCapability(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.AdminFrom(r.Context())
	agentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	capType := contracts.CapabilityType(r.PathValue("type"))

	var req struct {
		Enabled bool           `json:"enabled"`
		Config  map[string]any `json:"config"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	capability, err := s.gate.UpdateCapability(r.Context(), adminID, agentID, capType, req.Enabled, req.Config)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, capability)
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.AdminFrom(r.Context())
	key := r.PathValue("key")

	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Value) == 0 {
		WriteBadRequest(w, r, "Missing required field: value")
		return
	}
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil {
		WriteBadRequest(w, r, "Invalid setting value")
		return
	}

	if err := s.gate.UpdateSetting(r.Context(), adminID, key, value); err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Setting{Key: key, Value: value})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := contracts.RequestStatus(r.URL.Query().Get("status"))
	reqs, err := s.store.ListRequests(r.Context(), status)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// planView is a plan with its receipt, when one exists.
type planView struct {
	*store.Plan
	Receipt *store.ExecutionReceipt `json:"receipt,omitempty"`
}

func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "No such action request")
			return
		}
		WriteInternal(w, r, err)
		return
	}
	plans, err := s.store.ListPlansForRequest(r.Context(), id)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	views := make([]planView, 0, len(plans))
	for _, p := range plans {
		v := planView{Plan: p}
		receipt, err := s.store.GetReceiptForPlan(r.Context(), p.ID)
		if err == nil {
			v.Receipt = receipt
		} else if !errors.Is(err, store.ErrNotFound) {
			WriteInternal(w, r, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request": req,
		"plans":   views,
	})
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.AdminFrom(r.Context())
	planID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Decision contracts.Decision `json:"decision"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	approval, err := s.gate.ApprovePlan(r.Context(), adminID, planID, req.Decision)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleGetSafeMode(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.store.SafeMode(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) handleSetSafeMode(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.AdminFrom(r.Context())
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.gate.SetSafeMode(r.Context(), adminID, req.Enabled); err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleLockdown(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.AdminFrom(r.Context())
	affected, err := s.gate.EmergencyLockdown(r.Context(), adminID)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"safeMode":       true,
		"agentsAffected": affected,
	})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.auditLog.List(r.Context(), eventType, limit)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	head, err := s.auditLog.Head(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if err := s.auditLog.Verify(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"head":  head,
	})
}

// decodeBody decodes a JSON request body, writing a 400 problem on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

// pathID parses a numeric {id}-style path segment.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id < 1 {
		WriteBadRequest(w, r, "Invalid "+name+" path parameter")
		return 0, false
	}
	return id, true
}
