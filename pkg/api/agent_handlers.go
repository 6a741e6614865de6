package api

import (
	"net/http"

	"github.com/leash-dev/leash/pkg/auth"
	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/gate"
)

func (s *Server) handleAgentCreateRequest(w http.ResponseWriter, r *http.Request) {
	agentID, _ := auth.AgentFrom(r.Context())
	var req struct {
		Type      contracts.CapabilityType `json:"type"`
		Operation string                   `json:"operation"`
		Params    map[string]any           `json:"params"`
		Reasoning string                   `json:"reasoning"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" || req.Operation == "" {
		WriteBadRequest(w, r, "Missing required fields: type, operation")
		return
	}

	input := contracts.ActionInput{
		Type:      req.Type,
		Operation: req.Operation,
		Params:    req.Params,
	}
	created, err := s.gate.CreateRequest(r.Context(), agentID, input, req.Reasoning)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAgentRequestDetail(w http.ResponseWriter, r *http.Request) {
	agentID, _ := auth.AgentFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	req, err := s.gate.GetOwnedRequest(r.Context(), agentID, id)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAgentDryRun(w http.ResponseWriter, r *http.Request) {
	agentID, _ := auth.AgentFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	result, err := s.gate.DryRun(r.Context(), agentID, id)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	agentID, _ := auth.AgentFrom(r.Context())
	planID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	receipt, err := s.gate.ExecutePlan(r.Context(), agentID, planID)
	if err != nil {
		// A partial or failed execution still produced a receipt; surface it
		// alongside the problem so agents see what ran.
		if receipt != nil && gate.CodeOf(err) == gate.CodeInternal {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"receipt": receipt,
				"error":   err.Error(),
			})
			return
		}
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
