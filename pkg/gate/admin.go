package gate

import (
	"context"
	"errors"

	"github.com/leash-dev/leash/pkg/audit"
	"github.com/leash-dev/leash/pkg/auth"
	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/store"
)

// Login verifies admin credentials and audits the login. The caller issues
// the session token.
func (o *Orchestrator) Login(ctx context.Context, username, password string) (*store.AdminUser, error) {
	admin, err := o.store.GetAdminUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, E(CodeAuthentication, "invalid username or password")
	}
	if err != nil {
		return nil, Wrap(CodeInternal, err, "load admin user")
	}
	if !auth.VerifyPassword(password, admin.PasswordHash) {
		return nil, E(CodeAuthentication, "invalid username or password")
	}

	o.audit(ctx, audit.EventAdminLogin, map[string]any{
		"adminUserId": admin.ID,
		"username":    admin.Username,
	})
	return admin, nil
}

// CreateAgent registers a new agent and returns the plaintext API key. The
// key is shown exactly once; only its hash is stored.
func (o *Orchestrator) CreateAgent(ctx context.Context, adminID int64, name string) (*store.Agent, string, error) {
	if name == "" {
		return nil, "", E(CodeValidation, "agent name is required")
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", Wrap(CodeInternal, err, "generate api key")
	}

	agent, err := o.store.CreateAgent(ctx, name, auth.HashAPIKey(apiKey))
	if errors.Is(err, store.ErrDuplicateName) {
		return nil, "", E(CodeConflict, "agent %q already exists", name)
	}
	if err != nil {
		return nil, "", Wrap(CodeInternal, err, "persist agent")
	}

	o.audit(ctx, audit.EventAgentCreated, map[string]any{
		"agentId":     agent.ID,
		"name":        agent.Name,
		"adminUserId": adminID,
	})
	o.logger.Info("agent created", "agent_id", agent.ID, "name", name, "admin_id", adminID)
	return agent, apiKey, nil
}

// RotateAgentKey replaces an agent's API key, returning the new plaintext
// key once.
func (o *Orchestrator) RotateAgentKey(ctx context.Context, adminID, agentID int64) (string, error) {
	if _, err := o.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", E(CodeNotFound, "agent %d not found", agentID)
		}
		return "", Wrap(CodeInternal, err, "load agent")
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return "", Wrap(CodeInternal, err, "generate api key")
	}
	if err := o.store.UpdateAgentKeyHash(ctx, agentID, auth.HashAPIKey(apiKey)); err != nil {
		return "", Wrap(CodeInternal, err, "rotate key")
	}

	o.audit(ctx, audit.EventAgentKeyRotated, map[string]any{
		"agentId":     agentID,
		"adminUserId": adminID,
	})
	o.logger.Info("agent key rotated", "agent_id", agentID, "admin_id", adminID)
	return apiKey, nil
}

// UpdateCapability enables or disables a capability for an agent. A nil
// config keeps the effector's default config on first enable.
func (o *Orchestrator) UpdateCapability(ctx context.Context, adminID, agentID int64, capType contracts.CapabilityType, enabled bool, config map[string]any) (*store.AgentCapability, error) {
	plugin, ok := o.registry.Lookup(capType)
	if !ok {
		return nil, E(CodeValidation, "unknown capability type %q", capType)
	}
	if _, err := o.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, E(CodeNotFound, "agent %d not found", agentID)
		}
		return nil, Wrap(CodeInternal, err, "load agent")
	}

	if config == nil {
		if existing, err := o.store.GetCapability(ctx, agentID, capType); err == nil {
			config = existing.Config
		} else {
			config = plugin.DefaultConfig()
		}
	}

	capability, err := o.store.UpsertCapability(ctx, agentID, capType, enabled, config)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "persist capability")
	}

	o.audit(ctx, audit.EventCapabilityUpdated, map[string]any{
		"agentId":     agentID,
		"type":        capType,
		"enabled":     enabled,
		"adminUserId": adminID,
	})
	return capability, nil
}

// UpdateSetting upserts a policy setting and audits the change.
func (o *Orchestrator) UpdateSetting(ctx context.Context, adminID int64, key string, value any) error {
	if err := o.store.SetSetting(ctx, key, value); err != nil {
		return Wrap(CodeInternal, err, "persist setting")
	}
	o.audit(ctx, audit.EventSettingUpdated, map[string]any{
		"key":         key,
		"value":       value,
		"adminUserId": adminID,
	})
	o.logger.Info("setting updated", "key", key, "admin_id", adminID)
	return nil
}

// SetSafeMode flips the global kill switch.
func (o *Orchestrator) SetSafeMode(ctx context.Context, adminID int64, enabled bool) error {
	if err := o.store.SetSetting(ctx, store.SettingSafeMode, enabled); err != nil {
		return Wrap(CodeInternal, err, "persist safe mode")
	}
	o.audit(ctx, audit.EventSafeModeChanged, map[string]any{
		"enabled":     enabled,
		"adminUserId": adminID,
	})
	o.logger.Info("safe mode changed", "enabled", enabled, "admin_id", adminID)
	return nil
}

// EmergencyLockdown enables safe mode and revokes every agent by replacing
// its key hash with the hash of a fresh key that is never surfaced. Returns
// the number of agents affected.
func (o *Orchestrator) EmergencyLockdown(ctx context.Context, adminID int64) (int, error) {
	if err := o.store.SetSetting(ctx, store.SettingSafeMode, true); err != nil {
		return 0, Wrap(CodeInternal, err, "enable safe mode")
	}

	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		return 0, Wrap(CodeInternal, err, "list agents")
	}
	affected := 0
	for _, agent := range agents {
		apiKey, err := auth.GenerateAPIKey()
		if err != nil {
			return affected, Wrap(CodeInternal, err, "generate replacement key")
		}
		if err := o.store.UpdateAgentKeyHash(ctx, agent.ID, auth.HashAPIKey(apiKey)); err != nil {
			return affected, Wrap(CodeInternal, err, "revoke agent %d", agent.ID)
		}
		affected++
	}

	o.audit(ctx, audit.EventEmergencyLockdown, map[string]any{
		"severity":       "critical",
		"agentsAffected": affected,
		"adminUserId":    adminID,
	})
	o.logger.Warn("emergency lockdown engaged", "agents_affected", affected, "admin_id", adminID)
	return affected, nil
}

// AuthenticateAgent resolves a bearer key to an agent and refreshes its
// last-seen timestamp.
func (o *Orchestrator) AuthenticateAgent(ctx context.Context, apiKey string) (*store.Agent, error) {
	if !auth.LooksLikeAPIKey(apiKey) {
		return nil, E(CodeAuthentication, "invalid agent key")
	}
	agent, err := o.store.FindAgentByKeyHash(ctx, auth.HashAPIKey(apiKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, E(CodeAuthentication, "invalid agent key")
	}
	if err != nil {
		return nil, Wrap(CodeInternal, err, "look up agent key")
	}
	if err := o.store.TouchAgentLastSeen(ctx, agent.ID); err != nil {
		o.logger.Warn("failed to refresh agent last_seen", "agent_id", agent.ID, "error", err)
	}
	return agent, nil
}
