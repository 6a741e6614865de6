package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/leash-dev/leash/pkg/contracts"
)

// Agent is a registered autonomous agent identified by its API key hash.
type Agent struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	APIKeyHash string     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// AgentCapability enables one capability type for one agent. Default-deny:
// a missing row means blocked.
type AgentCapability struct {
	ID      int64                    `json:"id"`
	AgentID int64                    `json:"agentId"`
	Type    contracts.CapabilityType `json:"type"`
	Enabled bool                     `json:"enabled"`
	Config  map[string]any           `json:"config"`
}

// CreateAgent inserts a new agent. A duplicate name returns ErrDuplicateName.
func (s *Store) CreateAgent(ctx context.Context, name, apiKeyHash string) (*Agent, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, api_key_hash, created_at) VALUES (?, ?, ?)`,
		name, apiKeyHash, formatTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("agent %q: %w", name, ErrDuplicateName)
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Agent{ID: id, Name: name, APIKeyHash: apiKeyHash, CreatedAt: now}, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, created_at, last_seen_at FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// FindAgentByKeyHash looks an agent up by its API key hash. The hash carries
// the key's full entropy, so equality lookup is the authentication check.
func (s *Store) FindAgentByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, created_at, last_seen_at FROM agents WHERE api_key_hash = ?`, keyHash)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, api_key_hash, created_at, last_seen_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentKeyHash replaces an agent's API key hash (rotation, lockdown).
func (s *Store) UpdateAgentKeyHash(ctx context.Context, id int64, keyHash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET api_key_hash = ? WHERE id = ?`, keyHash, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// TouchAgentLastSeen refreshes last_seen_at on any authenticated agent call.
func (s *Store) TouchAgentLastSeen(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE id = ?`, formatTime(time.Now().UTC()), id)
	return err
}

// UpsertCapability creates or updates the (agent, type) capability row.
func (s *Store) UpsertCapability(ctx context.Context, agentID int64, capType contracts.CapabilityType, enabled bool, config map[string]any) (*AgentCapability, error) {
	if config == nil {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode capability config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_capabilities (agent_id, type, enabled, config) VALUES (?, ?, ?, ?)
		 ON CONFLICT (agent_id, type) DO UPDATE SET enabled = excluded.enabled, config = excluded.config`,
		agentID, string(capType), boolInt(enabled), string(configJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert capability: %w", err)
	}
	return s.GetCapability(ctx, agentID, capType)
}

// GetCapability fetches the capability row for (agent, type).
func (s *Store) GetCapability(ctx context.Context, agentID int64, capType contracts.CapabilityType) (*AgentCapability, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, type, enabled, config FROM agent_capabilities
		 WHERE agent_id = ? AND type = ?`, agentID, string(capType))
	return scanCapability(row)
}

// ListCapabilities returns all capability rows for an agent.
func (s *Store) ListCapabilities(ctx context.Context, agentID int64) ([]*AgentCapability, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, type, enabled, config FROM agent_capabilities
		 WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var caps []*AgentCapability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a          Agent
		createdAt  string
		lastSeenAt sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &a.APIKeyHash, &createdAt, &lastSeenAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	if lastSeenAt.Valid {
		t := parseTime(lastSeenAt.String)
		a.LastSeenAt = &t
	}
	return &a, nil
}

func scanCapability(row rowScanner) (*AgentCapability, error) {
	var (
		c          AgentCapability
		capType    string
		enabled    int
		configJSON string
	)
	if err := row.Scan(&c.ID, &c.AgentID, &capType, &enabled, &configJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Type = contracts.CapabilityType(capType)
	c.Enabled = enabled != 0
	c.Config = map[string]any{}
	_ = json.Unmarshal([]byte(configJSON), &c.Config)
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
