package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Recognized setting keys.
const (
	SettingAllowedRoots   = "allowed_roots"
	SettingShellAllowlist = "shell_allowlist"
	SettingSafeMode       = "safe_mode"
)

// Setting is one key/value pair; values are arbitrary JSON.
type Setting struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// SetSetting upserts a setting value (stored as JSON text).
func (s *Store) SetSetting(ctx context.Context, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, string(valueJSON),
	)
	return err
}

// GetSetting fetches one setting. Missing keys return ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (*Setting, error) {
	var valueJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	setting := &Setting{Key: key}
	if err := json.Unmarshal([]byte(valueJSON), &setting.Value); err != nil {
		return nil, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return setting, nil
}

// ListSettings returns all settings ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]*Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var settings []*Setting
	for rows.Next() {
		var (
			key       string
			valueJSON string
		)
		if err := rows.Scan(&key, &valueJSON); err != nil {
			return nil, err
		}
		setting := &Setting{Key: key}
		if err := json.Unmarshal([]byte(valueJSON), &setting.Value); err != nil {
			return nil, fmt.Errorf("decode setting %s: %w", key, err)
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

// AllowedRoots returns the sandbox root list, empty when unset.
func (s *Store) AllowedRoots(ctx context.Context) ([]string, error) {
	return s.stringListSetting(ctx, SettingAllowedRoots)
}

// ShellAllowlist returns the shell command regex patterns, empty when unset.
func (s *Store) ShellAllowlist(ctx context.Context) ([]string, error) {
	return s.stringListSetting(ctx, SettingShellAllowlist)
}

// SafeMode returns the global kill-switch flag, false when unset.
func (s *Store) SafeMode(ctx context.Context) (bool, error) {
	setting, err := s.GetSetting(ctx, SettingSafeMode)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	enabled, _ := setting.Value.(bool)
	return enabled, nil
}

func (s *Store) stringListSetting(ctx context.Context, key string) ([]string, error) {
	setting, err := s.GetSetting(ctx, key)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	items, _ := setting.Value.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}
