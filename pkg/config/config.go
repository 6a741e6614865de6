// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabasePath  string
	SandboxPath   string
	SessionSecret string
	AdminUsername string
	AdminPassword string
}

// Load reads configuration from a .env file (if present) and the
// environment. Defaults keep a dev instance bootable with nothing set.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getenv("PORT", "5000"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		DatabasePath:  getenv("DATABASE_PATH", "./leash.db"),
		SandboxPath:   getenv("SANDBOX_PATH", "./sandbox"),
		SessionSecret: getenv("SESSION_SECRET", ""),
		AdminUsername: getenv("ADMIN_USERNAME", "admin"),
		AdminPassword: getenv("ADMIN_PASSWORD", ""),
	}
}

// EnsureSandbox creates the sandbox directory if it is missing and returns
// its absolute path.
func (c *Config) EnsureSandbox() (string, error) {
	if err := os.MkdirAll(c.SandboxPath, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox dir %s: %w", c.SandboxPath, err)
	}
	abs, err := filepath.Abs(c.SandboxPath)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox dir %s: %w", c.SandboxPath, err)
	}
	return abs, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
