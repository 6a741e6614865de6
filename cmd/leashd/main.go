// Command leashd runs the leash control plane: a local-first gate that
// autonomous agents must pass through before touching the filesystem, shell
// or network.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leash-dev/leash/pkg/api"
	"github.com/leash-dev/leash/pkg/audit"
	"github.com/leash-dev/leash/pkg/auth"
	"github.com/leash-dev/leash/pkg/config"
	"github.com/leash-dev/leash/pkg/effector/builtin"
	"github.com/leash-dev/leash/pkg/gate"
	"github.com/leash-dev/leash/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("leashd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	auditLog, err := audit.NewLog(db)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sandbox, err := cfg.EnsureSandbox()
	if err != nil {
		return err
	}
	if err := seedSettings(ctx, st, sandbox); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	registry, err := builtin.Registry()
	if err != nil {
		return fmt.Errorf("init effectors: %w", err)
	}
	orchestrator := gate.New(st, auditLog, registry)

	if err := bootstrapAdmin(ctx, st, cfg); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	secret := cfg.SessionSecret
	if secret == "" {
		secret = randomSecret()
		slog.Warn("SESSION_SECRET not set; sessions will not survive restarts")
	}
	sessions := auth.NewSessions(secret, 24*time.Hour)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(orchestrator, st, auditLog, sessions).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("leashd listening", "addr", server.Addr, "sandbox", sandbox, "db", cfg.DatabasePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// seedSettings writes policy defaults on first boot. Existing values are left
// alone so operator edits survive restarts.
func seedSettings(ctx context.Context, st *store.Store, sandbox string) error {
	defaults := map[string]any{
		store.SettingAllowedRoots:   []string{sandbox},
		store.SettingShellAllowlist: []string{},
		store.SettingSafeMode:       false,
	}
	for key, value := range defaults {
		if _, err := st.GetSetting(ctx, key); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := st.SetSetting(ctx, key, value); err != nil {
			return err
		}
		slog.Info("seeded default setting", "key", key)
	}
	return nil
}

// bootstrapAdmin creates the first admin user when the table is empty. With
// no ADMIN_PASSWORD set, a random one is generated and printed once.
func bootstrapAdmin(ctx context.Context, st *store.Store, cfg *config.Config) error {
	count, err := st.CountAdminUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := cfg.AdminPassword
	generated := password == ""
	if generated {
		password = randomSecret()
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	admin, err := st.CreateAdminUser(ctx, cfg.AdminUsername, hash)
	if err != nil {
		return err
	}
	if generated {
		// Printed once at first boot; never logged again.
		fmt.Fprintf(os.Stdout, "Created admin %q with password: %s\n", admin.Username, password)
	} else {
		slog.Info("created admin user", "username", admin.Username)
	}
	return nil
}

func randomSecret() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}
