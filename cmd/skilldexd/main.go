// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimjune01/skilldex-sub003/internal/access"
	"github.com/kimjune01/skilldex-sub003/internal/config"
	"github.com/kimjune01/skilldex-sub003/internal/dispatch"
	"github.com/kimjune01/skilldex-sub003/internal/log"
	"github.com/kimjune01/skilldex-sub003/internal/manifest"
	"github.com/kimjune01/skilldex-sub003/internal/oauthflow"
	"github.com/kimjune01/skilldex-sub003/internal/profile"
	"github.com/kimjune01/skilldex-sub003/internal/server"
	"github.com/kimjune01/skilldex-sub003/internal/store"
	"github.com/kimjune01/skilldex-sub003/internal/token"
	"github.com/kimjune01/skilldex-sub003/internal/tracing"
	"github.com/kimjune01/skilldex-sub003/internal/vault"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		listenAddr  = flag.String("listen", "", "Listen address override")
		dbPath      = flag.String("db", "", "SQLite database path override")
		overlayDir  = flag.String("manifest-overlay", "", "Directory of manifest overrides, watched for changes")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("skilldexd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *overlayDir != "" {
		cfg.ManifestOverlayDir = *overlayDir
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(store.Config{Path: cfg.DatabasePath, WAL: true})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	vaultKey, err := resolveVaultKey(cfg, logger)
	if err != nil {
		return err
	}
	v, err := vault.New(st.DB(), vaultKey)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}

	registry, err := manifest.NewRegistry(manifest.RegistryConfig{
		OverlayDir: cfg.ManifestOverlayDir,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("loading manifests: %w", err)
	}
	if cfg.ManifestOverlayDir != "" {
		if err := registry.Watch(); err != nil {
			logger.Warn("manifest overlay watch unavailable", log.Error(err))
		}
	}
	defer registry.Close()

	tp, err := tracing.NewProvider("skilldexd", version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", log.Error(err))
		}
	}()

	tokens := token.NewManager(v, st, cfg, logger)
	tokens.SetMetrics(tp.Metrics())

	resolver := access.NewResolver(st, st, manifest.Directory{}, logger)
	profiles := profile.NewBuilder(cfg, st, resolver, tokens, logger)
	dispatcher := dispatch.New(logger,
		dispatch.WithMetrics(tp.Metrics()),
		dispatch.WithTracer(tp.Tracer("dispatch")))
	sessions := server.NewSessions([]byte(cfg.SessionSecret))

	flow := oauthflow.New(cfg, st, v, tokens, sessions, logger)
	flow.SetMetrics(tp.Metrics())

	srv := server.New(server.Deps{
		Config:     cfg,
		Store:      st,
		Vault:      v,
		Registry:   registry,
		Profiles:   profiles,
		Dispatcher: dispatcher,
		Flow:       flow,
		Sessions:   sessions,
		Tracing:    tp,
		Build: server.BuildInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		},
	}, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// resolveVaultKey picks the configured key, falling back to the fixed
// development key outside production. Config validation already
// rejects a missing key in production.
func resolveVaultKey(cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	if cfg.VaultKey != "" {
		key, err := vault.ParseKey(cfg.VaultKey)
		if err != nil {
			return nil, fmt.Errorf("invalid vault key: %w", err)
		}
		return key, nil
	}
	logger.Warn("no vault key configured; using the development key")
	return vault.DevKey(), nil
}
