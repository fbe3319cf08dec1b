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

// Package server exposes the broker's HTTP API: integration
// management, capability queries, operation invocation, the OAuth
// connect endpoints, and operational surfaces (health, metrics).
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kimjune01/skilldex-sub003/internal/config"
	"github.com/kimjune01/skilldex-sub003/internal/dispatch"
	"github.com/kimjune01/skilldex-sub003/internal/log"
	"github.com/kimjune01/skilldex-sub003/internal/manifest"
	"github.com/kimjune01/skilldex-sub003/internal/oauthflow"
	"github.com/kimjune01/skilldex-sub003/internal/profile"
	"github.com/kimjune01/skilldex-sub003/internal/store"
	"github.com/kimjune01/skilldex-sub003/internal/tracing"
	"github.com/kimjune01/skilldex-sub003/internal/vault"
)

// BuildInfo identifies the running binary on the version endpoint.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Deps are the constructed components the server routes requests to.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Vault      *vault.Vault
	Registry   *manifest.Registry
	Profiles   *profile.Builder
	Dispatcher *dispatch.Dispatcher
	Flow       *oauthflow.Flow
	Sessions   *Sessions
	Tracing    *tracing.Provider
	Build      BuildInfo
}

// Server is the broker's HTTP front end.
type Server struct {
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New creates the server and wires its routes.
func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		logger: log.WithComponent(logger, "server"),
	}
	s.http = &http.Server{
		Addr:              deps.Config.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	s.deps.Flow.Register(mux)

	mux.HandleFunc("GET /v1/providers", s.handleListProviders)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /v1/invoke", s.handleInvoke)

	mux.HandleFunc("GET /v1/integrations", s.handleListIntegrations)
	mux.HandleFunc("PATCH /v1/integrations/{provider}", s.handleUpdateIntegration)
	mux.HandleFunc("DELETE /v1/integrations/{provider}", s.handleDisconnect)
	mux.HandleFunc("POST /v1/integrations/calendar-feed", s.handleAddCalendarFeed)

	mux.HandleFunc("GET /v1/org/permissions", s.handleGetOrgPermissions)
	mux.HandleFunc("PUT /v1/org/permissions", s.handleSetOrgPermissions)

	if s.deps.Tracing != nil {
		mux.Handle("GET /metrics", s.deps.Tracing.MetricsHandler())
	}

	// Development convenience: mint a session without a real identity
	// provider. Unregistered in production.
	if !s.deps.Config.IsProduction() {
		mux.HandleFunc("POST /v1/dev/session", s.handleDevSession)
	}

	var handler http.Handler = mux
	handler = requestLogging(s.logger, handler)
	if s.deps.Tracing != nil {
		handler = traceRequests(s.deps.Tracing.Tracer("server"), handler)
	}
	handler = tracing.CorrelationMiddleware(handler)
	handler = recoverPanics(s.logger, handler)
	return handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
