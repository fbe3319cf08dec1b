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

package server

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/kimjune01/skilldex-sub003/internal/access"
	"github.com/kimjune01/skilldex-sub003/internal/dispatch"
	"github.com/kimjune01/skilldex-sub003/internal/httputil"
	"github.com/kimjune01/skilldex-sub003/internal/log"
	"github.com/kimjune01/skilldex-sub003/internal/manifest"
	"github.com/kimjune01/skilldex-sub003/internal/store"
	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    s.deps.Build.Version,
		"commit":     s.deps.Build.Commit,
		"build_date": s.deps.Build.BuildDate,
	})
}

func (s *Server) handleDevSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil || req.UserID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "userId is required")
		return
	}
	token, err := s.deps.Sessions.Issue(req.UserID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	type operationSummary struct {
		ID     string `json:"id"`
		Method string `json:"method"`
		Access string `json:"access"`
	}
	type providerSummary struct {
		Name       string             `json:"name"`
		Category   string             `json:"category"`
		Auth       string             `json:"auth"`
		Operations []operationSummary `json:"operations"`
	}

	var providers []providerSummary
	for _, name := range s.deps.Registry.Names() {
		m, err := s.deps.Registry.Get(name)
		if err != nil {
			continue
		}
		summary := providerSummary{
			Name:     m.Name,
			Category: string(m.Category),
			Auth:     string(m.Auth),
		}
		for id, op := range m.Operations {
			summary.Operations = append(summary.Operations, operationSummary{
				ID:     id,
				Method: op.Method,
				Access: string(op.Access),
			})
		}
		providers = append(providers, summary)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// handleCapabilities reports the caller's effective access and which
// provider backs each readable category. Tokens never leave the
// profile here; callers that need one use the per-provider token
// endpoint.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Sessions.UserIDFromRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	prof, err := s.deps.Profiles.Build(r.Context(), userID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			httputil.WriteError(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error("profile build failed",
			slog.String(log.UserIDKey, userID), log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to build capabilities")
		return
	}
	if s.deps.Tracing != nil {
		s.deps.Tracing.Metrics().RecordProfileBuild(r.Context(), len(prof.Credentials))
	}

	type slot struct {
		Provider    string `json:"provider"`
		SubProvider string `json:"subProvider,omitempty"`
		Email       string `json:"email,omitempty"`
	}
	categories := make(map[string]slot, len(prof.Credentials))
	for category, cred := range prof.Credentials {
		categories[string(category)] = slot{
			Provider:    cred.Provider,
			SubProvider: cred.SubProvider,
			Email:       cred.Email,
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"access":     prof.Access,
		"categories": categories,
	})
}

// handleInvoke runs one manifest operation with the caller's
// capability profile.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Sessions.UserIDFromRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		Provider  string         `json:"provider"`
		Operation string         `json:"operation"`
		Params    map[string]any `json:"params"`
		Region    string         `json:"region"`
		Actor     string         `json:"actor"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Provider == "" || req.Operation == "" {
		httputil.WriteError(w, http.StatusBadRequest, "provider and operation are required")
		return
	}

	m, err := s.deps.Registry.Get(req.Provider)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "unsupported provider")
		return
	}

	prof, err := s.deps.Profiles.Build(r.Context(), userID)
	if err != nil {
		s.logger.Error("profile build failed",
			slog.String(log.UserIDKey, userID), log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to build capabilities")
		return
	}

	level := prof.Access[m.Category]
	if !level.AllowsRead() {
		httputil.WriteError(w, http.StatusForbidden, "category access is not permitted")
		return
	}

	cred := prof.Credentials[m.Category]
	if cred == nil || cred.Provider != req.Provider {
		httputil.WriteError(w, http.StatusNotFound, "no connected integration for this provider")
		return
	}

	result, err := s.deps.Dispatcher.Invoke(r.Context(), m, dispatch.Invocation{
		OperationID: req.Operation,
		Params:      req.Params,
		Token:       cred.AccessToken,
		Region:      req.Region,
		Actor:       req.Actor,
		Access:      level,
	})
	if err != nil {
		s.writeInvokeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"result": result})
}

// writeInvokeError maps dispatch failures onto API statuses.
func (s *Server) writeInvokeError(w http.ResponseWriter, err error) {
	var validation *errors.ValidationError
	if errors.As(err, &validation) {
		httputil.WriteError(w, http.StatusBadRequest, validation.Error())
		return
	}
	var notFound *errors.NotFoundError
	if errors.As(err, &notFound) {
		httputil.WriteError(w, http.StatusNotFound, notFound.Error())
		return
	}
	var denied *dispatch.AccessDeniedError
	if errors.As(err, &denied) {
		httputil.WriteError(w, http.StatusForbidden, denied.Error())
		return
	}
	var provider *dispatch.ProviderError
	if errors.As(err, &provider) {
		status := http.StatusBadGateway
		switch provider.Type {
		case dispatch.ErrorTypeRateLimit:
			status = http.StatusTooManyRequests
		case dispatch.ErrorTypeTimeout:
			status = http.StatusGatewayTimeout
		case dispatch.ErrorTypeNotFound:
			status = http.StatusNotFound
		case dispatch.ErrorTypeInvalidRequest:
			status = http.StatusBadRequest
		}
		httputil.WriteJSON(w, status, map[string]any{
			"error":     provider.Error(),
			"retryable": provider.Retryable(),
		})
		return
	}
	s.logger.Error("invoke failed", log.Error(err))
	httputil.WriteError(w, http.StatusInternalServerError, "operation failed")
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Sessions.UserIDFromRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	records, err := s.deps.Store.ListByUser(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list integrations")
		return
	}

	type integrationView struct {
		ID          string `json:"id"`
		Provider    string `json:"provider"`
		Status      string `json:"status"`
		AccessLevel string `json:"accessLevel"`
		Email       string `json:"email,omitempty"`
		OrgWide     bool   `json:"isOrgWide"`
	}
	views := make([]integrationView, 0, len(records))
	for _, rec := range records {
		views = append(views, integrationView{
			ID:          rec.ID,
			Provider:    rec.Provider,
			Status:      string(rec.Status),
			AccessLevel: rec.AccessLevel(),
			Email:       rec.MetaString(store.MetaEmail),
			OrgWide:     rec.OrgWide,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"integrations": views})
}

// handleUpdateIntegration sets the user's own access preference on one
// of their integrations.
func (s *Server) handleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Sessions.UserIDFromRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	provider := r.PathValue("provider")

	var req struct {
		AccessLevel string `json:"accessLevel"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccessLevel != "read-only" && req.AccessLevel != "read-write" {
		httputil.WriteError(w, http.StatusBadRequest, "accessLevel must be read-only or read-write")
		return
	}

	rec, err := s.deps.Store.GetIntegration(r.Context(), userID, provider)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "integration not connected")
		return
	}

	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata[store.MetaAccessLevel] = req.AccessLevel
	if err := s.deps.Store.UpdateMetadata(r.Context(), rec.ID, rec.Metadata); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update integration")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"provider":    provider,
		"accessLevel": req.AccessLevel,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Sessions.UserIDFromRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	provider := r.PathValue("provider")

	rec, err := s.deps.Store.GetIntegration(r.Context(), userID, provider)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "integration not connected")
		return
	}

	if rec.TokenRef != "" {
		if err := s.deps.Vault.Delete(r.Context(), rec.TokenRef); err != nil {
			s.logger.Warn("failed to delete credential on disconnect",
				slog.String(log.IntegrationIDKey, rec.ID), log.Error(err))
		}
	}
	if err := s.deps.Store.DeleteIntegration(r.Context(), userID, provider); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddCalendarFeed connects a calendar backed by a direct ICS
// feed URL. No OAuth and no credential are involved; the feed URL
// itself lives in metadata.
func (s *Server) handleAddCalendarFeed(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Sessions.UserIDFromRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http" && parsed.Scheme != "webcal") {
		httputil.WriteError(w, http.StatusBadRequest, "url must be an http(s) or webcal feed")
		return
	}

	user, err := s.deps.Store.GetUser(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "user not found")
		return
	}

	rec := &store.Integration{
		ID:       uuid.NewString(),
		UserID:   user.ID,
		OrgID:    user.OrgID,
		Provider: manifest.ProviderGoogleCalendar,
		Status:   store.StatusConnected,
		Metadata: map[string]any{
			store.MetaSubProvider: manifest.SubProviderICSFeed,
			store.MetaCalendarURL: req.URL,
		},
	}
	if err := s.deps.Store.ReplaceIntegration(r.Context(), rec); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to save calendar feed")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"id":          rec.ID,
		"provider":    rec.Provider,
		"subProvider": manifest.SubProviderICSFeed,
	})
}

func (s *Server) handleGetOrgPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Sessions.UserIDFromRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := s.deps.Store.GetUser(r.Context(), userID)
	if err != nil || user.OrgID == "" {
		httputil.WriteError(w, http.StatusNotFound, "no organization")
		return
	}

	raw, err := s.deps.Store.OrgPermissionsJSON(r.Context(), user.OrgID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load permissions")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"permissions": access.ParseOrgPermissions(raw),
	})
}

func (s *Server) handleSetOrgPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Sessions.UserIDFromRequest(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := s.deps.Store.GetUser(r.Context(), userID)
	if err != nil || user.OrgID == "" {
		httputil.WriteError(w, http.StatusNotFound, "no organization")
		return
	}

	var req map[string]string
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Merge into the stored policy; categories absent from the request
	// keep their current level.
	raw, err := s.deps.Store.OrgPermissionsJSON(r.Context(), user.OrgID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load permissions")
		return
	}
	perms := access.ParseOrgPermissions(raw)
	for name, value := range req {
		category := access.Category(name)
		if !category.Valid() {
			httputil.WriteError(w, http.StatusBadRequest, "unknown category: "+name)
			return
		}
		level := access.ParseLevel(value, access.LevelNone)
		if level == access.LevelNone && value != "none" {
			httputil.WriteError(w, http.StatusBadRequest, "invalid access level: "+value)
			return
		}
		perms[category] = level
	}

	encoded, err := perms.Encode()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to encode permissions")
		return
	}
	if err := s.deps.Store.SetOrgPermissions(r.Context(), user.OrgID, encoded); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to save permissions")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}
