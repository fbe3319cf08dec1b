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

// Package token keeps OAuth access tokens fresh. Callers ask for a
// valid token right before use; the manager transparently runs the
// refresh-token grant when the stored token is expired or about to
// expire, and flags the integration for reconnection when refresh is
// no longer possible.
package token

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/kimjune01/skilldex-sub003/internal/config"
	"github.com/kimjune01/skilldex-sub003/internal/log"
	"github.com/kimjune01/skilldex-sub003/internal/store"
	"github.com/kimjune01/skilldex-sub003/internal/vault"
	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

// ExpiryWindow is the safety margin before the recorded expiry at
// which a token is treated as already expired. It absorbs clock skew
// and the latency of the provider call the token is about to make.
const ExpiryWindow = 5 * time.Minute

// CredentialVault is the subset of the vault the manager needs.
type CredentialVault interface {
	Get(ctx context.Context, ref string) (map[string]any, error)
	Put(ctx context.Context, ref string, payload map[string]any) error
}

// IntegrationStore is the subset of the store the manager needs.
type IntegrationStore interface {
	SetIntegrationStatus(ctx context.Context, id string, status store.Status) error
	TouchRefreshed(ctx context.Context, id string, at time.Time) error
}

// OAuthConfigs looks up client registrations by provider name.
type OAuthConfigs interface {
	Provider(name string) (config.OAuthProvider, bool)
}

// Metrics counts refresh attempts. Optional; set via SetMetrics.
type Metrics interface {
	RecordRefresh(ctx context.Context, provider string, success bool)
}

// Manager exchanges refresh tokens for fresh access tokens on demand.
// Concurrent refreshes for the same integration are not serialized:
// both succeed against the provider and the later vault write wins,
// which is safe because either resulting token is valid.
type Manager struct {
	vault   CredentialVault
	store   IntegrationStore
	configs OAuthConfigs
	logger  *slog.Logger
	metrics Metrics

	// now is swappable for tests.
	now func() time.Time
}

// SetMetrics installs a refresh metrics recorder.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// NewManager creates a token manager.
func NewManager(cv CredentialVault, is IntegrationStore, configs OAuthConfigs, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		vault:   cv,
		store:   is,
		configs: configs,
		logger:  logger,
		now:     time.Now,
	}
}

// IsExpiring reports whether a token with the given expiry needs a
// refresh now. A zero expiry means the credential never expires (API
// keys, ICS feeds) and is never refreshed.
func (m *Manager) IsExpiring(expiry time.Time) bool {
	if expiry.IsZero() {
		return false
	}
	return expiry.Before(m.now().Add(ExpiryWindow))
}

// GetValidToken returns an access token for the integration that is
// guaranteed usable for at least the expiry window, refreshing it
// first if needed. A refresh failure marks the integration status as
// error so the UI can prompt a reconnect, and returns an auth error.
func (m *Manager) GetValidToken(ctx context.Context, rec *store.Integration) (string, error) {
	if rec.TokenRef == "" {
		return "", &errors.AuthError{
			Provider: rec.Provider,
			Message:  "integration has no stored credential",
		}
	}

	payload, err := m.vault.Get(ctx, rec.TokenRef)
	if err != nil {
		return "", &errors.AuthError{
			Provider: rec.Provider,
			Message:  "credential lookup failed",
			Cause:    err,
		}
	}

	accessToken, _ := payload[vault.KeyAccessToken].(string)
	refreshToken, _ := payload[vault.KeyRefreshToken].(string)
	expiry := parseExpiry(payload)

	if accessToken != "" && !m.IsExpiring(expiry) {
		return accessToken, nil
	}

	if refreshToken == "" {
		m.markError(ctx, rec)
		return "", &errors.AuthError{
			Provider: rec.Provider,
			Message:  "token expired and no refresh token is stored; reconnect required",
		}
	}

	fresh, err := m.refresh(ctx, rec.Provider, refreshToken)
	if m.metrics != nil {
		m.metrics.RecordRefresh(ctx, rec.Provider, err == nil)
	}
	if err != nil {
		m.markError(ctx, rec)
		return "", err
	}

	// Merge rather than replace: provider-specific keys the payload may
	// carry survive the refresh.
	payload[vault.KeyAccessToken] = fresh.AccessToken
	if fresh.RefreshToken != "" {
		payload[vault.KeyRefreshToken] = fresh.RefreshToken
	}
	if !fresh.Expiry.IsZero() {
		payload[vault.KeyExpiresAt] = fresh.Expiry.UTC().Format(time.RFC3339)
	}

	if err := m.vault.Put(ctx, rec.TokenRef, payload); err != nil {
		return "", errors.Wrap(err, "persisting refreshed token")
	}
	if err := m.store.TouchRefreshed(ctx, rec.ID, m.now()); err != nil {
		m.logger.Warn("failed to record refresh time",
			slog.String(log.IntegrationIDKey, rec.ID),
			log.Error(err))
	}

	m.logger.Info("refreshed access token",
		slog.String(log.ProviderKey, rec.Provider),
		slog.String(log.IntegrationIDKey, rec.ID),
		slog.String("token", log.SanitizeToken(fresh.AccessToken)))

	return fresh.AccessToken, nil
}

// refresh runs the OAuth2 refresh-token grant against the provider's
// token endpoint.
func (m *Manager) refresh(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error) {
	client, ok := m.configs.Provider(provider)
	if !ok || !client.Configured() {
		return nil, &errors.AuthError{
			Provider: provider,
			Message:  "oauth client is not configured",
		}
	}

	cfg := &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  client.AuthURL,
			TokenURL: client.TokenURL,
		},
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, &errors.AuthError{
			Provider: provider,
			Message:  "token refresh was rejected by the provider",
			Cause:    err,
		}
	}
	return tok, nil
}

// markError flips the integration into the error status. Best effort:
// the caller is already on an error path.
func (m *Manager) markError(ctx context.Context, rec *store.Integration) {
	if err := m.store.SetIntegrationStatus(ctx, rec.ID, store.StatusError); err != nil {
		m.logger.Warn("failed to mark integration errored",
			slog.String(log.IntegrationIDKey, rec.ID),
			log.Error(err))
	}
}

// parseExpiry reads the stored expiry, tolerating both RFC3339 strings
// and absent values. Unparseable values are treated as expired so a
// corrupt timestamp forces a refresh instead of serving a stale token.
func parseExpiry(payload map[string]any) time.Time {
	raw, ok := payload[vault.KeyExpiresAt].(string)
	if !ok || raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Unix(0, 0)
		}
	}
	return t
}
