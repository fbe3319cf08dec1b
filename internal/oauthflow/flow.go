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

package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/kimjune01/skilldex-sub003/internal/config"
	"github.com/kimjune01/skilldex-sub003/internal/httputil"
	"github.com/kimjune01/skilldex-sub003/internal/log"
	"github.com/kimjune01/skilldex-sub003/internal/manifest"
	"github.com/kimjune01/skilldex-sub003/internal/store"
	"github.com/kimjune01/skilldex-sub003/internal/token"
	"github.com/kimjune01/skilldex-sub003/internal/vault"
	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

// Coarse reason codes surfaced to the web error page. The callback is
// reached by an unauthenticated browser redirect, so failures redirect
// with one of these instead of returning an API error.
const (
	ReasonMissingCodeOrState  = "missing_code_or_state"
	ReasonInvalidState        = "invalid_state"
	ReasonTokenExchangeFailed = "token_exchange_failed"
	ReasonOAuthNotConfigured  = "oauth_not_configured"
	ReasonOAuthFailed         = "oauth_failed"
)

// FlowGoogle is the combined flow name: one Google consent screen
// activates the Gmail, Calendar, and Sheets integrations together,
// sharing a single token pair.
const FlowGoogle = "google"

// combinedGoogleProviders lists the integrations created by the
// combined flow, in creation order.
var combinedGoogleProviders = []string{
	manifest.ProviderGmail,
	manifest.ProviderGoogleCalendar,
	manifest.ProviderGoogleSheets,
}

// onboardingStepConnected is the onboarding milestone reached by the
// first successful provider connection.
const onboardingStepConnected = 2

// Metrics counts completed connections. Optional; set via SetMetrics.
type Metrics interface {
	RecordConnect(ctx context.Context, provider string)
}

// SessionAuthenticator resolves a session bearer token to a user id.
type SessionAuthenticator interface {
	UserIDFromSession(tokenString string) (string, error)
}

// Flow drives the three-legged OAuth dance for every supported
// provider, from consent redirect through callback to a recorded
// integration with sealed credentials.
type Flow struct {
	cfg     *config.Config
	store   *store.Store
	vault   *vault.Vault
	tokens  *token.Manager
	signer  *StateSigner
	auth    SessionAuthenticator
	logger  *slog.Logger
	metrics Metrics

	// client is used for userinfo and post-connect provisioning calls.
	client *http.Client
}

// SetMetrics installs a connection metrics recorder.
func (f *Flow) SetMetrics(m Metrics) {
	f.metrics = m
}

// New creates the OAuth flow service.
func New(cfg *config.Config, st *store.Store, v *vault.Vault, tokens *token.Manager, auth SessionAuthenticator, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		cfg:    cfg,
		store:  st,
		vault:  v,
		tokens: tokens,
		signer: NewStateSigner([]byte(cfg.StateSigningSecret)),
		auth:   auth,
		logger: log.WithComponent(logger, "oauthflow"),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Register mounts the flow's routes. The connect and callback routes
// sit outside the session middleware: both are reached by full-page
// browser redirects, so connect does its own bearer check (header or
// query parameter) and callback is authenticated by the state token
// alone.
func (f *Flow) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/oauth/{provider}/connect", f.HandleConnect)
	mux.HandleFunc("GET /v1/oauth/{provider}/callback", f.HandleCallback)
	mux.HandleFunc("GET /v1/oauth/{provider}/token", f.HandleToken)
}

// HandleConnect starts the consent flow: it validates the acting
// user's bearer credential, mints a signed state token, and redirects
// to the provider's consent URL.
func (f *Flow) HandleConnect(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	userID, err := f.auth.UserIDFromSession(bearerToken(r))
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	client, ok := f.oauthClient(provider)
	if !ok {
		// Missing client registration is a deployment problem, not a
		// user problem. Surface it loudly instead of degrading.
		f.logger.Error("oauth client not configured",
			slog.String(log.ProviderKey, provider))
		httputil.WriteError(w, http.StatusInternalServerError, "oauth is not configured for this provider")
		return
	}

	state, err := f.signer.Sign(userID, provider)
	if err != nil {
		f.logger.Error("failed to sign oauth state", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to start oauth flow")
		return
	}

	// access_type=offline and prompt=consent together force the
	// provider to issue a refresh token even on reconnect.
	authURL := f.oauth2Config(provider, client).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))

	f.logger.Info("redirecting to provider consent",
		slog.String(log.ProviderKey, provider),
		slog.String(log.UserIDKey, userID))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback receives the provider's redirect, exchanges the code,
// and records the integration. Every failure redirects to the web app
// with a coarse reason; the raw cause stays in the logs.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	ctx := r.Context()
	query := r.URL.Query()
	logger := log.WithProvider(f.logger, provider)

	if errCode := query.Get("error"); errCode != "" {
		logger.Warn("provider reported consent error",
			slog.String("provider_error", errCode))
		f.redirectError(w, r, ReasonOAuthFailed)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		f.redirectError(w, r, ReasonMissingCodeOrState)
		return
	}

	userID, err := f.signer.Verify(state, provider)
	if err != nil {
		logger.Warn("rejected oauth state", log.Error(err))
		f.redirectError(w, r, ReasonInvalidState)
		return
	}

	client, ok := f.oauthClient(provider)
	if !ok {
		f.redirectError(w, r, ReasonOAuthNotConfigured)
		return
	}

	tok, err := f.oauth2Config(provider, client).Exchange(ctx, code)
	if err != nil {
		logger.Error("token exchange failed", log.Error(err))
		f.redirectError(w, r, ReasonTokenExchangeFailed)
		return
	}

	user, err := f.store.GetUser(ctx, userID)
	if err != nil {
		logger.Error("callback for unknown user",
			slog.String(log.UserIDKey, userID),
			log.Error(err))
		f.redirectError(w, r, ReasonOAuthFailed)
		return
	}

	email := f.fetchEmail(ctx, client, tok.AccessToken)

	if provider == FlowGoogle {
		err = f.recordCombinedGoogle(ctx, user, tok, email)
	} else {
		err = f.recordIntegration(ctx, user, provider, tok, email, nil)
	}
	if err != nil {
		logger.Error("failed to record integration",
			slog.String(log.UserIDKey, userID),
			log.Error(err))
		f.redirectError(w, r, ReasonOAuthFailed)
		return
	}

	if err := f.store.AdvanceOnboarding(ctx, userID, onboardingStepConnected); err != nil {
		logger.Warn("failed to advance onboarding",
			slog.String(log.UserIDKey, userID),
			log.Error(err))
	}

	if f.metrics != nil {
		f.metrics.RecordConnect(ctx, provider)
	}
	logger.Info("integration connected",
		slog.String(log.UserIDKey, userID))
	f.redirectSuccess(w, r, provider+" connected")
}

// HandleToken returns a live access token for one of the caller's own
// integrations, refreshing it first if necessary.
func (f *Flow) HandleToken(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	ctx := r.Context()

	userID, err := f.auth.UserIDFromSession(bearerToken(r))
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	rec, err := f.store.GetIntegration(ctx, userID, provider)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			httputil.WriteError(w, http.StatusNotFound, "integration not connected")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load integration")
		return
	}

	accessToken, err := f.tokens.GetValidToken(ctx, rec)
	if err != nil {
		var authErr *errors.AuthError
		if errors.As(err, &authErr) {
			httputil.WriteError(w, http.StatusUnauthorized, "token refresh failed; reconnect the provider")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to obtain token")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"accessToken": accessToken,
		"tokenType":   "Bearer",
		"email":       rec.MetaString(store.MetaEmail),
	})
}

// recordCombinedGoogle fans one Google token pair out into the three
// Google integrations. Each record gets its own credential ref holding
// a copy of the pair, so any one can be disconnected or replaced
// without touching the others.
func (f *Flow) recordCombinedGoogle(ctx context.Context, user *store.User, tok *oauth2.Token, email string) error {
	for _, provider := range combinedGoogleProviders {
		var extras map[string]any
		if provider == manifest.ProviderGoogleSheets {
			// Best effort: a missing spreadsheet only omits the
			// metadata field, it never fails the connection.
			if id := f.provisionSpreadsheet(ctx, tok.AccessToken); id != "" {
				extras = map[string]any{store.MetaSpreadsheet: id}
			}
		}
		if err := f.recordIntegration(ctx, user, provider, tok, email, extras); err != nil {
			return errors.Wrapf(err, "recording %s", provider)
		}
	}
	return nil
}

// recordIntegration seals the token pair into the vault and records
// the integration using delete-then-insert, so a reconnect never
// leaves merged metadata or an orphaned credential behind.
func (f *Flow) recordIntegration(ctx context.Context, user *store.User, provider string, tok *oauth2.Token, email string, extras map[string]any) error {
	if prev, err := f.store.GetIntegration(ctx, user.ID, provider); err == nil && prev.TokenRef != "" {
		if err := f.vault.Delete(ctx, prev.TokenRef); err != nil {
			f.logger.Warn("failed to delete superseded credential",
				slog.String(log.ProviderKey, provider),
				log.Error(err))
		}
	}

	ref := "cred-" + uuid.NewString()
	payload := map[string]any{
		vault.KeyAccessToken:  tok.AccessToken,
		vault.KeyRefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		payload[vault.KeyExpiresAt] = tok.Expiry.UTC().Format(time.RFC3339)
	}
	if err := f.vault.Put(ctx, ref, payload); err != nil {
		return errors.Wrap(err, "sealing credential")
	}

	metadata := map[string]any{}
	if email != "" {
		metadata[store.MetaEmail] = email
	}
	for k, v := range extras {
		metadata[k] = v
	}

	rec := &store.Integration{
		ID:       uuid.NewString(),
		UserID:   user.ID,
		OrgID:    user.OrgID,
		Provider: provider,
		Status:   store.StatusConnected,
		Metadata: metadata,
		TokenRef: ref,
	}
	if err := f.store.ReplaceIntegration(ctx, rec); err != nil {
		// Roll back the sealed credential so a failed insert leaves
		// nothing half-connected.
		if delErr := f.vault.Delete(ctx, ref); delErr != nil {
			f.logger.Warn("failed to clean up credential after insert failure", log.Error(delErr))
		}
		return err
	}
	return nil
}

// fetchEmail labels the connection with the provider account's email.
// Best effort: failures log and return "".
func (f *Flow) fetchEmail(ctx context.Context, client config.OAuthProvider, accessToken string) string {
	if client.UserinfoURL == "" {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.UserinfoURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("userinfo fetch failed", log.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.logger.Warn("userinfo fetch returned non-200",
			slog.Int("status", resp.StatusCode))
		return ""
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ""
	}
	return info.Email
}

// Endpoints for the post-connect spreadsheet step. Vars so tests can
// point them at a local server.
var (
	driveSearchURL   = "https://www.googleapis.com/drive/v3/files"
	sheetsCreateURL  = "https://sheets.googleapis.com/v4/spreadsheets"
	spreadsheetTitle = "Skilldex"
)

// provisionSpreadsheet finds or creates the well-known spreadsheet the
// database category is backed by, returning its id. Best effort.
func (f *Flow) provisionSpreadsheet(ctx context.Context, accessToken string) string {
	if id := f.findSpreadsheet(ctx, accessToken); id != "" {
		return id
	}
	return f.createSpreadsheet(ctx, accessToken)
}

func (f *Flow) findSpreadsheet(ctx context.Context, accessToken string) string {
	q := fmt.Sprintf("name = '%s' and mimeType = 'application/vnd.google-apps.spreadsheet' and trashed = false", spreadsheetTitle)
	u := driveSearchURL + "?" + url.Values{"q": {q}, "fields": {"files(id)"}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("spreadsheet search failed", log.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var result struct {
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || len(result.Files) == 0 {
		return ""
	}
	return result.Files[0].ID
}

func (f *Flow) createSpreadsheet(ctx context.Context, accessToken string) string {
	body := fmt.Sprintf(`{"properties":{"title":%q}}`, spreadsheetTitle)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sheetsCreateURL, strings.NewReader(body))
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("spreadsheet create failed", log.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.logger.Warn("spreadsheet create returned non-200",
			slog.Int("status", resp.StatusCode))
		return ""
	}

	var created struct {
		SpreadsheetID string `json:"spreadsheetId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return ""
	}
	return created.SpreadsheetID
}

// oauthClient resolves the client registration for a flow name. The
// combined flow uses the shared "google" registration.
func (f *Flow) oauthClient(provider string) (config.OAuthProvider, bool) {
	client, ok := f.cfg.Provider(provider)
	if !ok || !client.Configured() {
		return config.OAuthProvider{}, false
	}
	return client, true
}

// oauth2Config builds the x/oauth2 config for a flow, with the
// callback URL derived from the deployment's public base URL.
func (f *Flow) oauth2Config(provider string, client config.OAuthProvider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  client.AuthURL,
			TokenURL: client.TokenURL,
		},
		RedirectURL: f.cfg.PublicBaseURL + "/v1/oauth/" + provider + "/callback",
		Scopes:      client.Scopes,
	}
}

func (f *Flow) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, f.cfg.WebBaseURL+"/settings/integrations?error="+url.QueryEscape(reason), http.StatusFound)
}

func (f *Flow) redirectSuccess(w http.ResponseWriter, r *http.Request, message string) {
	http.Redirect(w, r, f.cfg.WebBaseURL+"/settings/integrations?success="+url.QueryEscape(message), http.StatusFound)
}

// bearerToken extracts the acting credential from the Authorization
// header, falling back to the token query parameter for flows reached
// by full-page redirect where no header can be set.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}
