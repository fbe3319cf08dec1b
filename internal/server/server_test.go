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
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimjune01/skilldex-sub003/internal/access"
	"github.com/kimjune01/skilldex-sub003/internal/config"
	"github.com/kimjune01/skilldex-sub003/internal/dispatch"
	"github.com/kimjune01/skilldex-sub003/internal/manifest"
	"github.com/kimjune01/skilldex-sub003/internal/oauthflow"
	"github.com/kimjune01/skilldex-sub003/internal/profile"
	"github.com/kimjune01/skilldex-sub003/internal/store"
	"github.com/kimjune01/skilldex-sub003/internal/token"
	"github.com/kimjune01/skilldex-sub003/internal/vault"
)

type serverFixture struct {
	handler  http.Handler
	store    *store.Store
	vault    *vault.Vault
	sessions *Sessions
	cfg      *config.Config
	provider *httptest.Server
}

// newServerFixture wires a full server over real components, with a
// greenhouse manifest overlay pointing at a local fake provider.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"id":1,"name":"Ada"}]}`))
	}))
	t.Cleanup(providerSrv.Close)

	overlayDir := t.TempDir()
	overlay := "version: \"1\"\nname: greenhouse\ncategory: ats\nauth: basic-token\n" +
		"base_urls:\n  default: " + providerSrv.URL + "\n" +
		"operations:\n  list_candidates:\n    method: GET\n    path: /candidates\n    access: read\n" +
		"  delete_candidate:\n    method: DELETE\n    path: /candidates/{id}\n    access: dangerous\n" +
		"    params:\n      - name: id\n        in: path\n        type: string\n        required: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(overlayDir, "greenhouse.yaml"), []byte(overlay), 0o644))

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	v, err := vault.New(st.DB(), vault.DevKey())
	require.NoError(t, err)

	registry, err := manifest.NewRegistry(manifest.RegistryConfig{OverlayDir: overlayDir})
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	cfg := config.Default()
	cfg.SessionSecret = "session-secret"
	cfg.StateSigningSecret = "state-secret"

	sessions := NewSessions([]byte(cfg.SessionSecret))
	tokens := token.NewManager(v, st, cfg, nil)
	resolver := access.NewResolver(st, st, manifest.Directory{}, nil)
	profiles := profile.NewBuilder(cfg, st, resolver, tokens, nil)
	flow := oauthflow.New(cfg, st, v, tokens, sessions, nil)

	srv := New(Deps{
		Config:     cfg,
		Store:      st,
		Vault:      v,
		Registry:   registry,
		Profiles:   profiles,
		Dispatcher: dispatch.New(nil),
		Flow:       flow,
		Sessions:   sessions,
		Build:      BuildInfo{Version: "test"},
	}, nil)

	return &serverFixture{
		handler:  srv.routes(),
		store:    st,
		vault:    v,
		sessions: sessions,
		cfg:      cfg,
		provider: providerSrv,
	}
}

func (f *serverFixture) seedOrgUser(t *testing.T, userID, orgID string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.GetOrganization(ctx, orgID); err != nil {
		require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: orgID, Name: "Acme"}))
	}
	require.NoError(t, f.store.CreateUser(ctx, &store.User{ID: userID, Email: userID + "@example.com", OrgID: orgID}))

	tok, err := f.sessions.Issue(userID)
	require.NoError(t, err)
	return tok
}

func (f *serverFixture) connectGreenhouse(t *testing.T, userID, orgID string) {
	t.Helper()
	ctx := context.Background()
	ref := "cred-" + uuid.NewString()
	require.NoError(t, f.vault.Put(ctx, ref, map[string]any{vault.KeyAccessToken: "gh-token"}))
	require.NoError(t, f.store.ReplaceIntegration(ctx, &store.Integration{
		ID: uuid.NewString(), UserID: userID, OrgID: orgID, Provider: "greenhouse",
		Status: store.StatusConnected, TokenRef: ref,
		Metadata: map[string]any{store.MetaEmail: userID + "@example.com"},
	}))
}

func (f *serverFixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(encoded))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSessionsRoundTrip(t *testing.T) {
	s := NewSessions([]byte("secret"))

	tok, err := s.Issue("u1")
	require.NoError(t, err)

	userID, err := s.UserIDFromSession(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestSessionsRejectInvalidTokens(t *testing.T) {
	s := NewSessions([]byte("secret"))
	other := NewSessions([]byte("different"))

	tok, err := other.Issue("u1")
	require.NoError(t, err)

	_, err = s.UserIDFromSession(tok)
	assert.Error(t, err, "wrong signing secret")

	_, err = s.UserIDFromSession("")
	assert.Error(t, err)

	_, err = s.UserIDFromSession("not-a-jwt")
	assert.Error(t, err)
}

func TestSessionsUserIDFromRequest(t *testing.T) {
	s := NewSessions([]byte("secret"))
	tok, err := s.Issue("u1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	userID, err := s.UserIDFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = s.UserIDFromRequest(bare)
	assert.Error(t, err)
}

func TestHealthAndVersion(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/version", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", decodeBody(t, w)["version"])
}

func TestDevSessionEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/dev/session", "", map[string]string{"userId": "u1"})
	require.Equal(t, http.StatusOK, w.Code)

	tok, _ := decodeBody(t, w)["token"].(string)
	require.NotEmpty(t, tok)
	userID, err := f.sessions.UserIDFromSession(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestListProviders(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/v1/providers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"greenhouse"`)
	assert.Contains(t, w.Body.String(), `"list_candidates"`)
}

func TestCapabilitiesNeverExposeTokens(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")
	f.connectGreenhouse(t, "u1", "org1")

	w := f.do(t, http.MethodGet, "/v1/capabilities", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	accessMap, ok := body["access"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "read-write", accessMap["ats"])
	assert.Equal(t, "none", accessMap["email"])

	categories, ok := body["categories"].(map[string]any)
	require.True(t, ok)
	slot, ok := categories["ats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "greenhouse", slot["provider"])

	assert.NotContains(t, w.Body.String(), "gh-token",
		"capability responses never carry raw tokens")
}

func TestCapabilitiesRequireAuth(t *testing.T) {
	f := newServerFixture(t)
	w := f.do(t, http.MethodGet, "/v1/capabilities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInvokeHappyPath(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")
	f.connectGreenhouse(t, "u1", "org1")

	w := f.do(t, http.MethodPost, "/v1/invoke", tok, map[string]any{
		"provider":  "greenhouse",
		"operation": "list_candidates",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"Ada"`)
}

func TestInvokeRefusals(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")
	f.connectGreenhouse(t, "u1", "org1")

	t.Run("unsupported provider", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/invoke", tok, map[string]any{
			"provider": "hubspot", "operation": "list",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown operation", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/invoke", tok, map[string]any{
			"provider": "greenhouse", "operation": "nope",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/invoke", tok, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no credential for category provider", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/invoke", tok, map[string]any{
			"provider": "lever", "operation": "list_candidates",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/invoke", "", map[string]any{
			"provider": "greenhouse", "operation": "list_candidates",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestInvokeDangerousRequiresReadWrite(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")
	f.connectGreenhouse(t, "u1", "org1")

	// Self-restrict to read-only, then attempt a dangerous operation.
	w := f.do(t, http.MethodPatch, "/v1/integrations/greenhouse", tok,
		map[string]string{"accessLevel": "read-only"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/invoke", tok, map[string]any{
		"provider":  "greenhouse",
		"operation": "delete_candidate",
		"params":    map[string]any{"id": "c1"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInvokeAdminDisabledCategory(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")
	f.connectGreenhouse(t, "u1", "org1")

	w := f.do(t, http.MethodPut, "/v1/org/permissions", tok, map[string]string{"ats": "disabled"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/invoke", tok, map[string]any{
		"provider": "greenhouse", "operation": "list_candidates",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestIntegrationLifecycle(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")
	f.connectGreenhouse(t, "u1", "org1")

	w := f.do(t, http.MethodGet, "/v1/integrations", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"greenhouse"`)
	assert.Contains(t, w.Body.String(), `"read-write"`)

	w = f.do(t, http.MethodPatch, "/v1/integrations/greenhouse", tok,
		map[string]string{"accessLevel": "read-only"})
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := f.store.GetIntegration(context.Background(), "u1", "greenhouse")
	require.NoError(t, err)
	assert.Equal(t, "read-only", rec.AccessLevel())
	ref := rec.TokenRef

	w = f.do(t, http.MethodDelete, "/v1/integrations/greenhouse", tok, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err = f.store.GetIntegration(context.Background(), "u1", "greenhouse")
	assert.Error(t, err)
	_, err = f.vault.Get(context.Background(), ref)
	assert.Error(t, err, "disconnect removes the sealed credential")
}

func TestUpdateIntegrationRejectsBadLevel(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")
	f.connectGreenhouse(t, "u1", "org1")

	w := f.do(t, http.MethodPatch, "/v1/integrations/greenhouse", tok,
		map[string]string{"accessLevel": "disabled"})
	assert.Equal(t, http.StatusBadRequest, w.Code,
		"users self-restrict; only admins disable")
}

func TestAddCalendarFeed(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")

	w := f.do(t, http.MethodPost, "/v1/integrations/calendar-feed", tok,
		map[string]string{"url": "webcal://calendar.example.com/feed.ics"})
	require.Equal(t, http.StatusCreated, w.Code)

	rec, err := f.store.GetIntegration(context.Background(), "u1", "google-calendar")
	require.NoError(t, err)
	assert.Equal(t, "ics-url", rec.SubProvider())
	assert.Empty(t, rec.TokenRef)

	w = f.do(t, http.MethodPost, "/v1/integrations/calendar-feed", tok,
		map[string]string{"url": "ftp://calendar.example.com/feed.ics"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrgPermissionsEndpoints(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")

	w := f.do(t, http.MethodGet, "/v1/org/permissions", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	perms, _ := decodeBody(t, w)["permissions"].(map[string]any)
	assert.Equal(t, "read-write", perms["ats"], "unconfigured orgs default open")

	w = f.do(t, http.MethodPut, "/v1/org/permissions", tok,
		map[string]string{"ats": "read-only", "email": "disabled"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/org/permissions", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	perms, _ = decodeBody(t, w)["permissions"].(map[string]any)
	assert.Equal(t, "read-only", perms["ats"])
	assert.Equal(t, "disabled", perms["email"])

	t.Run("unknown category", func(t *testing.T) {
		w := f.do(t, http.MethodPut, "/v1/org/permissions", tok, map[string]string{"crm": "read-only"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid level", func(t *testing.T) {
		w := f.do(t, http.MethodPut, "/v1/org/permissions", tok, map[string]string{"ats": "full"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("individual account", func(t *testing.T) {
		require.NoError(t, f.store.CreateUser(context.Background(),
			&store.User{ID: "solo", Email: "solo@example.com"}))
		soloTok, err := f.sessions.Issue("solo")
		require.NoError(t, err)

		w := f.do(t, http.MethodGet, "/v1/org/permissions", soloTok, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSetOrgPermissionsMergesStoredPolicy(t *testing.T) {
	f := newServerFixture(t)
	tok := f.seedOrgUser(t, "u1", "org1")

	w := f.do(t, http.MethodPut, "/v1/org/permissions", tok, map[string]string{"ats": "read-only"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPut, "/v1/org/permissions", tok, map[string]string{"email": "disabled"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/org/permissions", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	perms, _ := decodeBody(t, w)["permissions"].(map[string]any)
	assert.Equal(t, "read-only", perms["ats"],
		"categories omitted from a later update keep their stored level")
	assert.Equal(t, "disabled", perms["email"])
}

func TestWriteInvokeErrorMarksRetryable(t *testing.T) {
	s := &Server{logger: slog.Default()}

	w := httptest.NewRecorder()
	s.writeInvokeError(w, &dispatch.ProviderError{
		Type: dispatch.ErrorTypeUnknown, Provider: "greenhouse",
		Operation: "list_candidates", StatusCode: 502, Message: "upstream down",
	})
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["retryable"])

	w = httptest.NewRecorder()
	s.writeInvokeError(w, &dispatch.ProviderError{
		Type: dispatch.ErrorTypeInvalidRequest, Provider: "greenhouse",
		Operation: "list_candidates", StatusCode: 422, Message: "bad shape",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["retryable"])
}
