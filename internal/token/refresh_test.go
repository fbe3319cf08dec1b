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

package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimjune01/skilldex-sub003/internal/config"
	"github.com/kimjune01/skilldex-sub003/internal/store"
	"github.com/kimjune01/skilldex-sub003/internal/vault"
	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

type memVault struct {
	payloads map[string]map[string]any
	putErr   error
}

func newMemVault() *memVault {
	return &memVault{payloads: make(map[string]map[string]any)}
}

func (v *memVault) Get(_ context.Context, ref string) (map[string]any, error) {
	p, ok := v.payloads[ref]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "credential", ID: ref}
	}
	cp := make(map[string]any, len(p))
	for k, val := range p {
		cp[k] = val
	}
	return cp, nil
}

func (v *memVault) Put(_ context.Context, ref string, payload map[string]any) error {
	if v.putErr != nil {
		return v.putErr
	}
	v.payloads[ref] = payload
	return nil
}

type memStore struct {
	statuses  map[string]store.Status
	refreshed map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		statuses:  make(map[string]store.Status),
		refreshed: make(map[string]time.Time),
	}
}

func (s *memStore) SetIntegrationStatus(_ context.Context, id string, status store.Status) error {
	s.statuses[id] = status
	return nil
}

func (s *memStore) TouchRefreshed(_ context.Context, id string, at time.Time) error {
	s.refreshed[id] = at
	return nil
}

type staticConfigs struct {
	providers map[string]config.OAuthProvider
}

func (c staticConfigs) Provider(name string) (config.OAuthProvider, bool) {
	p, ok := c.providers[name]
	return p, ok
}

func testIntegration(ref string) *store.Integration {
	return &store.Integration{
		ID:       "int-1",
		UserID:   "u1",
		Provider: "gmail",
		Status:   store.StatusConnected,
		TokenRef: ref,
	}
}

func TestIsExpiring(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(nil, nil, nil, nil)
	m.now = func() time.Time { return now }

	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{"zero expiry never expires", time.Time{}, false},
		{"past expiry", now.Add(-time.Hour), true},
		{"inside the window", now.Add(4 * time.Minute), true},
		{"exactly at the boundary is still valid", now.Add(ExpiryWindow + time.Second), false},
		{"well in the future", now.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.IsExpiring(tt.expiry))
		})
	}
}

func TestGetValidTokenFreshTokenPassesThrough(t *testing.T) {
	v := newMemVault()
	v.payloads["ref1"] = map[string]any{
		vault.KeyAccessToken: "fresh-token",
		vault.KeyExpiresAt:   time.Now().Add(time.Hour).Format(time.RFC3339),
	}
	m := NewManager(v, newMemStore(), staticConfigs{}, nil)

	got, err := m.GetValidToken(context.Background(), testIntegration("ref1"))
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", got)
}

func TestGetValidTokenRefreshes(t *testing.T) {
	var sawGrant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		sawGrant = r.Form.Get("grant_type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"renewed","refresh_token":"rt2","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	v := newMemVault()
	v.payloads["ref1"] = map[string]any{
		vault.KeyAccessToken:  "stale",
		vault.KeyRefreshToken: "rt1",
		vault.KeyExpiresAt:    time.Now().Add(time.Minute).Format(time.RFC3339),
		"providerQuirk":       "keep-me",
	}
	st := newMemStore()
	m := NewManager(v, st, staticConfigs{providers: map[string]config.OAuthProvider{
		"gmail": {
			ClientID:     "id",
			ClientSecret: "secret",
			AuthURL:      srv.URL + "/auth",
			TokenURL:     srv.URL + "/token",
		},
	}}, nil)

	got, err := m.GetValidToken(context.Background(), testIntegration("ref1"))
	require.NoError(t, err)
	assert.Equal(t, "renewed", got)
	assert.Equal(t, "refresh_token", sawGrant)

	// Updated payload is persisted with unknown keys preserved.
	saved := v.payloads["ref1"]
	assert.Equal(t, "renewed", saved[vault.KeyAccessToken])
	assert.Equal(t, "rt2", saved[vault.KeyRefreshToken])
	assert.Equal(t, "keep-me", saved["providerQuirk"])
	assert.NotEmpty(t, saved[vault.KeyExpiresAt])

	assert.False(t, st.refreshed["int-1"].IsZero())
	assert.NotContains(t, st.statuses, "int-1")
}

func TestGetValidTokenRefreshFailureMarksError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	v := newMemVault()
	v.payloads["ref1"] = map[string]any{
		vault.KeyAccessToken:  "stale",
		vault.KeyRefreshToken: "rt1",
		vault.KeyExpiresAt:    time.Now().Add(-time.Minute).Format(time.RFC3339),
	}
	st := newMemStore()
	m := NewManager(v, st, staticConfigs{providers: map[string]config.OAuthProvider{
		"gmail": {ClientID: "id", ClientSecret: "s", AuthURL: srv.URL, TokenURL: srv.URL},
	}}, nil)

	_, err := m.GetValidToken(context.Background(), testIntegration("ref1"))
	var authErr *errors.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, store.StatusError, st.statuses["int-1"])
}

func TestGetValidTokenNoRefreshToken(t *testing.T) {
	v := newMemVault()
	v.payloads["ref1"] = map[string]any{
		vault.KeyAccessToken: "stale",
		vault.KeyExpiresAt:   time.Now().Add(-time.Minute).Format(time.RFC3339),
	}
	st := newMemStore()
	m := NewManager(v, st, staticConfigs{}, nil)

	_, err := m.GetValidToken(context.Background(), testIntegration("ref1"))
	var authErr *errors.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, store.StatusError, st.statuses["int-1"])
}

func TestGetValidTokenMissingCredential(t *testing.T) {
	m := NewManager(newMemVault(), newMemStore(), staticConfigs{}, nil)

	_, err := m.GetValidToken(context.Background(), testIntegration(""))
	var authErr *errors.AuthError
	require.ErrorAs(t, err, &authErr)

	_, err = m.GetValidToken(context.Background(), testIntegration("absent"))
	require.ErrorAs(t, err, &authErr)
}

func TestGetValidTokenCorruptExpiryForcesRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"renewed","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	v := newMemVault()
	v.payloads["ref1"] = map[string]any{
		vault.KeyAccessToken:  "stale",
		vault.KeyRefreshToken: "rt1",
		vault.KeyExpiresAt:    "not-a-timestamp",
	}
	m := NewManager(v, newMemStore(), staticConfigs{providers: map[string]config.OAuthProvider{
		"gmail": {ClientID: "id", ClientSecret: "s", AuthURL: srv.URL, TokenURL: srv.URL},
	}}, nil)

	got, err := m.GetValidToken(context.Background(), testIntegration("ref1"))
	require.NoError(t, err)
	assert.Equal(t, "renewed", got)
}
