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

package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimjune01/skilldex-sub003/internal/store"
)

type fakeLister struct {
	records []*store.Integration
	err     error
}

func (f *fakeLister) ListUserAndOrgWide(context.Context, string, string) ([]*store.Integration, error) {
	return f.records, f.err
}

type fakePermissions struct {
	raw []byte
	err error
}

func (f *fakePermissions) OrgPermissionsJSON(context.Context, string) ([]byte, error) {
	return f.raw, f.err
}

// fakeDirectory mirrors the production provider tables for the
// providers the tests use.
type fakeDirectory struct{}

func (fakeDirectory) CategoryOf(provider string) (Category, bool) {
	switch provider {
	case "greenhouse", "lever":
		return CategoryATS, true
	case "gmail":
		return CategoryEmail, true
	case "google-calendar":
		return CategoryCalendar, true
	case "google-sheets":
		return CategoryDatabase, true
	}
	return "", false
}

func (fakeDirectory) IndividualAllowed(provider string) bool {
	switch provider {
	case "gmail", "google-calendar", "google-sheets":
		return true
	}
	return false
}

func connected(id, provider, level string) *store.Integration {
	rec := &store.Integration{
		ID:       id,
		Provider: provider,
		Status:   store.StatusConnected,
		Metadata: map[string]any{},
	}
	if level != "" {
		rec.Metadata[store.MetaAccessLevel] = level
	}
	return rec
}

func newTestResolver(records []*store.Integration, permsJSON string) *Resolver {
	return NewResolver(
		&fakeLister{records: records},
		&fakePermissions{raw: []byte(permsJSON)},
		fakeDirectory{},
		nil,
	)
}

func TestEffectiveAccessMinRule(t *testing.T) {
	tests := []struct {
		name  string
		admin string
		user  string
		want  Level
	}{
		{"admin read-only caps user read-write", "read-only", "read-write", LevelReadOnly},
		{"admin read-write keeps user read-only", "read-write", "read-only", LevelReadOnly},
		{"admin disabled wins over connected user", "disabled", "read-write", LevelDisabled},
		{"both read-write", "read-write", "read-write", LevelReadWrite},
		{"admin none wins", "none", "read-write", LevelNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(
				[]*store.Integration{connected("i1", "gmail", tt.user)},
				`{"email":"`+tt.admin+`"}`,
			)
			effective, err := r.EffectiveAccess(context.Background(), "u1", "org1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, effective[CategoryEmail])
		})
	}
}

func TestEffectiveAccessZeroConnectedIsNone(t *testing.T) {
	// Admin allows read-write for ATS but nothing is connected.
	r := newTestResolver(nil, `{"ats":"read-write"}`)
	effective, err := r.EffectiveAccess(context.Background(), "u1", "org1")
	require.NoError(t, err)
	for _, c := range Categories() {
		assert.Equal(t, LevelNone, effective[c], "category %s", c)
	}
}

func TestEffectiveAccessHighestPreferenceWins(t *testing.T) {
	// Two email accounts with different self-restrictions: the more
	// permissive one counts.
	r := newTestResolver([]*store.Integration{
		connected("i1", "gmail", "read-only"),
		connected("i2", "gmail", "read-write"),
	}, `{}`)
	effective, err := r.EffectiveAccess(context.Background(), "u1", "org1")
	require.NoError(t, err)
	assert.Equal(t, LevelReadWrite, effective[CategoryEmail])
}

func TestEffectiveAccessAbsentPreferenceDefaultsReadWrite(t *testing.T) {
	r := newTestResolver([]*store.Integration{connected("i1", "gmail", "")}, `{}`)
	effective, err := r.EffectiveAccess(context.Background(), "u1", "org1")
	require.NoError(t, err)
	assert.Equal(t, LevelReadWrite, effective[CategoryEmail])
}

func TestEffectiveAccessDeduplicatesByID(t *testing.T) {
	// The same org-wide record can come back twice; it must count once.
	rec := connected("i1", "gmail", "read-only")
	r := newTestResolver([]*store.Integration{rec, rec}, `{}`)
	effective, err := r.EffectiveAccess(context.Background(), "u1", "org1")
	require.NoError(t, err)
	assert.Equal(t, LevelReadOnly, effective[CategoryEmail])
}

func TestEffectiveAccessUnknownProviderDropped(t *testing.T) {
	r := newTestResolver([]*store.Integration{connected("i1", "fax-machine", "read-write")}, `{}`)
	effective, err := r.EffectiveAccess(context.Background(), "u1", "org1")
	require.NoError(t, err)
	for _, c := range Categories() {
		assert.Equal(t, LevelNone, effective[c])
	}
}

func TestEffectiveAccessMalformedPermissionsDefault(t *testing.T) {
	r := newTestResolver([]*store.Integration{connected("i1", "gmail", "read-write")}, `{"email": not json`)
	effective, err := r.EffectiveAccess(context.Background(), "u1", "org1")
	require.NoError(t, err)
	assert.Equal(t, LevelReadWrite, effective[CategoryEmail])
}

func TestEffectiveAccessIdempotent(t *testing.T) {
	r := newTestResolver([]*store.Integration{
		connected("i1", "greenhouse", "read-only"),
		connected("i2", "gmail", "read-write"),
	}, `{"ats":"read-write","email":"read-only"}`)

	first, err := r.EffectiveAccess(context.Background(), "u1", "org1")
	require.NoError(t, err)
	second, err := r.EffectiveAccess(context.Background(), "u1", "org1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEffectiveAccessIndividualAccounts(t *testing.T) {
	t.Run("ats always disabled", func(t *testing.T) {
		r := newTestResolver([]*store.Integration{connected("i1", "greenhouse", "read-write")}, ``)
		effective, err := r.EffectiveAccess(context.Background(), "u1", "")
		require.NoError(t, err)
		assert.Equal(t, LevelDisabled, effective[CategoryATS])
	})

	t.Run("allow-listed providers count", func(t *testing.T) {
		r := newTestResolver([]*store.Integration{
			connected("i1", "gmail", "read-only"),
			connected("i2", "google-sheets", ""),
		}, ``)
		effective, err := r.EffectiveAccess(context.Background(), "u1", "")
		require.NoError(t, err)
		assert.Equal(t, LevelReadOnly, effective[CategoryEmail])
		assert.Equal(t, LevelReadWrite, effective[CategoryDatabase])
		assert.Equal(t, LevelNone, effective[CategoryCalendar])
	})

	t.Run("disconnected categories are none", func(t *testing.T) {
		r := newTestResolver(nil, ``)
		effective, err := r.EffectiveAccess(context.Background(), "u1", "")
		require.NoError(t, err)
		assert.Equal(t, LevelNone, effective[CategoryEmail])
		assert.Equal(t, LevelDisabled, effective[CategoryATS])
	})
}
