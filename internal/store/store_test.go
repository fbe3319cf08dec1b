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

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{ID: "u1", Email: "a@example.com", OrgID: "org1"}))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.Equal(t, "org1", u.OrgID)
	assert.Zero(t, u.OnboardingStep)
	assert.False(t, u.CreatedAt.IsZero())
}

func TestGetUserNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetUser(context.Background(), "absent")
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "user", notFound.Resource)
}

func TestUserWithoutOrg(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{ID: "solo", Email: "s@example.com"}))
	u, err := s.GetUser(ctx, "solo")
	require.NoError(t, err)
	assert.Empty(t, u.OrgID)
}

func TestAdvanceOnboardingIsMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &User{ID: "u1", Email: "a@example.com"}))

	require.NoError(t, s.AdvanceOnboarding(ctx, "u1", 2))
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, u.OnboardingStep)

	// A lower step never regresses the counter.
	require.NoError(t, s.AdvanceOnboarding(ctx, "u1", 1))
	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, u.OnboardingStep)

	require.NoError(t, s.AdvanceOnboarding(ctx, "u1", 3))
	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.OnboardingStep)
}

func TestGetIntegrationByID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceIntegration(ctx, &Integration{
		ID: "i1", UserID: "u1", OrgID: "org1", Provider: "greenhouse",
		Status: StatusConnected, TokenRef: "cred-1",
	}))

	rec, err := s.GetIntegrationByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "greenhouse", rec.Provider)

	_, err = s.GetIntegrationByID(ctx, "missing")
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "integration", notFound.Resource)
}

func TestReplaceIntegrationKeepsOneRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := &Integration{
		ID: "i1", UserID: "u1", OrgID: "org1", Provider: "greenhouse",
		Status:   StatusConnected,
		Metadata: map[string]any{MetaEmail: "old@example.com", "customField": "survives-until-replace"},
		TokenRef: "cred-1",
	}
	require.NoError(t, s.ReplaceIntegration(ctx, first))

	second := &Integration{
		ID: "i2", UserID: "u1", OrgID: "org1", Provider: "greenhouse",
		Status:   StatusConnected,
		Metadata: map[string]any{MetaEmail: "new@example.com"},
		TokenRef: "cred-2",
	}
	require.NoError(t, s.ReplaceIntegration(ctx, second))

	records, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "i2", records[0].ID)
	assert.Equal(t, "cred-2", records[0].TokenRef)
	// Replace means replace: stale metadata from the first connect is gone.
	assert.NotContains(t, records[0].Metadata, "customField")
}

func TestIntegrationMetadataPreservesUnknownKeys(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &Integration{
		ID: "i1", UserID: "u1", Provider: "gmail", Status: StatusConnected,
		Metadata: map[string]any{
			MetaEmail:       "a@example.com",
			"vendorField":   "opaque",
			"nested":        map[string]any{"k": "v"},
			MetaAccessLevel: "read-only",
		},
	}
	require.NoError(t, s.ReplaceIntegration(ctx, rec))

	got, err := s.GetIntegration(ctx, "u1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "opaque", got.Metadata["vendorField"])
	assert.Equal(t, map[string]any{"k": "v"}, got.Metadata["nested"])
	assert.Equal(t, "read-only", got.AccessLevel())
}

func TestAccessLevelDefaultsToReadWrite(t *testing.T) {
	assert.Equal(t, "read-write", (&Integration{}).AccessLevel())
	assert.Equal(t, "read-write", (&Integration{Metadata: map[string]any{MetaAccessLevel: "full"}}).AccessLevel())
	assert.Equal(t, "read-only", (&Integration{Metadata: map[string]any{MetaAccessLevel: "read-only"}}).AccessLevel())
}

func TestListUserAndOrgWide(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	own := &Integration{ID: "i1", UserID: "u1", OrgID: "org1", Provider: "gmail", Status: StatusConnected}
	require.NoError(t, s.ReplaceIntegration(ctx, own))

	shared := &Integration{ID: "i2", UserID: "admin", OrgID: "org1", Provider: "greenhouse",
		Status: StatusConnected, OrgWide: true}
	require.NoError(t, s.ReplaceIntegration(ctx, shared))

	private := &Integration{ID: "i3", UserID: "admin", OrgID: "org1", Provider: "lever", Status: StatusConnected}
	require.NoError(t, s.ReplaceIntegration(ctx, private))

	foreign := &Integration{ID: "i4", UserID: "other", OrgID: "org2", Provider: "ashby",
		Status: StatusConnected, OrgWide: true}
	require.NoError(t, s.ReplaceIntegration(ctx, foreign))

	broken := &Integration{ID: "i5", UserID: "u1", OrgID: "org1", Provider: "google-calendar", Status: StatusError}
	require.NoError(t, s.ReplaceIntegration(ctx, broken))

	records, err := s.ListUserAndOrgWide(ctx, "u1", "org1")
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	assert.ElementsMatch(t, []string{"i1", "i2"}, ids,
		"own connected plus same-org org-wide, nothing private, foreign, or errored")
}

func TestListUserAndOrgWideWithoutOrg(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceIntegration(ctx, &Integration{
		ID: "i1", UserID: "solo", Provider: "gmail", Status: StatusConnected}))
	require.NoError(t, s.ReplaceIntegration(ctx, &Integration{
		ID: "i2", UserID: "admin", OrgID: "org1", Provider: "greenhouse",
		Status: StatusConnected, OrgWide: true}))

	records, err := s.ListUserAndOrgWide(ctx, "solo", "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "i1", records[0].ID)
}

func TestSetIntegrationStatusAndTouch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &Integration{ID: "i1", UserID: "u1", Provider: "gmail", Status: StatusConnected}
	require.NoError(t, s.ReplaceIntegration(ctx, rec))

	require.NoError(t, s.SetIntegrationStatus(ctx, "i1", StatusError))
	got, err := s.GetIntegrationByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)

	assert.True(t, got.RefreshedAt.IsZero())
	require.NoError(t, s.TouchRefreshed(ctx, "i1", got.UpdatedAt))
	got, err = s.GetIntegrationByID(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, got.RefreshedAt.IsZero())
}

func TestUpdateMetadataReplacesBlob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &Integration{ID: "i1", UserID: "u1", Provider: "gmail", Status: StatusConnected,
		Metadata: map[string]any{"a": "1"}}
	require.NoError(t, s.ReplaceIntegration(ctx, rec))

	require.NoError(t, s.UpdateMetadata(ctx, "i1", map[string]any{"b": "2"}))
	got, err := s.GetIntegrationByID(ctx, "i1")
	require.NoError(t, err)
	assert.NotContains(t, got.Metadata, "a")
	assert.Equal(t, "2", got.Metadata["b"])
}

func TestDeleteIntegration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &Integration{ID: "i1", UserID: "u1", Provider: "gmail", Status: StatusConnected}
	require.NoError(t, s.ReplaceIntegration(ctx, rec))
	require.NoError(t, s.DeleteIntegration(ctx, "u1", "gmail"))

	_, err := s.GetIntegration(ctx, "u1", "gmail")
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)

	// Deleting an absent record is a no-op, not an error.
	assert.NoError(t, s.DeleteIntegration(ctx, "u1", "gmail"))
}

func TestOrgPermissions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOrganization(ctx, &Organization{ID: "org1", Name: "Acme"}))

	blob, err := s.OrgPermissionsJSON(ctx, "org1")
	require.NoError(t, err)
	assert.Nil(t, blob, "unconfigured org has no policy blob")

	blob, err = s.OrgPermissionsJSON(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, blob, "missing org is treated as unconfigured")

	policy := []byte(`{"ats":"read-only","email":"disabled"}`)
	require.NoError(t, s.SetOrgPermissions(ctx, "org1", policy))

	blob, err = s.OrgPermissionsJSON(ctx, "org1")
	require.NoError(t, err)
	assert.JSONEq(t, string(policy), string(blob))

	err = s.SetOrgPermissions(ctx, "absent", policy)
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDecodeMetadataTolerance(t *testing.T) {
	assert.Equal(t, map[string]any{}, decodeMetadata(""))
	assert.Equal(t, map[string]any{}, decodeMetadata("not json"))
	assert.Equal(t, map[string]any{}, decodeMetadata("null"))
	assert.Equal(t, map[string]any{"k": "v"}, decodeMetadata(`{"k":"v"}`))
}
