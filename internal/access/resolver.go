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
	"log/slog"

	"github.com/kimjune01/skilldex-sub003/internal/store"
)

// IntegrationLister supplies the connected integrations visible to a
// user: their own plus any flagged org-wide. The list may contain
// duplicates; the resolver de-duplicates by id.
type IntegrationLister interface {
	ListUserAndOrgWide(ctx context.Context, userID, orgID string) ([]*store.Integration, error)
}

// PermissionsSource supplies the stored admin policy blob for an
// organization. A nil blob means the organization was never configured.
type PermissionsSource interface {
	OrgPermissionsJSON(ctx context.Context, orgID string) ([]byte, error)
}

// ProviderDirectory answers provider classification questions. The
// manifest registry implements it.
type ProviderDirectory interface {
	// CategoryOf maps a provider name to its category; false for
	// unknown providers.
	CategoryOf(provider string) (Category, bool)

	// IndividualAllowed reports whether a provider counts toward
	// effective access for users without an organization.
	IndividualAllowed(provider string) bool
}

// Resolver computes effective access. It is a pure read: resolution
// never mutates stored state, and malformed stored data degrades to
// safe defaults instead of erroring.
type Resolver struct {
	integrations IntegrationLister
	permissions  PermissionsSource
	providers    ProviderDirectory
	logger       *slog.Logger
}

// NewResolver creates a permission resolver.
func NewResolver(integrations IntegrationLister, permissions PermissionsSource, providers ProviderDirectory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		integrations: integrations,
		permissions:  permissions,
		providers:    providers,
		logger:       logger,
	}
}

// EffectiveAccess computes the per-category access for a user.
//
// For each category:
//
//	effective = min(adminLevel, max over connected integrations of the
//	              user's own preference)
//
// with two absolute rules: a category with zero connected integrations
// is none regardless of any setting, and individual accounts (no
// organization) never get ATS access.
func (r *Resolver) EffectiveAccess(ctx context.Context, userID, orgID string) (EffectiveAccess, error) {
	records, err := r.integrations.ListUserAndOrgWide(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}

	connected := r.groupByCategory(records)

	if orgID == "" {
		return r.resolveIndividual(connected), nil
	}

	raw, err := r.permissions.OrgPermissionsJSON(ctx, orgID)
	if err != nil {
		return nil, err
	}
	perms := ParseOrgPermissions(raw)

	effective := make(EffectiveAccess, len(Categories()))
	for _, category := range Categories() {
		categoryRecords := connected[category]
		if len(categoryRecords) == 0 {
			effective[category] = LevelNone
			continue
		}
		effective[category] = Min(perms[category], highestPreference(categoryRecords))
	}
	return effective, nil
}

// resolveIndividual applies the stricter policy for accounts without an
// organization: ATS is disabled unconditionally, and only allow-listed
// providers count toward the remaining categories.
func (r *Resolver) resolveIndividual(connected map[Category][]*store.Integration) EffectiveAccess {
	effective := make(EffectiveAccess, len(Categories()))
	for _, category := range Categories() {
		if category == CategoryATS {
			effective[category] = LevelDisabled
			continue
		}

		var allowed []*store.Integration
		for _, rec := range connected[category] {
			if r.providers.IndividualAllowed(rec.Provider) {
				allowed = append(allowed, rec)
			}
		}
		if len(allowed) == 0 {
			effective[category] = LevelNone
			continue
		}
		effective[category] = highestPreference(allowed)
	}
	return effective
}

// groupByCategory de-duplicates records by id and buckets them by
// category. A provider that maps to no category is dropped and logged
// as a data-quality signal, never treated as an access grant.
func (r *Resolver) groupByCategory(records []*store.Integration) map[Category][]*store.Integration {
	seen := make(map[string]bool, len(records))
	grouped := make(map[Category][]*store.Integration)
	for _, rec := range records {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true

		category, ok := r.providers.CategoryOf(rec.Provider)
		if !ok {
			r.logger.Warn("integration provider has no category mapping",
				slog.String("provider", rec.Provider),
				slog.String("integration_id", rec.ID))
			continue
		}
		grouped[category] = append(grouped[category], rec)
	}
	return grouped
}

// highestPreference returns the highest user self-restriction among
// connected integrations in one category, short-circuiting once
// read-write is found. A user with two accounts in the same category
// gets the more permissive of their own settings.
func highestPreference(records []*store.Integration) Level {
	highest := LevelReadOnly
	for _, rec := range records {
		level := ParseLevel(rec.AccessLevel(), LevelReadWrite)
		if level == LevelReadWrite {
			return LevelReadWrite
		}
		highest = Max(highest, level)
	}
	return highest
}
