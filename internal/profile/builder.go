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

// Package profile assembles the per-request capability profile: the
// effective access map plus a live credential for every category the
// user may read. Profiles are ephemeral; nothing here is persisted.
package profile

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kimjune01/skilldex-sub003/internal/access"
	"github.com/kimjune01/skilldex-sub003/internal/config"
	"github.com/kimjune01/skilldex-sub003/internal/log"
	"github.com/kimjune01/skilldex-sub003/internal/manifest"
	"github.com/kimjune01/skilldex-sub003/internal/store"
	"github.com/kimjune01/skilldex-sub003/internal/token"
)

// sandboxToken is the fixed placeholder handed out for the
// development-only pseudo-provider.
const sandboxToken = "sandbox-dev-token"

// Credential is one category's slot in a capability profile: the
// provider identity, a token valid for at least the refresh window,
// and category-specific shaping.
type Credential struct {
	IntegrationID string
	Provider      string
	SubProvider   string

	// AccessToken is empty for sub-providers that need no token, such
	// as ICS feed calendars.
	AccessToken string

	Email         string
	SpreadsheetID string
	CalendarURL   string
}

// Profile is the request-scoped capability bundle handed to skill
// execution. Discard it when the request ends.
type Profile struct {
	UserID string
	OrgID  string
	Access access.EffectiveAccess

	// Credentials holds one entry per category with read access and at
	// least one usable integration. A category present in Access but
	// absent here failed credential assembly or has nothing connected.
	Credentials map[access.Category]*Credential
}

// Builder assembles capability profiles.
type Builder struct {
	cfg      *config.Config
	store    *store.Store
	resolver *access.Resolver
	tokens   *token.Manager
	logger   *slog.Logger
}

// NewBuilder creates a profile builder.
func NewBuilder(cfg *config.Config, st *store.Store, resolver *access.Resolver, tokens *token.Manager, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		tokens:   tokens,
		logger:   log.WithComponent(logger, "profile"),
	}
}

// Build assembles the capability profile for a user. Token fetches for
// different categories run concurrently; any single category's failure
// is logged and leaves that category out without failing the build.
func (b *Builder) Build(ctx context.Context, userID string) (*Profile, error) {
	user, err := b.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	effective, err := b.resolver.EffectiveAccess(ctx, user.ID, user.OrgID)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		UserID:      user.ID,
		OrgID:       user.OrgID,
		Access:      effective,
		Credentials: make(map[access.Category]*Credential),
	}

	// Credential assembly needs org-scoped admin policy; individual
	// accounts get the access map only.
	if user.OrgID == "" {
		return p, nil
	}

	records, err := b.store.ListUserAndOrgWide(ctx, user.ID, user.OrgID)
	if err != nil {
		return nil, err
	}
	picked := pickByCategory(records)
	logger := log.WithUser(b.logger, user.ID, user.OrgID)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, category := range access.Categories() {
		if !effective[category].AllowsRead() {
			continue
		}
		rec, ok := picked[category]
		if !ok {
			continue
		}

		g.Go(func() error {
			cred := b.buildCredential(gctx, logger, rec)
			if cred == nil {
				return nil
			}
			mu.Lock()
			p.Credentials[category] = cred
			mu.Unlock()
			return nil
		})
	}
	// The workers never return errors; failures are absorbed per
	// category above.
	_ = g.Wait()

	return p, nil
}

// buildCredential turns one integration record into a profile slot,
// or nil when the category must be skipped.
func (b *Builder) buildCredential(ctx context.Context, logger *slog.Logger, rec *store.Integration) *Credential {
	cred := &Credential{
		IntegrationID: rec.ID,
		Provider:      rec.Provider,
		SubProvider:   rec.SubProvider(),
		Email:         rec.MetaString(store.MetaEmail),
		SpreadsheetID: rec.MetaString(store.MetaSpreadsheet),
		CalendarURL:   rec.MetaString(store.MetaCalendarURL),
	}

	switch {
	case rec.Provider == manifest.ProviderSandbox:
		if b.cfg.IsProduction() {
			// The sandbox pseudo-provider must be unreachable in
			// production. This is a deployment invariant violation,
			// not a user condition.
			logger.Error("sandbox integration reached in production",
				slog.String(log.IntegrationIDKey, rec.ID))
			return nil
		}
		cred.AccessToken = sandboxToken

	case rec.SubProvider() == manifest.SubProviderICSFeed:
		// Direct feed URL, no token involved.

	default:
		accessToken, err := b.tokens.GetValidToken(ctx, rec)
		if err != nil {
			logger.Warn("skipping category after token failure",
				slog.String(log.ProviderKey, rec.Provider),
				slog.String(log.IntegrationIDKey, rec.ID),
				log.Error(err))
			return nil
		}
		cred.AccessToken = accessToken
	}

	return cred
}

// pickByCategory selects one representative integration per category:
// the first connected record in registration order, de-duplicated by
// id. The store already returns records ordered by creation time.
func pickByCategory(records []*store.Integration) map[access.Category]*store.Integration {
	seen := make(map[string]bool, len(records))
	picked := make(map[access.Category]*store.Integration)
	for _, rec := range records {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true

		category, ok := manifest.CategoryOf(rec.Provider)
		if !ok {
			continue
		}
		if _, exists := picked[category]; !exists {
			picked[category] = rec
		}
	}
	return picked
}
