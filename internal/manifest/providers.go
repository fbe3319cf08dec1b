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

package manifest

import "github.com/kimjune01/skilldex-sub003/internal/access"

// Provider names form a closed set. Dispatch over a provider name is a
// table lookup with an explicit unsupported-provider error path, never
// a silent fallback.
const (
	ProviderAshby          = "ashby"
	ProviderGreenhouse     = "greenhouse"
	ProviderLever          = "lever"
	ProviderGmail          = "gmail"
	ProviderGoogleCalendar = "google-calendar"
	ProviderGoogleSheets   = "google-sheets"

	// ProviderSandbox is the development-only pseudo-provider. It
	// bypasses token fetching entirely and must never be reachable in
	// production.
	ProviderSandbox = "sandbox"
)

// SubProviderICSFeed marks calendar integrations backed by a direct
// ICS feed URL; these need no OAuth token at all.
const SubProviderICSFeed = "ics-url"

// categoryByProvider maps each supported provider to its category.
var categoryByProvider = map[string]access.Category{
	ProviderAshby:          access.CategoryATS,
	ProviderGreenhouse:     access.CategoryATS,
	ProviderLever:          access.CategoryATS,
	ProviderGmail:          access.CategoryEmail,
	ProviderGoogleCalendar: access.CategoryCalendar,
	ProviderGoogleSheets:   access.CategoryDatabase,
	ProviderSandbox:        access.CategoryATS,
}

// individualAccountProviders are the only providers that count toward
// effective access for users without an organization. ATS providers are
// deliberately absent: ATS access is disabled outright for individuals.
var individualAccountProviders = map[string]bool{
	ProviderGmail:          true,
	ProviderGoogleCalendar: true,
	ProviderGoogleSheets:   true,
}

// CategoryOf maps a provider name to its category. Unknown providers
// return false; callers drop them and log a data-quality warning.
func CategoryOf(provider string) (access.Category, bool) {
	c, ok := categoryByProvider[provider]
	return c, ok
}

// IndividualAllowed reports whether a provider counts for users that
// have no organization.
func IndividualAllowed(provider string) bool {
	return individualAccountProviders[provider]
}

// Supported reports whether a provider name belongs to the closed set.
func Supported(provider string) bool {
	_, ok := categoryByProvider[provider]
	return ok
}

// Directory adapts the provider tables to the access resolver's
// directory interface.
type Directory struct{}

func (Directory) CategoryOf(provider string) (access.Category, bool) {
	return CategoryOf(provider)
}

func (Directory) IndividualAllowed(provider string) bool {
	return IndividualAllowed(provider)
}
