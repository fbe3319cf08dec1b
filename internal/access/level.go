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

// Package access computes the effective access a user has for each
// integration category by intersecting the organization admin policy,
// the user's connection state, and the user's own preference.
package access

import "encoding/json"

// Level is an access level. Levels form a total order
// (none < disabled < read-only < read-write) and intersections are
// computed with Min.
type Level int

const (
	// LevelNone means no integration is connected for the category.
	LevelNone Level = iota
	// LevelDisabled means an admin has switched the category off.
	LevelDisabled
	// LevelReadOnly allows read operations only.
	LevelReadOnly
	// LevelReadWrite allows read, write, and dangerous operations.
	LevelReadWrite
)

// String returns the wire representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDisabled:
		return "disabled"
	case LevelReadOnly:
		return "read-only"
	case LevelReadWrite:
		return "read-write"
	default:
		return "none"
	}
}

// MarshalJSON encodes the level as its wire string.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a wire string, falling back to LevelNone for
// unknown values rather than failing.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*l = LevelNone
		return nil
	}
	*l = ParseLevel(s, LevelNone)
	return nil
}

// ParseLevel parses a wire string into a Level. Unknown or empty input
// yields fallback; stored data is never trusted to be well formed.
func ParseLevel(s string, fallback Level) Level {
	switch s {
	case "none":
		return LevelNone
	case "disabled":
		return LevelDisabled
	case "read-only":
		return LevelReadOnly
	case "read-write":
		return LevelReadWrite
	default:
		return fallback
	}
}

// Min returns the lower of two levels under the total order.
func Min(a, b Level) Level {
	if a < b {
		return a
	}
	return b
}

// Max returns the higher of two levels under the total order.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// AllowsRead reports whether the level permits read operations.
func (l Level) AllowsRead() bool {
	return l == LevelReadOnly || l == LevelReadWrite
}

// AllowsWrite reports whether the level permits write and dangerous operations.
func (l Level) AllowsWrite() bool {
	return l == LevelReadWrite
}

// Category is the unit of permission granularity. Every provider maps
// to exactly one category.
type Category string

const (
	CategoryATS      Category = "ats"
	CategoryEmail    Category = "email"
	CategoryCalendar Category = "calendar"
	CategoryDatabase Category = "database"
)

// Categories returns all categories in a stable order.
func Categories() []Category {
	return []Category{CategoryATS, CategoryEmail, CategoryCalendar, CategoryDatabase}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryATS, CategoryEmail, CategoryCalendar, CategoryDatabase:
		return true
	}
	return false
}

// OrgPermissions holds the admin-set level per category.
type OrgPermissions map[Category]Level

// EffectiveAccess is the computed per-category access for one user.
type EffectiveAccess map[Category]Level

// DefaultOrgPermissions returns the policy applied when an organization
// has never been configured: read-write everywhere.
func DefaultOrgPermissions() OrgPermissions {
	p := make(OrgPermissions, len(Categories()))
	for _, c := range Categories() {
		p[c] = LevelReadWrite
	}
	return p
}

// Encode serializes the policy in the stored JSON shape read back by
// ParseOrgPermissions.
func (p OrgPermissions) Encode() ([]byte, error) {
	out := make(map[string]string, len(p))
	for c, l := range p {
		out[string(c)] = l.String()
	}
	return json.Marshal(out)
}

// ParseOrgPermissions decodes stored admin policy JSON. Malformed JSON,
// unknown categories, and unknown levels all degrade to the default
// rather than surfacing an error; the stored blob is admin-owned data
// that must never take down permission resolution.
func ParseOrgPermissions(raw []byte) OrgPermissions {
	perms := DefaultOrgPermissions()
	if len(raw) == 0 {
		return perms
	}

	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return perms
	}

	for key, value := range decoded {
		c := Category(key)
		if !c.Valid() {
			continue
		}
		perms[c] = ParseLevel(value, LevelReadWrite)
	}
	return perms
}
