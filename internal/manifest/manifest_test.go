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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimjune01/skilldex-sub003/internal/access"
)

func validManifest() *Manifest {
	return &Manifest{
		Version:  "1",
		Name:     "testprov",
		Category: access.CategoryATS,
		Auth:     AuthBearer,
		BaseURLs: map[string]string{
			"default": "https://api.example.com/v1",
			"eu":      "https://api.eu.example.com/v1",
		},
		Operations: map[string]Operation{
			"list_things": {
				ID:     "list_things",
				Method: "GET",
				Path:   "/things",
				Access: AccessRead,
			},
		},
	}
}

func TestManifestValidate(t *testing.T) {
	require.NoError(t, validManifest().Validate())

	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(m *Manifest) { m.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "bad category",
			mutate:  func(m *Manifest) { m.Category = "crm" },
			wantErr: "invalid category",
		},
		{
			name:    "bad auth scheme",
			mutate:  func(m *Manifest) { m.Auth = "api-key" },
			wantErr: "invalid auth scheme",
		},
		{
			name:    "no default base URL",
			mutate:  func(m *Manifest) { delete(m.BaseURLs, "default") },
			wantErr: "base_urls.default is required",
		},
		{
			name:    "non-http base URL",
			mutate:  func(m *Manifest) { m.BaseURLs["default"] = "ftp://files.example.com" },
			wantErr: "must start with http",
		},
		{
			name:    "zero rate limit window",
			mutate:  func(m *Manifest) { m.RateLimit = &RateLimit{Requests: 50} },
			wantErr: "rate_limit",
		},
		{
			name:    "no operations",
			mutate:  func(m *Manifest) { m.Operations = nil },
			wantErr: "at least one operation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr string
	}{
		{
			name:    "bad method",
			op:      Operation{Method: "FETCH", Path: "/x", Access: AccessRead},
			wantErr: "invalid method",
		},
		{
			name:    "missing path",
			op:      Operation{Method: "GET", Access: AccessRead},
			wantErr: "path is required",
		},
		{
			name:    "bad access class",
			op:      Operation{Method: "GET", Path: "/x", Access: "readonly"},
			wantErr: "invalid access class",
		},
		{
			name:    "negative timeout",
			op:      Operation{Method: "GET", Path: "/x", Access: AccessRead, Timeout: -1},
			wantErr: "timeout must be non-negative",
		},
		{
			name: "duplicate param",
			op: Operation{Method: "GET", Path: "/x", Access: AccessRead,
				Params: []Field{{Name: "id"}, {Name: "id"}}},
			wantErr: `duplicate param "id"`,
		},
		{
			name: "bad param location",
			op: Operation{Method: "GET", Path: "/x", Access: AccessRead,
				Params: []Field{{Name: "id", In: "header"}}},
			wantErr: "invalid location",
		},
		{
			name: "bad param type",
			op: Operation{Method: "GET", Path: "/x", Access: AccessRead,
				Params: []Field{{Name: "id", Type: "uuid"}}},
			wantErr: "invalid type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBaseURL(t *testing.T) {
	m := validManifest()

	base, err := m.BaseURL("")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1", base)

	base, err = m.BaseURL("eu")
	require.NoError(t, err)
	assert.Equal(t, "https://api.eu.example.com/v1", base)

	_, err = m.BaseURL("apac")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no base URL for region "apac"`)
}

func TestFieldLocationDefaultsToBody(t *testing.T) {
	assert.Equal(t, InBody, (&Field{Name: "x"}).Location())
	assert.Equal(t, InQuery, (&Field{Name: "x", In: InQuery}).Location())
}

func TestCategoryOf(t *testing.T) {
	cat, ok := CategoryOf(ProviderGreenhouse)
	require.True(t, ok)
	assert.Equal(t, access.CategoryATS, cat)

	cat, ok = CategoryOf(ProviderGmail)
	require.True(t, ok)
	assert.Equal(t, access.CategoryEmail, cat)

	_, ok = CategoryOf("hubspot")
	assert.False(t, ok)
}

func TestIndividualAllowed(t *testing.T) {
	assert.True(t, IndividualAllowed(ProviderGmail))
	assert.True(t, IndividualAllowed(ProviderGoogleCalendar))
	assert.True(t, IndividualAllowed(ProviderGoogleSheets))
	assert.False(t, IndividualAllowed(ProviderGreenhouse))
	assert.False(t, IndividualAllowed(ProviderAshby))
	assert.False(t, IndividualAllowed("hubspot"))
}
