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

// Package manifest holds the static, declarative descriptions of
// third-party provider APIs: base URLs per region, auth scheme, rate
// limits, path blocklist, and named operations. Manifests are data,
// never mutated at runtime; the dispatch package turns them into live
// HTTP requests.
package manifest

import (
	"fmt"
	"strings"

	"github.com/kimjune01/skilldex-sub003/internal/access"
)

// AuthScheme selects how the dispatcher attaches the credential.
type AuthScheme string

const (
	// AuthBearer sends the token as "Authorization: Bearer <token>".
	AuthBearer AuthScheme = "bearer"
	// AuthBasicToken sends HTTP basic auth with the token as username
	// and an empty password. Ashby and Greenhouse authenticate this way.
	AuthBasicToken AuthScheme = "basic-token"
)

// AccessClass classifies an operation for permission enforcement.
type AccessClass string

const (
	AccessRead      AccessClass = "read"
	AccessWrite     AccessClass = "write"
	AccessDangerous AccessClass = "dangerous"
)

// ParamLocation says where a field is placed in the request.
type ParamLocation string

const (
	InPath  ParamLocation = "path"
	InQuery ParamLocation = "query"
	InBody  ParamLocation = "body"
)

// Field describes one typed operation parameter or body field.
type Field struct {
	// Name is the parameter name as sent on the wire.
	Name string `yaml:"name"`

	// In is where the field goes (path, query, body). Default: body.
	In ParamLocation `yaml:"in,omitempty"`

	// Type is the expected value type (string, integer, number, boolean, object, array).
	Type string `yaml:"type,omitempty"`

	// Required marks the field as mandatory.
	Required bool `yaml:"required,omitempty"`

	// Default is applied when the caller omits the field.
	Default any `yaml:"default,omitempty"`

	// Enum restricts string values to a fixed set.
	Enum []string `yaml:"enum,omitempty"`
}

// Operation defines a single named operation within a manifest.
type Operation struct {
	// ID is inferred from the map key in the manifest file.
	ID string `yaml:"-"`

	// Method is the HTTP method (GET, POST, PUT, PATCH, DELETE).
	Method string `yaml:"method"`

	// Path is the URL path template with {param} placeholders.
	Path string `yaml:"path"`

	// Access classifies the operation (read, write, dangerous).
	Access AccessClass `yaml:"access"`

	// Params are the typed field descriptors for this operation.
	Params []Field `yaml:"params,omitempty"`

	// Envelope, when set, wraps the request body in a single-key
	// object: {"<envelope>": {...body fields...}}.
	Envelope string `yaml:"envelope,omitempty"`

	// ActorHeader, when set, names a header that must carry the id of
	// the human the request is performed on behalf of.
	ActorHeader string `yaml:"actor_header,omitempty"`

	// ResponseTransform is an optional jq expression applied to the
	// response body.
	ResponseTransform string `yaml:"response_transform,omitempty"`

	// Timeout is the operation-specific timeout in seconds.
	Timeout int `yaml:"timeout,omitempty"`
}

// RateLimit declares the provider's documented request budget.
// Enforcement happens in the dispatch layer.
type RateLimit struct {
	// Requests is the number of requests allowed per window.
	Requests int `yaml:"requests"`

	// WindowSeconds is the window length in seconds.
	WindowSeconds int `yaml:"window_seconds"`
}

// Manifest is the full declarative description of one provider API.
type Manifest struct {
	// Version is the manifest schema version.
	Version string `yaml:"version"`

	// Name is the provider name (also the registry key).
	Name string `yaml:"name"`

	// Category is the integration category this provider belongs to.
	Category access.Category `yaml:"category"`

	// Auth is the authentication scheme for all operations.
	Auth AuthScheme `yaml:"auth"`

	// BaseURLs maps region identifiers to API base URLs. The "default"
	// region is required.
	BaseURLs map[string]string `yaml:"base_urls"`

	// RateLimit is the declared request budget, if any.
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`

	// BlockedPaths are glob patterns of resolved paths that must never
	// be requested, even when a caller constructs them manually.
	BlockedPaths []string `yaml:"blocked_paths,omitempty"`

	// Operations are the named operations, keyed by operation id.
	Operations map[string]Operation `yaml:"operations"`
}

// BaseURL resolves the base URL for a region. An empty region selects
// the default; an unknown region is an error, never a silent fallback.
func (m *Manifest) BaseURL(region string) (string, error) {
	if region == "" {
		region = "default"
	}
	base, ok := m.BaseURLs[region]
	if !ok {
		return "", fmt.Errorf("manifest %s has no base URL for region %q", m.Name, region)
	}
	return base, nil
}

// Operation returns the named operation.
func (m *Manifest) Operation(id string) (Operation, bool) {
	op, ok := m.Operations[id]
	return op, ok
}

// Validate checks the manifest is internally consistent.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if !m.Category.Valid() {
		return fmt.Errorf("manifest %s: invalid category %q", m.Name, m.Category)
	}
	switch m.Auth {
	case AuthBearer, AuthBasicToken:
	default:
		return fmt.Errorf("manifest %s: invalid auth scheme %q", m.Name, m.Auth)
	}
	if _, ok := m.BaseURLs["default"]; !ok {
		return fmt.Errorf("manifest %s: base_urls.default is required", m.Name)
	}
	for region, base := range m.BaseURLs {
		if !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
			return fmt.Errorf("manifest %s: base URL for region %q must start with http:// or https://", m.Name, region)
		}
	}
	if m.RateLimit != nil {
		if m.RateLimit.Requests <= 0 || m.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("manifest %s: rate_limit requires positive requests and window_seconds", m.Name)
		}
	}
	if len(m.Operations) == 0 {
		return fmt.Errorf("manifest %s: at least one operation is required", m.Name)
	}
	for id, op := range m.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("manifest %s: operation %s: %w", m.Name, id, err)
		}
	}
	return nil
}

// Validate checks a single operation definition.
func (o *Operation) Validate() error {
	validMethods := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
	}
	if !validMethods[o.Method] {
		return fmt.Errorf("invalid method: %s (must be GET, POST, PUT, PATCH, or DELETE)", o.Method)
	}
	if o.Path == "" {
		return fmt.Errorf("path is required")
	}
	switch o.Access {
	case AccessRead, AccessWrite, AccessDangerous:
	default:
		return fmt.Errorf("invalid access class %q", o.Access)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	seen := make(map[string]bool, len(o.Params))
	for _, f := range o.Params {
		if f.Name == "" {
			return fmt.Errorf("param name is required")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate param %q", f.Name)
		}
		seen[f.Name] = true
		switch f.In {
		case "", InPath, InQuery, InBody:
		default:
			return fmt.Errorf("param %q: invalid location %q", f.Name, f.In)
		}
		switch f.Type {
		case "", "string", "integer", "number", "boolean", "object", "array":
		default:
			return fmt.Errorf("param %q: invalid type %q", f.Name, f.Type)
		}
	}
	return nil
}

// Location returns the field location, defaulting to the body.
func (f *Field) Location() ParamLocation {
	if f.In == "" {
		return InBody
	}
	return f.In
}
