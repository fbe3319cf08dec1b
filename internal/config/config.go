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

// Package config loads and validates the broker configuration. All
// runtime state (environment flag, database handle, provider
// credentials) is carried in an explicit Config owned by the process
// entry point; there are no package-level globals.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

// Environment is the deployment mode.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// OAuthProvider holds the OAuth client registration for one consent
// flow. Secrets may reference environment variables with ${VAR} syntax.
type OAuthProvider struct {
	// ClientID is the OAuth2 client identifier.
	ClientID string `yaml:"client_id"`

	// ClientSecret is the OAuth2 client secret.
	ClientSecret string `yaml:"client_secret"`

	// AuthURL is the provider's authorization endpoint.
	AuthURL string `yaml:"auth_url"`

	// TokenURL is the provider's token endpoint.
	TokenURL string `yaml:"token_url"`

	// UserinfoURL, when set, is fetched after token exchange to label
	// the connection with the account email.
	UserinfoURL string `yaml:"userinfo_url,omitempty"`

	// Scopes is the scope bundle requested at consent time.
	Scopes []string `yaml:"scopes,omitempty"`
}

// Configured reports whether the client registration is usable.
func (p OAuthProvider) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.AuthURL != "" && p.TokenURL != ""
}

// Config is the full broker configuration.
type Config struct {
	// Environment selects development or production behavior.
	Environment Environment `yaml:"environment"`

	// ListenAddr is the HTTP listen address (default "127.0.0.1:8420").
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable base URL used to build
	// OAuth redirect URIs.
	PublicBaseURL string `yaml:"public_base_url"`

	// WebBaseURL is the web application base URL used for post-flow
	// success and error redirects.
	WebBaseURL string `yaml:"web_base_url"`

	// StateSigningSecret signs OAuth state tokens (HS256).
	StateSigningSecret string `yaml:"state_signing_secret"`

	// SessionSecret verifies session bearer tokens issued by the
	// platform's auth service.
	SessionSecret string `yaml:"session_secret"`

	// VaultKey is the base64-encoded 32-byte key sealing stored
	// credentials at rest.
	VaultKey string `yaml:"vault_key"`

	// DatabasePath is the SQLite database file path.
	DatabasePath string `yaml:"database_path"`

	// ManifestOverlayDir optionally overrides bundled provider
	// manifests from a watched directory.
	ManifestOverlayDir string `yaml:"manifest_overlay_dir,omitempty"`

	// Providers maps OAuth flow names (ashby, greenhouse, lever,
	// google, sandbox) to client registrations.
	Providers map[string]OAuthProvider `yaml:"providers"`
}

// Default returns a development-mode configuration.
func Default() *Config {
	return &Config{
		Environment:  EnvDevelopment,
		ListenAddr:   "127.0.0.1:8420",
		WebBaseURL:   "http://localhost:3000",
		DatabasePath: "skilldex.db",
		Providers:    map[string]OAuthProvider{},
	}
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// and applies environment overrides. An empty path yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "cannot read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "cannot parse config file", Cause: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.expandSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies SKILLDEX_* environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("SKILLDEX_ENV"); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := os.Getenv("SKILLDEX_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SKILLDEX_PUBLIC_BASE_URL"); v != "" {
		c.PublicBaseURL = v
	}
	if v := os.Getenv("SKILLDEX_WEB_BASE_URL"); v != "" {
		c.WebBaseURL = v
	}
	if v := os.Getenv("SKILLDEX_STATE_SECRET"); v != "" {
		c.StateSigningSecret = v
	}
	if v := os.Getenv("SKILLDEX_SESSION_SECRET"); v != "" {
		c.SessionSecret = v
	}
	if v := os.Getenv("SKILLDEX_VAULT_KEY"); v != "" {
		c.VaultKey = v
	}
	if v := os.Getenv("SKILLDEX_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("SKILLDEX_MANIFEST_DIR"); v != "" {
		c.ManifestOverlayDir = v
	}
}

// expandSecrets expands ${VAR} references in secret-bearing fields.
func (c *Config) expandSecrets() error {
	fields := []*string{&c.StateSigningSecret, &c.SessionSecret, &c.VaultKey}
	for _, f := range fields {
		expanded, err := expandEnvVar(*f)
		if err != nil {
			return &errors.ConfigError{Key: "secrets", Reason: err.Error()}
		}
		*f = expanded
	}
	for name, p := range c.Providers {
		var err error
		if p.ClientID, err = expandEnvVar(p.ClientID); err != nil {
			return &errors.ConfigError{Key: "providers." + name + ".client_id", Reason: err.Error()}
		}
		if p.ClientSecret, err = expandEnvVar(p.ClientSecret); err != nil {
			return &errors.ConfigError{Key: "providers." + name + ".client_secret", Reason: err.Error()}
		}
		c.Providers[name] = p
	}
	return nil
}

// Validate checks the configuration is deployable.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return &errors.ConfigError{Key: "environment",
			Reason: fmt.Sprintf("must be development or production, got %q", c.Environment)}
	}
	if c.ListenAddr == "" {
		return &errors.ConfigError{Key: "listen_addr", Reason: "listen address is required"}
	}
	if c.DatabasePath == "" {
		return &errors.ConfigError{Key: "database_path", Reason: "database path is required"}
	}
	if c.IsProduction() {
		if c.StateSigningSecret == "" {
			return &errors.ConfigError{Key: "state_signing_secret", Reason: "required in production"}
		}
		if c.SessionSecret == "" {
			return &errors.ConfigError{Key: "session_secret", Reason: "required in production"}
		}
		if c.VaultKey == "" {
			return &errors.ConfigError{Key: "vault_key", Reason: "required in production"}
		}
		if c.PublicBaseURL == "" {
			return &errors.ConfigError{Key: "public_base_url", Reason: "required in production"}
		}
	}
	return nil
}

// IsProduction reports whether the deployment is in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Provider returns the OAuth client registration for a flow name.
func (c *Config) Provider(name string) (OAuthProvider, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// validEnvVarName matches valid environment variable names (alphanumeric + underscore).
var validEnvVarName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// expandEnvVar expands environment variable references in the form ${VAR_NAME}.
// If the value doesn't contain ${...}, it's returned as-is.
// Returns error if variable name is invalid or variable is not found.
func expandEnvVar(value string) (string, error) {
	if value == "" {
		return "", nil
	}

	if !strings.Contains(value, "${") {
		return value, nil
	}

	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}

		end := strings.Index(result[start:], "}")
		if end == -1 {
			return "", fmt.Errorf("malformed environment variable reference: unclosed ${")
		}
		end += start

		varName := result[start+2 : end]

		if !validEnvVarName.MatchString(varName) {
			return "", fmt.Errorf("invalid environment variable name: %q (must be alphanumeric with underscores)", varName)
		}

		varValue, exists := os.LookupEnv(varName)
		if !exists {
			return "", fmt.Errorf("environment variable %q not found", varName)
		}

		result = result[:start] + varValue + result[end+1:]
	}

	return result, nil
}
