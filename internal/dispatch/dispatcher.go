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

// Package dispatch turns manifest operations into live HTTP requests:
// it validates parameters against the operation's field descriptors,
// enforces access classification and path blocklists, applies the
// provider's auth scheme and rate limit, and classifies failures.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kimjune01/skilldex-sub003/internal/access"
	"github.com/kimjune01/skilldex-sub003/internal/log"
	"github.com/kimjune01/skilldex-sub003/internal/manifest"
	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 10 * 1024 * 1024
)

// AccessDeniedError is returned when the caller's effective access is
// insufficient for the operation's classification.
type AccessDeniedError struct {
	Provider  string
	Operation string
	Class     manifest.AccessClass
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("operation %s.%s is classified %s and requires read-write access", e.Provider, e.Operation, e.Class)
}

// Invocation is one operation call.
type Invocation struct {
	// OperationID names the manifest operation to run.
	OperationID string

	// Params are the caller-supplied parameters, validated against the
	// operation's field descriptors.
	Params map[string]any

	// Token is the live credential from the capability profile.
	Token string

	// Region selects a base URL; empty means the default region.
	Region string

	// Actor identifies the human the call is performed on behalf of,
	// required by operations that declare an actor header.
	Actor string

	// Access is the caller's effective access for the provider's
	// category. Write and dangerous operations require read-write.
	Access access.Level
}

// Metrics receives dispatch outcomes. The tracing package provides the
// real implementation; the zero value of noopMetrics is used otherwise.
type Metrics interface {
	RecordDispatch(ctx context.Context, provider, operation string, status int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordDispatch(context.Context, string, string, int, time.Duration) {}

// Dispatcher executes manifest operations.
type Dispatcher struct {
	client   *http.Client
	limiters *limiterRegistry
	metrics  Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.client = client }
}

// WithMetrics installs a dispatch metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer installs a tracer; every invocation becomes a client span.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// New creates a dispatcher.
func New(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		client:   &http.Client{Timeout: defaultTimeout},
		limiters: newLimiterRegistry(),
		metrics:  noopMetrics{},
		tracer:   noop.NewTracerProvider().Tracer("dispatch"),
		logger:   log.WithComponent(logger, "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke runs a named operation from the manifest and returns the
// decoded (and optionally transformed) response body.
func (d *Dispatcher) Invoke(ctx context.Context, m *manifest.Manifest, inv Invocation) (any, error) {
	ctx, span := d.tracer.Start(ctx, "invoke "+m.Name+"."+inv.OperationID,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", m.Name),
			attribute.String("operation", inv.OperationID),
		))
	defer span.End()

	result, err := d.invoke(ctx, m, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (d *Dispatcher) invoke(ctx context.Context, m *manifest.Manifest, inv Invocation) (any, error) {
	op, ok := m.Operation(inv.OperationID)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "operation", ID: m.Name + "." + inv.OperationID}
	}

	if op.Access != manifest.AccessRead && !inv.Access.AllowsWrite() {
		return nil, &AccessDeniedError{Provider: m.Name, Operation: op.ID, Class: op.Access}
	}

	pathParams, queryParams, bodyFields, err := resolveParams(op, inv.Params)
	if err != nil {
		return nil, err
	}

	path, err := expandPath(op.Path, pathParams)
	if err != nil {
		return nil, err
	}

	if pattern := matchBlocked(m.BlockedPaths, path); pattern != "" {
		return nil, &ProviderError{
			Type:      ErrorTypeInvalidRequest,
			Provider:  m.Name,
			Operation: op.ID,
			Message:   "path is blocked for this provider",
		}
	}

	if err := d.limiters.wait(ctx, m.Name, m.RateLimit); err != nil {
		return nil, &ProviderError{
			Type:      ErrorTypeTimeout,
			Provider:  m.Name,
			Operation: op.ID,
			Message:   "timed out waiting for rate limit",
			Cause:     err,
		}
	}

	timeout := defaultTimeout
	if op.Timeout > 0 {
		timeout = time.Duration(op.Timeout) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := d.buildRequest(reqCtx, m, op, inv, path, queryParams, bodyFields)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.metrics.RecordDispatch(ctx, m.Name, op.ID, 0, time.Since(start))
		return nil, &ProviderError{
			Type:      classifyTransport(err),
			Provider:  m.Name,
			Operation: op.ID,
			Message:   "request failed",
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	duration := time.Since(start)
	d.metrics.RecordDispatch(ctx, m.Name, op.ID, resp.StatusCode, duration)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		return nil, &ProviderError{
			Type:      ErrorTypeNetwork,
			Provider:  m.Name,
			Operation: op.ID,
			Message:   "failed to read response",
			Cause:     err,
		}
	}

	d.logger.Debug("dispatched operation",
		slog.String(log.ProviderKey, m.Name),
		slog.String(log.OperationKey, op.ID),
		slog.Int("status", resp.StatusCode),
		slog.Duration(log.DurationKey, duration))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Type:       classifyStatus(resp.StatusCode),
			Provider:   m.Name,
			Operation:  op.ID,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 256),
		}
	}

	var data any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			// Some write operations return empty or non-JSON bodies.
			return string(body), nil
		}
	}

	transformed, err := applyTransform(ctx, op.ResponseTransform, data)
	if err != nil {
		d.logger.Warn("response transform failed",
			slog.String(log.ProviderKey, m.Name),
			slog.String(log.OperationKey, op.ID),
			log.Error(err))
		// The transform is a convenience shaping; the raw response is
		// still correct.
		return data, nil
	}
	return transformed, nil
}

// buildRequest assembles the outgoing HTTP request: URL with query,
// JSON body with optional envelope, auth scheme, and actor header.
func (d *Dispatcher) buildRequest(ctx context.Context, m *manifest.Manifest, op manifest.Operation, inv Invocation, path string, query url.Values, bodyFields map[string]any) (*http.Request, error) {
	base, err := m.BaseURL(inv.Region)
	if err != nil {
		return nil, &errors.ValidationError{Field: "region", Message: err.Error()}
	}

	fullURL := strings.TrimSuffix(base, "/") + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if len(bodyFields) > 0 {
		payload := any(bodyFields)
		if op.Envelope != "" {
			payload = map[string]any{op.Envelope: bodyFields}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, fullURL, bodyReader)
	if err != nil {
		return nil, &ProviderError{
			Type:      ErrorTypeInvalidRequest,
			Provider:  m.Name,
			Operation: op.ID,
			Message:   "failed to build request",
			Cause:     err,
		}
	}

	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	switch m.Auth {
	case manifest.AuthBasicToken:
		req.SetBasicAuth(inv.Token, "")
	default:
		req.Header.Set("Authorization", "Bearer "+inv.Token)
	}

	if op.ActorHeader != "" {
		if inv.Actor == "" {
			return nil, &errors.ValidationError{
				Field:      "actor",
				Message:    fmt.Sprintf("operation %s requires an acting user for header %s", op.ID, op.ActorHeader),
				Suggestion: "supply the actor's provider-side user id",
			}
		}
		req.Header.Set(op.ActorHeader, inv.Actor)
	}

	return req, nil
}

// resolveParams validates caller parameters against the operation's
// field descriptors, applies defaults, and splits them by location.
func resolveParams(op manifest.Operation, params map[string]any) (pathParams map[string]string, query url.Values, body map[string]any, err error) {
	pathParams = make(map[string]string)
	query = url.Values{}
	body = make(map[string]any)

	known := make(map[string]bool, len(op.Params))
	for _, field := range op.Params {
		known[field.Name] = true

		value, present := params[field.Name]
		if !present || value == nil {
			if field.Default != nil {
				value = field.Default
			} else if field.Required {
				return nil, nil, nil, &errors.ValidationError{
					Field:   field.Name,
					Message: "required parameter is missing",
				}
			} else {
				continue
			}
		}

		if err := checkFieldValue(field, value); err != nil {
			return nil, nil, nil, err
		}

		switch field.Location() {
		case manifest.InPath:
			pathParams[field.Name] = fmt.Sprintf("%v", value)
		case manifest.InQuery:
			query.Set(field.Name, fmt.Sprintf("%v", value))
		default:
			body[field.Name] = value
		}
	}

	for name := range params {
		if !known[name] {
			return nil, nil, nil, &errors.ValidationError{
				Field:      name,
				Message:    "unknown parameter",
				Suggestion: "check the operation's parameter list",
			}
		}
	}
	return pathParams, query, body, nil
}

// checkFieldValue enforces the descriptor's type and enum constraints.
func checkFieldValue(field manifest.Field, value any) error {
	typeErr := func(want string) error {
		return &errors.ValidationError{
			Field:   field.Name,
			Message: fmt.Sprintf("expected %s, got %T", want, value),
		}
	}

	switch field.Type {
	case "", "string":
		s, ok := value.(string)
		if field.Type == "string" && !ok {
			return typeErr("string")
		}
		if ok && len(field.Enum) > 0 && !contains(field.Enum, s) {
			return &errors.ValidationError{
				Field:      field.Name,
				Message:    fmt.Sprintf("value %q is not allowed", s),
				Suggestion: "one of: " + strings.Join(field.Enum, ", "),
			}
		}
	case "integer":
		switch n := value.(type) {
		case int, int32, int64:
		case float64:
			if n != float64(int64(n)) {
				return typeErr("integer")
			}
		case json.Number:
			if _, err := n.Int64(); err != nil {
				return typeErr("integer")
			}
		default:
			return typeErr("integer")
		}
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64, json.Number:
		default:
			return typeErr("number")
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeErr("boolean")
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return typeErr("object")
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return typeErr("array")
		}
	}
	return nil
}

// expandPath substitutes {param} placeholders. Unresolved placeholders
// are an error, never sent upstream literally.
func expandPath(template string, pathParams map[string]string) (string, error) {
	path := template
	for name, value := range pathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	if i := strings.IndexByte(path, '{'); i >= 0 {
		return "", &errors.ValidationError{
			Field:   "path",
			Message: fmt.Sprintf("unresolved path placeholder in %q", path),
		}
	}
	return path, nil
}

// matchBlocked returns the first blocklist pattern the path matches,
// or "" when the path is allowed.
func matchBlocked(patterns []string, path string) string {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return pattern
		}
	}
	return ""
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
