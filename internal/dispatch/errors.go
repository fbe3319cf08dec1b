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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorType classifies provider call failures for routing and retry
// decisions.
type ErrorType string

const (
	// ErrorTypeNetwork indicates connection or DNS failure.
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeTimeout indicates the request deadline was exceeded.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeAuth indicates the credential was rejected (401, 403).
	ErrorTypeAuth ErrorType = "auth"

	// ErrorTypeRateLimit indicates 429 Too Many Requests.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNotFound indicates the target resource does not exist.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInvalidRequest indicates the provider rejected the
	// request shape (other 4xx).
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeUnknown covers everything else, including 5xx.
	ErrorTypeUnknown ErrorType = "unknown"
)

// ProviderError is a classified failure from a provider call. Message
// is redacted and safe to log or return; Cause may hold sensitive
// detail and stays internal.
type ProviderError struct {
	Type       ErrorType
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s error (status %d): %s", e.Provider, e.Operation, e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s error: %s", e.Provider, e.Operation, e.Type, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure class is worth retrying.
func (e *ProviderError) Retryable() bool {
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	}
	return e.StatusCode >= 500
}

// classifyStatus maps a non-2xx response status to an error type.
func classifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status >= 400 && status < 500:
		return ErrorTypeInvalidRequest
	default:
		return ErrorTypeUnknown
	}
}

// classifyTransport maps a request-level failure (no response) to an
// error type.
func classifyTransport(err error) ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}
