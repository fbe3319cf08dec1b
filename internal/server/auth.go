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

package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL bounds how long an issued session stays valid.
const DefaultSessionTTL = 24 * time.Hour

// sessionClaims are the session token claims.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// Sessions issues and validates the session bearer tokens used by the
// API and the OAuth connect endpoints.
type Sessions struct {
	secret    []byte
	ttl       time.Duration
	clockSkew time.Duration
}

// NewSessions creates a session validator with the given HMAC secret.
func NewSessions(secret []byte) *Sessions {
	return &Sessions{
		secret:    secret,
		ttl:       DefaultSessionTTL,
		clockSkew: 30 * time.Second,
	}
}

// Issue mints a session token for a user.
func (s *Sessions) Issue(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// UserIDFromSession validates a session token and returns the subject.
func (s *Sessions) UserIDFromSession(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(s.clockSkew),
	)
	token, err := parser.ParseWithClaims(tokenString, &sessionClaims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("token is invalid")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// UserIDFromRequest authenticates a request via its Authorization
// header.
func (s *Sessions) UserIDFromRequest(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return "", fmt.Errorf("missing bearer credential")
	}
	return s.UserIDFromSession(tok)
}
