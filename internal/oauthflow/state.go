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

// Package oauthflow implements the provider connect and callback
// endpoints: it hands users to the provider's consent screen with a
// signed state token and turns the returned authorization code into a
// stored integration with sealed credentials.
package oauthflow

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

// StateTTL bounds how long a consent screen can sit open before the
// round trip is rejected.
const StateTTL = 10 * time.Minute

// stateClaims is the payload of the OAuth state parameter. The flow
// claim distinguishes which connect flow issued the state, so a
// callback for one provider cannot replay state minted for another.
type stateClaims struct {
	jwt.RegisteredClaims
	Flow string `json:"type"`
}

// StateSigner mints and verifies the OAuth state parameter as a
// short-lived HS256 token. State is self-contained: nothing is stored
// server-side between redirect and callback.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a signer with the given HMAC secret.
func NewStateSigner(secret []byte) *StateSigner {
	return &StateSigner{secret: secret, now: time.Now}
}

// Sign issues a state token binding the user to a specific flow.
func (s *StateSigner) Sign(userID, flow string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(StateTTL)),
		},
		Flow: flow,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "signing state token")
	}
	return signed, nil
}

// Verify checks the signature, expiry, and flow binding of a state
// token and returns the user it was issued for. Every failure mode
// collapses into a single state error: the callback endpoint is
// unauthenticated and must not leak which check failed.
func (s *StateSigner) Verify(tokenString, wantFlow string) (string, error) {
	if tokenString == "" {
		return "", &errors.StateError{Reason: "state missing"}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.now),
	)
	token, err := parser.ParseWithClaims(tokenString, &stateClaims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", &errors.StateError{Reason: "state rejected", Cause: err}
	}

	claims, ok := token.Claims.(*stateClaims)
	if !ok || !token.Valid {
		return "", &errors.StateError{Reason: "state rejected"}
	}
	if claims.Flow != wantFlow {
		return "", &errors.StateError{Reason: "state rejected"}
	}
	if claims.Subject == "" {
		return "", &errors.StateError{Reason: "state rejected"}
	}
	return claims.Subject, nil
}
