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

// Package vault seals integration credential payloads at rest.
// Integration records carry only an opaque reference; the payload
// itself (access token, refresh token, expiry, plus any keys a future
// version adds) lives here, encrypted with ChaCha20-Poly1305.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

// Well-known payload keys. Unknown keys round-trip untouched so that
// older broker versions never strip fields written by newer ones.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyExpiresAt    = "expiresAt"
)

// Vault stores sealed credential payloads in its own table on the
// shared database handle.
type Vault struct {
	db  *sql.DB
	key []byte
}

// New creates a vault over an open database. The key must be exactly
// 32 bytes (chacha20poly1305.KeySize).
func New(db *sql.DB, key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, &errors.ConfigError{Key: "vault_key",
			Reason: fmt.Sprintf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))}
	}

	v := &Vault{db: db, key: key}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS credentials (
			ref TEXT PRIMARY KEY,
			sealed BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("failed to migrate credentials table: %w", err)
	}
	return v, nil
}

// ParseKey decodes a base64-encoded vault key.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &errors.ConfigError{Key: "vault_key", Reason: "key is not valid base64", Cause: err}
	}
	return key, nil
}

// NewKey generates a fresh random vault key.
func NewKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}
	return key, nil
}

// DevKey derives a fixed key for development deployments that have no
// configured vault key. Never used in production; config validation
// rejects a missing key there.
func DevKey() []byte {
	sum := sha256.Sum256([]byte("skilldex-development-vault"))
	return sum[:]
}

// Put seals a payload under ref, replacing any previous payload in a
// single-row write. Concurrent writers resolve last-writer-wins.
func (v *Vault) Put(ctx context.Context, ref string, payload map[string]any) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode credential payload: %w", err)
	}

	sealed, err := v.seal(plaintext)
	if err != nil {
		return err
	}

	_, err = v.db.ExecContext(ctx,
		`INSERT INTO credentials (ref, sealed, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		ref, sealed, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Get opens the payload stored under ref.
func (v *Vault) Get(ctx context.Context, ref string) (map[string]any, error) {
	var sealed []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT sealed FROM credentials WHERE ref = ?`, ref).Scan(&sealed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "credential", ID: ref}
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	plaintext, err := v.open(sealed)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode credential payload: %w", err)
	}
	return payload, nil
}

// Delete removes the payload stored under ref. Deleting an absent ref
// is not an error.
func (v *Vault) Delete(ctx context.Context, ref string) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM credentials WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// seal encrypts plaintext with a random nonce prepended to the output.
func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a sealed blob produced by seal.
func (v *Vault) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed credential too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed credential: %w", err)
	}
	return plaintext, nil
}
