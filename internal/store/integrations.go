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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

// Status is the connection health of an integration record.
type Status string

const (
	// StatusConnected means the integration is usable.
	StatusConnected Status = "connected"
	// StatusError means the last token refresh failed and the user
	// must reconnect.
	StatusError Status = "error"
)

// Well-known metadata keys. The metadata blob is opaque and forward
// compatible: unknown keys are preserved on every update.
const (
	MetaSubProvider = "subProvider"
	MetaAccessLevel = "accessLevel"
	MetaOrgWide     = "isOrgWide"
	MetaEmail       = "email"
	MetaSpreadsheet = "spreadsheetId"
	MetaCalendarURL = "calendarUrl"
	MetaTokenRef    = "tokenRef"
)

// Integration represents one connected provider for a user, or for a
// whole organization when OrgWide is set.
type Integration struct {
	ID          string
	UserID      string
	OrgID       string
	Provider    string
	Status      Status
	OrgWide     bool
	Metadata    map[string]any
	TokenRef    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	RefreshedAt time.Time
}

// AccessLevel returns the user's own preference stored in metadata.
// Absent or invalid values default to "read-write".
func (i *Integration) AccessLevel() string {
	if i.Metadata != nil {
		if level, ok := i.Metadata[MetaAccessLevel].(string); ok {
			if level == "read-only" || level == "read-write" {
				return level
			}
		}
	}
	return "read-write"
}

// SubProvider returns the metadata subProvider key, if present.
func (i *Integration) SubProvider() string {
	if i.Metadata == nil {
		return ""
	}
	sub, _ := i.Metadata[MetaSubProvider].(string)
	return sub
}

// MetaString returns a string metadata value, or "" when absent.
func (i *Integration) MetaString(key string) string {
	if i.Metadata == nil {
		return ""
	}
	v, _ := i.Metadata[key].(string)
	return v
}

// ReplaceIntegration records a connection using delete-then-insert:
// any previous record for the same (user, provider) pair is removed in
// the same transaction, so a reconnect can never leave merged or
// orphaned metadata behind.
func (s *Store) ReplaceIntegration(ctx context.Context, rec *Integration) error {
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM integrations WHERE user_id = ? AND provider = ?`,
		rec.UserID, rec.Provider); err != nil {
		return fmt.Errorf("failed to delete previous integration: %w", err)
	}

	now := time.Now()
	orgWide := 0
	if rec.OrgWide {
		orgWide = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO integrations
			(id, user_id, org_id, provider, status, org_wide, metadata, token_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, nullable(rec.OrgID), rec.Provider, string(rec.Status),
		orgWide, metadata, nullable(rec.TokenRef), encodeTime(now), encodeTime(now)); err != nil {
		return fmt.Errorf("failed to insert integration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit integration: %w", err)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// GetIntegration loads the record for a (user, provider) pair.
func (s *Store) GetIntegration(ctx context.Context, userID, provider string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, selectIntegration+` WHERE user_id = ? AND provider = ?`,
		userID, provider)
	rec, err := scanIntegration(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "integration", ID: provider}
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return rec, nil
}

// GetIntegrationByID loads a record by primary key.
func (s *Store) GetIntegrationByID(ctx context.Context, id string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, selectIntegration+` WHERE id = ?`, id)
	rec, err := scanIntegration(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "integration", ID: id}
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return rec, nil
}

// ListUserAndOrgWide returns the user's connected integrations plus any
// connected integrations flagged org-wide within the same organization,
// in registration order. Overlap is possible (the user may own an
// org-wide record); callers de-duplicate by id.
func (s *Store) ListUserAndOrgWide(ctx context.Context, userID, orgID string) ([]*Integration, error) {
	query := selectIntegration + ` WHERE status = ? AND (user_id = ?`
	args := []any{string(StatusConnected), userID}
	if orgID != "" {
		query += ` OR (org_id = ? AND org_wide = 1)`
		args = append(args, orgID)
	}
	query += `) ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var records []*Integration
	for rows.Next() {
		rec, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListByUser returns every record owned by a user regardless of status.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		selectIntegration+` WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var records []*Integration
	for rows.Next() {
		rec, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetIntegrationStatus updates the status column for one record.
func (s *Store) SetIntegrationStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set integration status: %w", err)
	}
	return nil
}

// TouchRefreshed stamps a successful token refresh on one record.
func (s *Store) TouchRefreshed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET refreshed_at = ?, updated_at = ? WHERE id = ?`,
		encodeTime(at), encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to touch integration: %w", err)
	}
	return nil
}

// UpdateMetadata replaces the metadata blob for one record. The write
// targets a single row, so concurrent refreshes resolve last-writer-wins.
func (s *Store) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE integrations SET metadata = ?, updated_at = ? WHERE id = ?`,
		encoded, encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

// DeleteIntegration removes the record for a (user, provider) pair.
func (s *Store) DeleteIntegration(ctx context.Context, userID, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM integrations WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	return nil
}

const selectIntegration = `SELECT id, user_id, org_id, provider, status, org_wide,
	metadata, token_ref, created_at, updated_at, refreshed_at FROM integrations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (*Integration, error) {
	var rec Integration
	var orgID, metadata, tokenRef, refreshedAt sql.NullString
	var orgWide int
	var createdAt, updatedAt string

	if err := row.Scan(&rec.ID, &rec.UserID, &orgID, &rec.Provider, (*string)(&rec.Status),
		&orgWide, &metadata, &tokenRef, &createdAt, &updatedAt, &refreshedAt); err != nil {
		return nil, err
	}

	rec.OrgID = orgID.String
	rec.OrgWide = orgWide == 1
	rec.TokenRef = tokenRef.String
	rec.CreatedAt = decodeTime(createdAt)
	rec.UpdatedAt = decodeTime(updatedAt)
	rec.RefreshedAt = decodeTime(refreshedAt.String)
	rec.Metadata = decodeMetadata(metadata.String)
	return &rec, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeMetadata parses a stored metadata blob. Malformed JSON degrades
// to an empty map; bad metadata must never fail a read path.
func decodeMetadata(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil || metadata == nil {
		return map[string]any{}
	}
	return metadata
}
