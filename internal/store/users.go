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
	"fmt"
	"time"

	"github.com/kimjune01/skilldex-sub003/pkg/errors"
)

// User is a platform user identity record.
type User struct {
	ID             string
	Email          string
	OrgID          string
	OnboardingStep int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Organization is a tenant record. Permissions holds the raw admin
// policy JSON; interpretation belongs to the access package.
type Organization struct {
	ID          string
	Name        string
	Permissions []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateUser inserts a new user record.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, org_id, onboarding_step, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, nullable(u.OrgID), u.OnboardingStep, encodeTime(now), encodeTime(now))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, org_id, onboarding_step, created_at, updated_at
		 FROM users WHERE id = ?`, id)

	var u User
	var orgID sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&u.ID, &u.Email, &orgID, &u.OnboardingStep, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "user", ID: id}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.OrgID = orgID.String
	u.CreatedAt = decodeTime(createdAt)
	u.UpdatedAt = decodeTime(updatedAt)
	return &u, nil
}

// AdvanceOnboarding raises the user's onboarding milestone to step.
// The counter is monotonic; a lower or equal step is a no-op.
func (s *Store) AdvanceOnboarding(ctx context.Context, userID string, step int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET onboarding_step = ?, updated_at = ?
		 WHERE id = ? AND onboarding_step < ?`,
		step, encodeTime(time.Now()), userID, step)
	if err != nil {
		return fmt.Errorf("failed to advance onboarding: %w", err)
	}
	return nil
}

// CreateOrganization inserts a new organization record.
func (s *Store) CreateOrganization(ctx context.Context, o *Organization) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, permissions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.Name, nullableBytes(o.Permissions), encodeTime(now), encodeTime(now))
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// GetOrganization loads an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, permissions, created_at, updated_at
		 FROM organizations WHERE id = ?`, id)

	var o Organization
	var perms sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&o.ID, &o.Name, &perms, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "organization", ID: id}
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if perms.Valid {
		o.Permissions = []byte(perms.String)
	}
	o.CreatedAt = decodeTime(createdAt)
	o.UpdatedAt = decodeTime(updatedAt)
	return &o, nil
}

// OrgPermissionsJSON returns the stored admin policy blob for an
// organization, or nil when the organization is absent or unconfigured.
// Absence is not an error; callers apply defaults.
func (s *Store) OrgPermissionsJSON(ctx context.Context, orgID string) ([]byte, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return org.Permissions, nil
}

// SetOrgPermissions replaces the stored admin policy blob.
func (s *Store) SetOrgPermissions(ctx context.Context, orgID string, permissions []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET permissions = ?, updated_at = ? WHERE id = ?`,
		string(permissions), encodeTime(time.Now()), orgID)
	if err != nil {
		return fmt.Errorf("failed to set org permissions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set org permissions: %w", err)
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: "organization", ID: orgID}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
