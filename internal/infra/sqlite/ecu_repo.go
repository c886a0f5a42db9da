/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
)

type ECURepository struct {
	db *sql.DB
}

// NewECURepository creates a new instance of ECURepository.
func NewECURepository(db *sql.DB) *ECURepository {
	return &ECURepository{db: db}
}

func (r *ECURepository) Create(ctx context.Context, e *model.ECU) (int64, error) {
	const query = `
		INSERT INTO ecus (serial, vehicle_id, public_key, key_id, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	var revokedAt sql.NullInt64
	if e.RevokedAt != nil {
		revokedAt = sql.NullInt64{Int64: e.RevokedAt.Unix(), Valid: true}
	}
	result, err := r.db.ExecContext(ctx, query, e.Serial, e.VehicleID, e.PublicKey, nullString(e.KeyID), e.CreatedAt, revokedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, domain.ErrConflict
		}
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// FindBySerial returns the ECU whether or not its key is revoked; callers
// check RevokedAt.
func (r *ECURepository) FindBySerial(ctx context.Context, serial string) (*model.ECU, error) {
	const query = `
		SELECT id, serial, vehicle_id, public_key, key_id, created_at, revoked_at
		FROM ecus
		WHERE serial = ?
		LIMIT 1
	`
	e, err := scanECU(r.db.QueryRowContext(ctx, query, serial))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *ECURepository) ListByVehicle(ctx context.Context, vehicleID int64) ([]*model.ECU, error) {
	const query = `
		SELECT id, serial, vehicle_id, public_key, key_id, created_at, revoked_at
		FROM ecus
		WHERE vehicle_id = ?
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, vehicleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ecus []*model.ECU
	for rows.Next() {
		e, err := scanECU(rows)
		if err != nil {
			return nil, err
		}
		ecus = append(ecus, e)
	}
	return ecus, rows.Err()
}

// SetKey binds a public key to the ECU and clears any revocation.
func (r *ECURepository) SetKey(ctx context.Context, serial string, publicKey []byte, keyID string) error {
	const query = `
		UPDATE ecus
		SET public_key = ?, key_id = ?, revoked_at = NULL
		WHERE serial = ?
	`
	res, err := r.db.ExecContext(ctx, query, publicKey, keyID, serial)
	if err != nil {
		return err
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// RevokeBySerial marks the ECU key as revoked by setting revoked_at to the current Unix timestamp.
func (r *ECURepository) RevokeBySerial(ctx context.Context, serial string) error {
	const query = `
		UPDATE ecus
		SET revoked_at = ?
		WHERE serial = ? AND public_key IS NOT NULL AND revoked_at IS NULL
	`
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query, now.Unix(), serial)
	if err != nil {
		return err
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanECU(row rowScanner) (*model.ECU, error) {
	var e model.ECU
	var keyID sql.NullString
	var revokedAtUnix sql.NullInt64
	if err := row.Scan(&e.ID, &e.Serial, &e.VehicleID, &e.PublicKey, &keyID, &e.CreatedAt, &revokedAtUnix); err != nil {
		return nil, err
	}
	e.KeyID = keyID.String

	// Convert Unix timestamp to *time.Time
	if revokedAtUnix.Valid {
		t := time.Unix(revokedAtUnix.Int64, 0).UTC()
		e.RevokedAt = &t
	}
	return &e, nil
}
