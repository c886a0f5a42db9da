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

type VehicleRepository struct {
	db *sql.DB
}

// NewVehicleRepository creates a new instance of VehicleRepository.
func NewVehicleRepository(db *sql.DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

func (r *VehicleRepository) Create(ctx context.Context, v *model.Vehicle) (int64, error) {
	const query = `
		INSERT INTO vehicles (vin, primary_ecu_serial, created_at)
		VALUES (?, ?, ?)
	`
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	result, err := r.db.ExecContext(ctx, query, v.VIN, nullString(v.PrimaryECUSerial), v.CreatedAt)
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
	v.ID = id
	return id, nil
}

func (r *VehicleRepository) FindByVIN(ctx context.Context, vin string) (*model.Vehicle, error) {
	const query = `
		SELECT id, vin, primary_ecu_serial, created_at
		FROM vehicles
		WHERE vin = ?
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, vin)
	var v model.Vehicle
	var primary sql.NullString
	if err := row.Scan(&v.ID, &v.VIN, &primary, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	v.PrimaryECUSerial = primary.String
	return &v, nil
}

func (r *VehicleRepository) FindByID(ctx context.Context, id int64) (*model.Vehicle, error) {
	const query = `
		SELECT id, vin, primary_ecu_serial, created_at
		FROM vehicles
		WHERE id = ?
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, id)
	var v model.Vehicle
	var primary sql.NullString
	if err := row.Scan(&v.ID, &v.VIN, &primary, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	v.PrimaryECUSerial = primary.String
	return &v, nil
}

// SetPrimary assigns the Primary ECU serial of a vehicle.
func (r *VehicleRepository) SetPrimary(ctx context.Context, vin, serial string) error {
	const query = `
		UPDATE vehicles
		SET primary_ecu_serial = ?
		WHERE vin = ?
	`
	res, err := r.db.ExecContext(ctx, query, nullString(serial), vin)
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
