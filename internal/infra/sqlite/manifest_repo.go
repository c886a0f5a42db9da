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

// ManifestRepository stores signed Vehicle Manifests and ECU Manifests.
// Both tables are append only; the newest row of an owner is its latest
// manifest.
type ManifestRepository struct {
	db *sql.DB
}

// NewManifestRepository creates a new instance of ManifestRepository.
func NewManifestRepository(db *sql.DB) *ManifestRepository {
	return &ManifestRepository{db: db}
}

func (r *ManifestRepository) CreateVehicleManifest(ctx context.Context, m *model.StoredManifest) (int64, error) {
	const query = `
		INSERT INTO vehicle_manifests (vehicle_id, manifest, created_at)
		VALUES (?, ?, ?)
	`
	return r.create(ctx, query, m)
}

func (r *ManifestRepository) CreateECUManifest(ctx context.Context, m *model.StoredManifest) (int64, error) {
	const query = `
		INSERT INTO ecu_manifests (ecu_id, manifest, created_at)
		VALUES (?, ?, ?)
	`
	return r.create(ctx, query, m)
}

func (r *ManifestRepository) create(ctx context.Context, query string, m *model.StoredManifest) (int64, error) {
	if len(m.Manifest) == 0 {
		return 0, domain.ErrFormat
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	result, err := r.db.ExecContext(ctx, query, m.OwnerID, m.Manifest, m.CreatedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

// ListVehicleManifests returns the manifests of a vehicle, oldest first.
func (r *ManifestRepository) ListVehicleManifests(ctx context.Context, vehicleID int64) ([]*model.StoredManifest, error) {
	const query = `
		SELECT id, vehicle_id, manifest, created_at
		FROM vehicle_manifests
		WHERE vehicle_id = ?
		ORDER BY id
	`
	return r.list(ctx, query, vehicleID)
}

// ListECUManifests returns the manifests of an ECU, oldest first.
func (r *ManifestRepository) ListECUManifests(ctx context.Context, ecuID int64) ([]*model.StoredManifest, error) {
	const query = `
		SELECT id, ecu_id, manifest, created_at
		FROM ecu_manifests
		WHERE ecu_id = ?
		ORDER BY id
	`
	return r.list(ctx, query, ecuID)
}

// ListECUManifestsByVehicle returns the manifests of every ECU of a vehicle,
// oldest first. OwnerID holds the ECU row id.
func (r *ManifestRepository) ListECUManifestsByVehicle(ctx context.Context, vehicleID int64) ([]*model.StoredManifest, error) {
	const query = `
		SELECT m.id, m.ecu_id, m.manifest, m.created_at
		FROM ecu_manifests AS m
		JOIN ecus AS e ON e.id = m.ecu_id
		WHERE e.vehicle_id = ?
		ORDER BY m.id
	`
	return r.list(ctx, query, vehicleID)
}

// FindLatestVehicleManifest returns nil without error if the vehicle has
// no manifest yet.
func (r *ManifestRepository) FindLatestVehicleManifest(ctx context.Context, vehicleID int64) (*model.StoredManifest, error) {
	const query = `
		SELECT id, vehicle_id, manifest, created_at
		FROM vehicle_manifests
		WHERE vehicle_id = ?
		ORDER BY id DESC
		LIMIT 1
	`
	return r.findLatest(ctx, query, vehicleID)
}

// FindLatestECUManifest returns nil without error if the ECU has no
// manifest yet.
func (r *ManifestRepository) FindLatestECUManifest(ctx context.Context, ecuID int64) (*model.StoredManifest, error) {
	const query = `
		SELECT id, ecu_id, manifest, created_at
		FROM ecu_manifests
		WHERE ecu_id = ?
		ORDER BY id DESC
		LIMIT 1
	`
	return r.findLatest(ctx, query, ecuID)
}

func (r *ManifestRepository) findLatest(ctx context.Context, query string, ownerID int64) (*model.StoredManifest, error) {
	var m model.StoredManifest
	err := r.db.QueryRowContext(ctx, query, ownerID).Scan(&m.ID, &m.OwnerID, &m.Manifest, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *ManifestRepository) list(ctx context.Context, query string, ownerID int64) ([]*model.StoredManifest, error) {
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []*model.StoredManifest
	for rows.Next() {
		var m model.StoredManifest
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Manifest, &m.CreatedAt); err != nil {
			return nil, err
		}
		manifests = append(manifests, &m)
	}
	return manifests, rows.Err()
}
