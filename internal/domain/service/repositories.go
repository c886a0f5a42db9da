/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package service

import (
	"context"

	"github.com/kentakayama/uptane-over-http/internal/domain/model"
)

// VehicleRepository defines the interface for vehicle persistence.
type VehicleRepository interface {
	Create(ctx context.Context, v *model.Vehicle) (int64, error)
	FindByVIN(ctx context.Context, vin string) (*model.Vehicle, error)
	FindByID(ctx context.Context, id int64) (*model.Vehicle, error)
	SetPrimary(ctx context.Context, vin, serial string) error
}

// ECURepository defines the interface for ECU and ECU key persistence.
type ECURepository interface {
	Create(ctx context.Context, e *model.ECU) (int64, error)
	FindBySerial(ctx context.Context, serial string) (*model.ECU, error)
	ListByVehicle(ctx context.Context, vehicleID int64) ([]*model.ECU, error)
	SetKey(ctx context.Context, serial string, publicKey []byte, keyID string) error
	RevokeBySerial(ctx context.Context, serial string) error
}

// ManifestRepository defines the interface for Vehicle Manifest and ECU
// Manifest persistence.
type ManifestRepository interface {
	CreateVehicleManifest(ctx context.Context, m *model.StoredManifest) (int64, error)
	ListVehicleManifests(ctx context.Context, vehicleID int64) ([]*model.StoredManifest, error)
	FindLatestVehicleManifest(ctx context.Context, vehicleID int64) (*model.StoredManifest, error)
	CreateECUManifest(ctx context.Context, m *model.StoredManifest) (int64, error)
	ListECUManifests(ctx context.Context, ecuID int64) ([]*model.StoredManifest, error)
	ListECUManifestsByVehicle(ctx context.Context, vehicleID int64) ([]*model.StoredManifest, error)
	FindLatestECUManifest(ctx context.Context, ecuID int64) (*model.StoredManifest, error)
}
