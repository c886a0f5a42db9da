/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package director

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/domain/service"
	"github.com/kentakayama/uptane-over-http/internal/infra/sqlite"
	"github.com/kentakayama/uptane-over-http/internal/signing"
)

// InventoryDB records vehicles, ECU keys and the manifests reported for
// them. Getters fail with ErrUnknownVehicle or ErrUnknownECU for identities
// that were never registered, so "no data yet" stays distinguishable.
type InventoryDB struct {
	vehicles  service.VehicleRepository
	ecus      service.ECURepository
	manifests service.ManifestRepository
}

func NewInventoryDB(db *sql.DB) *InventoryDB {
	return &InventoryDB{
		vehicles:  sqlite.NewVehicleRepository(db),
		ecus:      sqlite.NewECURepository(db),
		manifests: sqlite.NewManifestRepository(db),
	}
}

// AddVehicle creates the vehicle and an ECU record, without a key, for
// every serial.
func (inv *InventoryDB) AddVehicle(ctx context.Context, vin string, serials []string) error {
	if vin == "" {
		return fmt.Errorf("%w: empty VIN", domain.ErrFormat)
	}
	v := &model.Vehicle{VIN: vin}
	if _, err := inv.vehicles.Create(ctx, v); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("vehicle %q: %w", vin, err)
		}
		return err
	}
	for _, serial := range serials {
		if _, err := inv.ecus.Create(ctx, &model.ECU{Serial: serial, VehicleID: v.ID}); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("%w: ECU %q already belongs to a vehicle", domain.ErrSpoofing, serial)
			}
			return err
		}
	}
	return nil
}

func (inv *InventoryDB) vehicle(ctx context.Context, vin string) (*model.Vehicle, error) {
	v, err := inv.vehicles.FindByVIN(ctx, vin)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownVehicle, vin)
	}
	return v, err
}

func (inv *InventoryDB) ecu(ctx context.Context, serial string) (*model.ECU, error) {
	e, err := inv.ecus.FindBySerial(ctx, serial)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownECU, serial)
	}
	return e, err
}

// CheckVIN fails with ErrUnknownVehicle if vin was never registered.
func (inv *InventoryDB) CheckVIN(ctx context.Context, vin string) error {
	_, err := inv.vehicle(ctx, vin)
	return err
}

// RegisterVehicle assigns the Primary of vin. Replacing a different,
// already assigned Primary requires overwrite.
func (inv *InventoryDB) RegisterVehicle(ctx context.Context, vin, primarySerial string, overwrite bool) error {
	v, err := inv.vehicle(ctx, vin)
	if err != nil {
		return err
	}
	if err := checkPrimary(v, primarySerial, overwrite); err != nil {
		return err
	}
	return inv.vehicles.SetPrimary(ctx, vin, primarySerial)
}

func checkPrimary(v *model.Vehicle, primarySerial string, overwrite bool) error {
	if v.PrimaryECUSerial != "" && v.PrimaryECUSerial != primarySerial && !overwrite {
		return fmt.Errorf("%w: vehicle %q already has Primary %q", domain.ErrSpoofing, v.VIN, v.PrimaryECUSerial)
	}
	return nil
}

// RegisterECU binds key to serial on vehicle vin. A serial of another
// vehicle, or one holding an active key, is rejected as spoofing unless
// overwrite is set for the latter.
func (inv *InventoryDB) RegisterECU(ctx context.Context, vin, serial string, key *signing.Key, isPrimary, overwrite bool) error {
	if serial == "" || key == nil {
		return fmt.Errorf("%w: ECU serial and key are required", domain.ErrFormat)
	}
	v, err := inv.vehicle(ctx, vin)
	if err != nil {
		return err
	}
	// nothing is written for a Primary claim that will be refused
	if isPrimary {
		if err := checkPrimary(v, serial, overwrite); err != nil {
			return err
		}
	}
	encoded, err := signing.Marshal(key.PublicOnly())
	if err != nil {
		return err
	}

	e, err := inv.ecus.FindBySerial(ctx, serial)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		_, err = inv.ecus.Create(ctx, &model.ECU{Serial: serial, VehicleID: v.ID, PublicKey: encoded, KeyID: key.ID()})
		if errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("%w: ECU %q registered concurrently", domain.ErrSpoofing, serial)
		}
		if err != nil {
			return err
		}
	case err != nil:
		return err
	case e.VehicleID != v.ID:
		return fmt.Errorf("%w: ECU %q belongs to another vehicle", domain.ErrSpoofing, serial)
	case e.HasActiveKey() && !overwrite:
		return fmt.Errorf("%w: ECU %q is already registered", domain.ErrSpoofing, serial)
	default:
		if err := inv.ecus.SetKey(ctx, serial, encoded, key.ID()); err != nil {
			return err
		}
	}

	if isPrimary {
		return inv.RegisterVehicle(ctx, vin, serial, overwrite)
	}
	return nil
}

// RevokeECU revokes the key of serial. The serial may then register again.
func (inv *InventoryDB) RevokeECU(ctx context.Context, serial string) error {
	if _, err := inv.ecu(ctx, serial); err != nil {
		return err
	}
	if err := inv.ecus.RevokeBySerial(ctx, serial); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: ECU %q has no active key", domain.ErrUnknownECU, serial)
		}
		return err
	}
	return nil
}

// GetECUPublicKey returns the active key of serial. An ECU without a key,
// or with a revoked one, is unknown.
func (inv *InventoryDB) GetECUPublicKey(ctx context.Context, serial string) (*signing.Key, error) {
	e, err := inv.ecu(ctx, serial)
	if err != nil {
		return nil, err
	}
	if !e.HasActiveKey() {
		return nil, fmt.Errorf("%w: %q has no active key", domain.ErrUnknownECU, serial)
	}
	return signing.ParseKey(e.PublicKey)
}

// GetVehicleOfECU returns the VIN serial is registered to.
func (inv *InventoryDB) GetVehicleOfECU(ctx context.Context, serial string) (string, error) {
	e, err := inv.ecu(ctx, serial)
	if err != nil {
		return "", err
	}
	v, err := inv.vehicles.FindByID(ctx, e.VehicleID)
	if err != nil {
		return "", err
	}
	return v.VIN, nil
}

func (inv *InventoryDB) GetECUsForVehicle(ctx context.Context, vin string) ([]string, error) {
	v, err := inv.vehicle(ctx, vin)
	if err != nil {
		return nil, err
	}
	ecus, err := inv.ecus.ListByVehicle(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(ecus))
	for _, e := range ecus {
		serials = append(serials, e.Serial)
	}
	return serials, nil
}

// GetPrimaryECU returns "" if vin has no Primary yet.
func (inv *InventoryDB) GetPrimaryECU(ctx context.Context, vin string) (string, error) {
	v, err := inv.vehicle(ctx, vin)
	if err != nil {
		return "", err
	}
	return v.PrimaryECUSerial, nil
}

func (inv *InventoryDB) SaveVehicleManifest(ctx context.Context, vin string, m *signing.Signed[model.VehicleManifest]) error {
	v, err := inv.vehicle(ctx, vin)
	if err != nil {
		return err
	}
	data, err := signing.Encode(m, signing.EncodeOptions{})
	if err != nil {
		return err
	}
	_, err = inv.manifests.CreateVehicleManifest(ctx, &model.StoredManifest{OwnerID: v.ID, Manifest: data})
	return err
}

func (inv *InventoryDB) SaveECUManifest(ctx context.Context, serial string, m *signing.Signed[model.ECUManifest]) error {
	e, err := inv.ecu(ctx, serial)
	if err != nil {
		return err
	}
	data, err := signing.Encode(m, signing.EncodeOptions{})
	if err != nil {
		return err
	}
	_, err = inv.manifests.CreateECUManifest(ctx, &model.StoredManifest{OwnerID: e.ID, Manifest: data})
	return err
}

func (inv *InventoryDB) GetVehicleManifests(ctx context.Context, vin string) ([]*signing.Signed[model.VehicleManifest], error) {
	v, err := inv.vehicle(ctx, vin)
	if err != nil {
		return nil, err
	}
	stored, err := inv.manifests.ListVehicleManifests(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.VehicleManifest](stored)
}

// GetLastVehicleManifest returns nil if the vehicle has not reported yet.
func (inv *InventoryDB) GetLastVehicleManifest(ctx context.Context, vin string) (*signing.Signed[model.VehicleManifest], error) {
	v, err := inv.vehicle(ctx, vin)
	if err != nil {
		return nil, err
	}
	stored, err := inv.manifests.FindLatestVehicleManifest(ctx, v.ID)
	if err != nil || stored == nil {
		return nil, err
	}
	return signing.Decode[model.VehicleManifest](stored.Manifest)
}

func (inv *InventoryDB) GetECUManifests(ctx context.Context, serial string) ([]*signing.Signed[model.ECUManifest], error) {
	e, err := inv.ecu(ctx, serial)
	if err != nil {
		return nil, err
	}
	stored, err := inv.manifests.ListECUManifests(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.ECUManifest](stored)
}

// GetLastECUManifest returns nil if the ECU has not reported yet.
func (inv *InventoryDB) GetLastECUManifest(ctx context.Context, serial string) (*signing.Signed[model.ECUManifest], error) {
	e, err := inv.ecu(ctx, serial)
	if err != nil {
		return nil, err
	}
	stored, err := inv.manifests.FindLatestECUManifest(ctx, e.ID)
	if err != nil || stored == nil {
		return nil, err
	}
	return signing.Decode[model.ECUManifest](stored.Manifest)
}

// GetAllECUManifestsFromVehicle groups the stored ECU manifests of vin by
// ECU serial, oldest first.
func (inv *InventoryDB) GetAllECUManifestsFromVehicle(ctx context.Context, vin string) (map[string][]*signing.Signed[model.ECUManifest], error) {
	v, err := inv.vehicle(ctx, vin)
	if err != nil {
		return nil, err
	}
	ecus, err := inv.ecus.ListByVehicle(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	serialOf := make(map[int64]string, len(ecus))
	for _, e := range ecus {
		serialOf[e.ID] = e.Serial
	}

	stored, err := inv.manifests.ListECUManifestsByVehicle(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*signing.Signed[model.ECUManifest])
	for _, s := range stored {
		m, err := signing.Decode[model.ECUManifest](s.Manifest)
		if err != nil {
			return nil, err
		}
		serial := serialOf[s.OwnerID]
		out[serial] = append(out[serial], m)
	}
	return out, nil
}

func decodeAll[T signing.Payload](stored []*model.StoredManifest) ([]*signing.Signed[T], error) {
	out := make([]*signing.Signed[T], 0, len(stored))
	for _, s := range stored {
		m, err := signing.Decode[T](s.Manifest)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
