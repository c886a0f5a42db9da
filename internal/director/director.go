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
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/util"
)

type Config struct {
	// Dir holds one metadata repository per vehicle, in Dir/<VIN>.
	Dir    string
	Keys   repository.RoleKeySet
	Expiry time.Duration
	Clock  func() time.Time
	Logger *log.Logger
}

// Director decides which image every ECU of a vehicle should run and
// publishes that decision as the vehicle's own metadata repository.
type Director struct {
	inventory *InventoryDB
	dir       string
	keys      repository.RoleKeySet
	expiry    time.Duration
	clock     func() time.Time
	logger    *log.Logger

	mu    sync.Mutex // guards repos and locks
	repos map[string]*repository.Repository
	locks map[string]*sync.Mutex
}

func New(cfg Config, db *sql.DB) (*Director, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: director repository directory is required", domain.ErrInvalidConfig)
	}
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("%w: director keys are required", domain.ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Director{
		inventory: NewInventoryDB(db),
		dir:       cfg.Dir,
		keys:      cfg.Keys,
		expiry:    cfg.Expiry,
		clock:     clock,
		logger:    logger,
		repos:     make(map[string]*repository.Repository),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

func (d *Director) Inventory() *InventoryDB { return d.inventory }

// Dir is where the vehicle repositories are published, one per VIN.
func (d *Director) Dir() string { return d.dir }

// lockVehicle is lock for a vehicle that must already be registered.
// Unknown VINs never get a mutex.
func (d *Director) lockVehicle(ctx context.Context, vin string) (func(), error) {
	if err := d.inventory.CheckVIN(ctx, vin); err != nil {
		return nil, err
	}
	return d.lock(vin), nil
}

// lock serializes mutating calls for one vehicle.
func (d *Director) lock(vin string) func() {
	d.mu.Lock()
	l, ok := d.locks[vin]
	if !ok {
		l = &sync.Mutex{}
		d.locks[vin] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// vehicleRepository opens the metadata repository of vin, creating it on
// first use.
func (d *Director) vehicleRepository(vin string) (*repository.Repository, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if repo, ok := d.repos[vin]; ok {
		return repo, nil
	}
	if !util.IsPlainName(vin) {
		return nil, fmt.Errorf("%w: VIN %q cannot name a directory", domain.ErrFormat, vin)
	}
	repo, err := repository.NewRepository(repository.Config{
		Name:   vin,
		Dir:    filepath.Join(d.dir, vin),
		Keys:   d.keys,
		Expiry: d.expiry,
		Clock:  d.clock,
		Logger: d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.repos[vin] = repo
	return repo, nil
}

// VehicleRepository returns the metadata repository of a registered vehicle.
func (d *Director) VehicleRepository(ctx context.Context, vin string) (*repository.Repository, error) {
	if err := d.inventory.CheckVIN(ctx, vin); err != nil {
		return nil, err
	}
	return d.vehicleRepository(vin)
}

// AddNewVehicle registers vin with the given ECU serials and publishes an
// empty metadata repository for it.
func (d *Director) AddNewVehicle(ctx context.Context, vin string, serials []string) error {
	if !util.IsPlainName(vin) {
		return fmt.Errorf("%w: VIN %q cannot name a directory", domain.ErrFormat, vin)
	}
	unlock := d.lock(vin)
	defer unlock()

	if err := d.inventory.AddVehicle(ctx, vin, serials); err != nil {
		return err
	}
	repo, err := d.vehicleRepository(vin)
	if err != nil {
		return err
	}
	if err := repo.Publish(); err != nil {
		return err
	}
	d.logger.Printf("director: added vehicle %s with %d ECUs", vin, len(serials))
	return nil
}

// RegisterECUSerial trusts key for serial on vehicle vin. A serial that
// already holds an active key is a spoofing attempt; a revoked one may
// register again.
func (d *Director) RegisterECUSerial(ctx context.Context, serial string, key *signing.Key, vin string, isPrimary bool) error {
	if key == nil {
		return fmt.Errorf("%w: no public key", domain.ErrFormat)
	}
	unlock, err := d.lockVehicle(ctx, vin)
	if err != nil {
		return err
	}
	defer unlock()

	if err := d.inventory.RegisterECU(ctx, vin, serial, key, isPrimary, false); err != nil {
		if errors.Is(err, domain.ErrSpoofing) {
			d.logger.Printf("director: rejected registration of ECU %s on %s: %v", serial, vin, err)
		}
		return err
	}
	d.logger.Printf("director: registered ECU %s (primary=%t) on %s with key %s", serial, isPrimary, vin, key.ID())
	return nil
}

// RevokeECUSerial revokes the key of serial.
func (d *Director) RevokeECUSerial(ctx context.Context, serial string) error {
	vin, err := d.inventory.GetVehicleOfECU(ctx, serial)
	if err != nil {
		return err
	}
	unlock, err := d.lockVehicle(ctx, vin)
	if err != nil {
		return err
	}
	defer unlock()

	if err := d.inventory.RevokeECU(ctx, serial); err != nil {
		return err
	}
	d.logger.Printf("director: revoked key of ECU %s on %s", serial, vin)
	return nil
}

// ValidateECUManifest checks that m was signed by the registered key of
// serial. Nothing is stored.
func (d *Director) ValidateECUManifest(ctx context.Context, serial string, m *signing.Signed[model.ECUManifest]) error {
	if m == nil {
		return fmt.Errorf("%w: no ECU manifest", domain.ErrFormat)
	}
	if signed := m.Payload().ECUSerial; signed != serial {
		return fmt.Errorf("%w: caller claims %q, manifest is signed for %q", domain.ErrSpoofing, serial, signed)
	}
	key, err := d.inventory.GetECUPublicKey(ctx, serial)
	if err != nil {
		return err
	}
	return m.Verify(key)
}

// RegisterVehicleManifest stores a Primary's report. A failure to
// authenticate the Primary aborts the call; nested ECU manifests that fail
// validation are skipped one by one.
func (d *Director) RegisterVehicleManifest(ctx context.Context, vin, primarySerial string, m *signing.Signed[model.VehicleManifest]) error {
	if m == nil {
		return fmt.Errorf("%w: no vehicle manifest", domain.ErrFormat)
	}
	unlock, err := d.lockVehicle(ctx, vin)
	if err != nil {
		return err
	}
	defer unlock()

	if err := d.authenticatePrimary(ctx, vin, primarySerial, m); err != nil {
		d.logger.Printf("director: rejected vehicle manifest of %s from %s: %v", vin, primarySerial, err)
		return err
	}
	if err := d.inventory.SaveVehicleManifest(ctx, vin, m); err != nil {
		return err
	}

	stored := 0
	for serial, list := range m.Payload().ECUVersionManifests {
		for _, em := range list {
			if err := d.registerNestedECUManifest(ctx, vin, serial, em); err != nil {
				if !isRejection(err) {
					return err
				}
				d.logger.Printf("director: skipped ECU manifest of %s in vehicle manifest of %s: %v", serial, vin, err)
				continue
			}
			stored++
		}
	}
	d.logger.Printf("director: stored vehicle manifest of %s with %d ECU manifests", vin, stored)
	return nil
}

func (d *Director) authenticatePrimary(ctx context.Context, vin, primarySerial string, m *signing.Signed[model.VehicleManifest]) error {
	payload := m.Payload()
	if err := d.inventory.CheckVIN(ctx, vin); err != nil {
		return err
	}
	if payload.VIN != vin {
		return fmt.Errorf("%w: manifest is signed for vehicle %q", domain.ErrSpoofing, payload.VIN)
	}
	if payload.PrimaryECUSerial != primarySerial {
		return fmt.Errorf("%w: caller claims %q, manifest is signed by %q", domain.ErrSpoofing, primarySerial, payload.PrimaryECUSerial)
	}
	registered, err := d.inventory.GetPrimaryECU(ctx, vin)
	if err != nil {
		return err
	}
	if registered == "" {
		return fmt.Errorf("%w: vehicle %q has no registered Primary", domain.ErrUnknownECU, vin)
	}
	if registered != primarySerial {
		return fmt.Errorf("%w: %q is not the Primary of %q", domain.ErrSpoofing, primarySerial, vin)
	}
	key, err := d.inventory.GetECUPublicKey(ctx, primarySerial)
	if err != nil {
		return err
	}
	return m.Verify(key)
}

func (d *Director) registerNestedECUManifest(ctx context.Context, vin, serial string, m *signing.Signed[model.ECUManifest]) error {
	if err := d.ValidateECUManifest(ctx, serial, m); err != nil {
		return err
	}
	owner, err := d.inventory.GetVehicleOfECU(ctx, serial)
	if err != nil {
		return err
	}
	if owner != vin {
		return fmt.Errorf("%w: ECU %q belongs to another vehicle", domain.ErrSpoofing, serial)
	}
	if err := d.inventory.SaveECUManifest(ctx, serial, m); err != nil {
		return err
	}
	if attacks := m.Payload().AttacksDetected; attacks != "" {
		d.logger.Printf("director: ECU %s of %s reports attacks: %s", serial, vin, attacks)
	}
	return nil
}

// RegisterECUManifest stores one ECU manifest sent outside a vehicle
// manifest.
func (d *Director) RegisterECUManifest(ctx context.Context, vin, serial string, m *signing.Signed[model.ECUManifest]) error {
	if m == nil {
		return fmt.Errorf("%w: no ECU manifest", domain.ErrFormat)
	}
	unlock, err := d.lockVehicle(ctx, vin)
	if err != nil {
		return err
	}
	defer unlock()

	if err := d.registerNestedECUManifest(ctx, vin, serial, m); err != nil {
		d.logger.Printf("director: rejected ECU manifest of %s on %s: %v", serial, vin, err)
		return err
	}
	return nil
}

// AddTargetForECU assigns info to serial on vin. The assignment is
// published by the next PublishVehicle.
func (d *Director) AddTargetForECU(ctx context.Context, vin, serial string, info model.TargetInfo) error {
	unlock, err := d.lockVehicle(ctx, vin)
	if err != nil {
		return err
	}
	defer unlock()

	repo, err := d.assignableRepository(ctx, vin, serial)
	if err != nil {
		return err
	}
	info = info.Clone()
	info.Custom.ECUSerial = serial
	if err := repo.AddTarget(info); err != nil {
		return err
	}
	d.logger.Printf("director: assigned %s to ECU %s of %s", info.Filepath, serial, vin)
	return nil
}

// AddTargetForECUFromFile describes the image at localPath and assigns it
// to serial. The Director does not serve image bytes.
func (d *Director) AddTargetForECUFromFile(ctx context.Context, vin, serial, targetPath, localPath string, custom model.Custom) error {
	info, err := repository.TargetInfoFromFile(targetPath, localPath, custom)
	if err != nil {
		return err
	}
	return d.AddTargetForECU(ctx, vin, serial, info)
}

func (d *Director) assignableRepository(ctx context.Context, vin, serial string) (*repository.Repository, error) {
	owner, err := d.inventory.GetVehicleOfECU(ctx, serial)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownECU) {
			if vinErr := d.inventory.CheckVIN(ctx, vin); vinErr != nil {
				return nil, vinErr
			}
		}
		return nil, err
	}
	if owner != vin {
		if err := d.inventory.CheckVIN(ctx, vin); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %q is not an ECU of %q", domain.ErrUnknownECU, serial, vin)
	}
	return d.vehicleRepository(vin)
}

// PublishVehicle signs and publishes the current assignments of vin.
func (d *Director) PublishVehicle(ctx context.Context, vin string) error {
	unlock, err := d.lockVehicle(ctx, vin)
	if err != nil {
		return err
	}
	defer unlock()

	repo, err := d.VehicleRepository(ctx, vin)
	if err != nil {
		return err
	}
	return repo.Publish()
}

// isRejection reports whether err is one of the per-manifest rejections
// that never abort a vehicle manifest.
func isRejection(err error) bool {
	return errors.Is(err, domain.ErrSpoofing) ||
		errors.Is(err, domain.ErrUnknownECU) ||
		errors.Is(err, domain.ErrBadSignature)
}
