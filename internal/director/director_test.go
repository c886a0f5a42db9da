/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package director

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/infra/sqlite"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVIN     = "democar"
	testPrimary = "INFOdemocar"
	testTCU     = "TCUdemocar"
	testBCU     = "BCUdemocar"
)

func newKey(t *testing.T) *signing.Key {
	t.Helper()
	k, err := signing.GenerateKey(signing.KeyTypeEd25519)
	require.NoError(t, err)
	return k
}

func newTestDirector(t *testing.T) *Director {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.InitDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.CloseDB(db) })

	keys := repository.RoleKeySet{}
	for _, role := range repository.TopLevelRoles {
		keys[role] = []*signing.Key{newKey(t)}
	}
	d, err := New(Config{
		Dir:    t.TempDir(),
		Keys:   keys,
		Logger: log.New(io.Discard, "", 0),
	}, db)
	require.NoError(t, err)
	return d
}

// registeredVehicle sets up democar with a Primary and two Secondaries and
// returns their keys by serial.
func registeredVehicle(t *testing.T, d *Director) map[string]*signing.Key {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.AddNewVehicle(ctx, testVIN, []string{testPrimary, testTCU, testBCU}))
	keys := map[string]*signing.Key{}
	for _, serial := range []string{testPrimary, testTCU, testBCU} {
		keys[serial] = newKey(t)
		require.NoError(t, d.RegisterECUSerial(ctx, serial, keys[serial].PublicOnly(), testVIN, serial == testPrimary))
	}
	return keys
}

func ecuManifest(t *testing.T, serial string, key *signing.Key) *signing.Signed[model.ECUManifest] {
	t.Helper()
	m, err := signing.Sign(model.ECUManifest{
		ECUSerial:      serial,
		HardwareID:     "hw-" + serial,
		InstalledImage: repository.TargetInfoFromBytes("/installed.img", []byte("fw"), model.Custom{}),
	}, key)
	require.NoError(t, err)
	return m
}

func vehicleManifest(t *testing.T, key *signing.Key, nested map[string][]*signing.Signed[model.ECUManifest]) *signing.Signed[model.VehicleManifest] {
	t.Helper()
	m, err := signing.Sign(model.VehicleManifest{
		VIN:                 testVIN,
		PrimaryECUSerial:    testPrimary,
		ECUVersionManifests: nested,
	}, key)
	require.NoError(t, err)
	return m
}

func TestDirector_RegisterECUSerial_Uniqueness(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	keys := registeredVehicle(t, d)
	require.NoError(t, d.AddNewVehicle(ctx, "othercar", nil))

	attacker := newKey(t)
	err := d.RegisterECUSerial(ctx, testTCU, attacker, testVIN, false)
	assert.ErrorIs(t, err, domain.ErrSpoofing)
	err = d.RegisterECUSerial(ctx, testTCU, attacker, "othercar", false)
	assert.ErrorIs(t, err, domain.ErrSpoofing)

	// the original key stays authoritative
	got, err := d.Inventory().GetECUPublicKey(ctx, testTCU)
	require.NoError(t, err)
	assert.True(t, got.Equal(keys[testTCU]))

	err = d.RegisterECUSerial(ctx, "new-ecu", attacker, "nocar", false)
	assert.ErrorIs(t, err, domain.ErrUnknownVehicle)
}

func TestDirector_RevokeAndReregister(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	registeredVehicle(t, d)

	require.NoError(t, d.RevokeECUSerial(ctx, testTCU))
	_, err := d.Inventory().GetECUPublicKey(ctx, testTCU)
	assert.ErrorIs(t, err, domain.ErrUnknownECU)

	replacement := newKey(t)
	require.NoError(t, d.RegisterECUSerial(ctx, testTCU, replacement, testVIN, false))
	got, err := d.Inventory().GetECUPublicKey(ctx, testTCU)
	require.NoError(t, err)
	assert.True(t, got.Equal(replacement))

	assert.ErrorIs(t, d.RevokeECUSerial(ctx, "missing"), domain.ErrUnknownECU)
}

func TestDirector_PrimaryCannotBeReplaced(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	registeredVehicle(t, d)

	require.NoError(t, d.Inventory().AddVehicle(ctx, "spare", []string{"rogue"}))
	err := d.Inventory().RegisterVehicle(ctx, testVIN, "rogue", false)
	assert.ErrorIs(t, err, domain.ErrSpoofing)

	primary, err := d.Inventory().GetPrimaryECU(ctx, testVIN)
	require.NoError(t, err)
	assert.Equal(t, testPrimary, primary)
}

func TestDirector_RejectedPrimaryClaimBindsNoKey(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	registeredVehicle(t, d)

	err := d.RegisterECUSerial(ctx, "GWdemocar", newKey(t).PublicOnly(), testVIN, true)
	assert.ErrorIs(t, err, domain.ErrSpoofing)

	_, err = d.Inventory().GetECUPublicKey(ctx, "GWdemocar")
	assert.ErrorIs(t, err, domain.ErrUnknownECU)
	primary, err := d.Inventory().GetPrimaryECU(ctx, testVIN)
	require.NoError(t, err)
	assert.Equal(t, testPrimary, primary)

	legit := newKey(t)
	require.NoError(t, d.RegisterECUSerial(ctx, "GWdemocar", legit.PublicOnly(), testVIN, false))
	got, err := d.Inventory().GetECUPublicKey(ctx, "GWdemocar")
	require.NoError(t, err)
	assert.Equal(t, legit.ID(), got.ID())
}

func TestDirector_UnknownVehiclesGetNoLock(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	keys := registeredVehicle(t, d)
	m := ecuManifest(t, testTCU, keys[testTCU])

	for _, vin := range []string{"nocar1", "nocar2", "nocar3"} {
		assert.ErrorIs(t, d.RegisterECUManifest(ctx, vin, testTCU, m), domain.ErrUnknownVehicle)
		assert.ErrorIs(t, d.RegisterECUSerial(ctx, "X"+vin, newKey(t).PublicOnly(), vin, false), domain.ErrUnknownVehicle)
		assert.ErrorIs(t, d.RegisterVehicleManifest(ctx, vin, testPrimary, vehicleManifest(t, keys[testPrimary], nil)), domain.ErrUnknownVehicle)
		assert.ErrorIs(t, d.PublishVehicle(ctx, vin), domain.ErrUnknownVehicle)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.locks, 1)
	assert.Contains(t, d.locks, testVIN)
}

func TestDirector_ValidateECUManifest(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	keys := registeredVehicle(t, d)

	m := ecuManifest(t, testTCU, keys[testTCU])
	assert.NoError(t, d.ValidateECUManifest(ctx, testTCU, m))
	assert.ErrorIs(t, d.ValidateECUManifest(ctx, testBCU, m), domain.ErrSpoofing)

	unknown := ecuManifest(t, "ghost", keys[testTCU])
	assert.ErrorIs(t, d.ValidateECUManifest(ctx, "ghost", unknown), domain.ErrUnknownECU)

	forged := ecuManifest(t, testTCU, keys[testBCU])
	assert.ErrorIs(t, d.ValidateECUManifest(ctx, testTCU, forged), domain.ErrBadSignature)

	// validation stores nothing
	last, err := d.Inventory().GetLastECUManifest(ctx, testTCU)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestDirector_RegisterVehicleManifest_IsolatesBadECUManifests(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	keys := registeredVehicle(t, d)

	good := ecuManifest(t, testTCU, keys[testTCU])
	bad := ecuManifest(t, testBCU, keys[testTCU]) // signed by the wrong ECU
	vm := vehicleManifest(t, keys[testPrimary], map[string][]*signing.Signed[model.ECUManifest]{
		testTCU: {good},
		testBCU: {bad},
	})

	require.NoError(t, d.RegisterVehicleManifest(ctx, testVIN, testPrimary, vm))

	last, err := d.Inventory().GetLastVehicleManifest(ctx, testVIN)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, vm.Raw(), last.Raw())

	tcu, err := d.Inventory().GetECUManifests(ctx, testTCU)
	require.NoError(t, err)
	assert.Len(t, tcu, 1)

	bcu, err := d.Inventory().GetECUManifests(ctx, testBCU)
	require.NoError(t, err)
	assert.Empty(t, bcu)

	all, err := d.Inventory().GetAllECUManifestsFromVehicle(ctx, testVIN)
	require.NoError(t, err)
	assert.Len(t, all[testTCU], 1)
	assert.NotContains(t, all, testBCU)
}

func TestDirector_RegisterVehicleManifest_RejectsPrimary(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	keys := registeredVehicle(t, d)
	nested := map[string][]*signing.Signed[model.ECUManifest]{
		testTCU: {ecuManifest(t, testTCU, keys[testTCU])},
	}

	tests := []struct {
		name    string
		vin     string
		primary string
		key     *signing.Key
		want    error
	}{
		{"unknown vehicle", "nocar", testPrimary, keys[testPrimary], domain.ErrUnknownVehicle},
		{"claimed serial differs", testVIN, testTCU, keys[testPrimary], domain.ErrSpoofing},
		{"bad signature", testVIN, testPrimary, keys[testTCU], domain.ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.RegisterVehicleManifest(ctx, tt.vin, tt.primary, vehicleManifest(t, tt.key, nested))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// nothing was stored by the rejected calls
	last, err := d.Inventory().GetLastVehicleManifest(ctx, testVIN)
	require.NoError(t, err)
	assert.Nil(t, last)
	tcu, err := d.Inventory().GetECUManifests(ctx, testTCU)
	require.NoError(t, err)
	assert.Empty(t, tcu)
}

func TestDirector_RegisterVehicleManifest_PrimaryWithoutKey(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	require.NoError(t, d.AddNewVehicle(ctx, testVIN, []string{testPrimary}))

	vm := vehicleManifest(t, newKey(t), nil)
	err := d.RegisterVehicleManifest(ctx, testVIN, testPrimary, vm)
	assert.ErrorIs(t, err, domain.ErrUnknownECU)
}

func TestDirector_NestedManifestOfAnotherVehicle(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	keys := registeredVehicle(t, d)

	require.NoError(t, d.AddNewVehicle(ctx, "othercar", []string{"foreign"}))
	foreignKey := newKey(t)
	require.NoError(t, d.RegisterECUSerial(ctx, "foreign", foreignKey, "othercar", false))

	vm := vehicleManifest(t, keys[testPrimary], map[string][]*signing.Signed[model.ECUManifest]{
		"foreign": {ecuManifest(t, "foreign", foreignKey)},
	})
	require.NoError(t, d.RegisterVehicleManifest(ctx, testVIN, testPrimary, vm))

	stored, err := d.Inventory().GetECUManifests(ctx, "foreign")
	require.NoError(t, err)
	assert.Empty(t, stored)

	err = d.RegisterECUManifest(ctx, testVIN, "foreign", ecuManifest(t, "foreign", foreignKey))
	assert.ErrorIs(t, err, domain.ErrSpoofing)
	require.NoError(t, d.RegisterECUManifest(ctx, "othercar", "foreign", ecuManifest(t, "foreign", foreignKey)))
}

func TestDirector_AddTargetForECU_PublishesAssignment(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	registeredVehicle(t, d)

	info := repository.TargetInfoFromBytes("/firmware.img", []byte("fw"), model.Custom{HardwareID: "ECU-A"})
	assert.ErrorIs(t, d.AddTargetForECU(ctx, "nocar", testTCU, info), domain.ErrUnknownVehicle)
	assert.ErrorIs(t, d.AddTargetForECU(ctx, testVIN, "ghost", info), domain.ErrUnknownECU)

	require.NoError(t, d.AddTargetForECU(ctx, testVIN, testTCU, info))
	require.NoError(t, d.PublishVehicle(ctx, testVIN))

	repo, err := d.VehicleRepository(ctx, testVIN)
	require.NoError(t, err)
	root, err := repo.RootBytes()
	require.NoError(t, err)

	u, err := repository.NewUpdater(repository.UpdaterConfig{
		Name:        "director",
		Dir:         filepath.Join(t.TempDir(), "client"),
		TrustedRoot: root,
		Fetcher:     repository.DirFetcher{Dir: filepath.Join(d.dir, testVIN)},
		Logger:      log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	require.NoError(t, u.Refresh(ctx))

	got, err := u.Target("/firmware.img")
	require.NoError(t, err)
	assert.Equal(t, testTCU, got.Custom.ECUSerial)
	assert.Equal(t, "ECU-A", got.Custom.HardwareID)
}

func TestDirector_AddNewVehicle_Twice(t *testing.T) {
	ctx := context.Background()
	d := newTestDirector(t)
	require.NoError(t, d.AddNewVehicle(ctx, testVIN, nil))
	assert.ErrorIs(t, d.AddNewVehicle(ctx, testVIN, nil), domain.ErrConflict)
	assert.ErrorIs(t, d.AddNewVehicle(ctx, "../escape", nil), domain.ErrFormat)
}
