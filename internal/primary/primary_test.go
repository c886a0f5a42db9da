/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package primary

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/timeserver"
	"github.com/kentakayama/uptane-over-http/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVIN     = "democar"
	testPrimary = "INFOdemocar"
	testTCU     = "TCUdemocar"
)

var quietLogger = log.New(io.Discard, "", 0)

type testEnv struct {
	imageRepo    *repository.Repository
	directorRepo *repository.Repository
	primary      *Primary
	timeserver   *timeserver.Timeserver
	timeKey      *signing.Key
	secondaryKey *signing.Key
}

func newKey(t *testing.T) *signing.Key {
	t.Helper()
	k, err := signing.GenerateKey(signing.KeyTypeEd25519)
	require.NoError(t, err)
	return k
}

func newRepo(t *testing.T, name string) *repository.Repository {
	t.Helper()
	keys := repository.RoleKeySet{}
	for _, role := range repository.TopLevelRoles {
		keys[role] = []*signing.Key{newKey(t)}
	}
	repo, err := repository.NewRepository(repository.Config{
		Name:   name,
		Dir:    filepath.Join(t.TempDir(), name),
		Keys:   keys,
		Logger: quietLogger,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Publish())
	return repo
}

func newMirror(t *testing.T, repo *repository.Repository) *repository.Updater {
	t.Helper()
	root, err := repo.RootBytes()
	require.NoError(t, err)
	u, err := repository.NewUpdater(repository.UpdaterConfig{
		Name:        repo.Name(),
		Dir:         filepath.Join(t.TempDir(), "mirror-"+repo.Name()),
		TrustedRoot: root,
		Fetcher:     repository.DirFetcher{Dir: filepath.Dir(repo.MetadataDir())},
		Logger:      quietLogger,
	})
	require.NoError(t, err)
	return u
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		imageRepo:    newRepo(t, "imagerepo"),
		directorRepo: newRepo(t, "director"),
		timeKey:      newKey(t),
		secondaryKey: newKey(t),
	}
	ts, err := timeserver.New(env.timeKey, nil, quietLogger)
	require.NoError(t, err)
	env.timeserver = ts

	p, err := New(Config{
		VIN:               testVIN,
		ECUSerial:         testPrimary,
		HardwareID:        "INFO",
		Key:               newKey(t),
		TimeserverKey:     ts.PublicKey(),
		Director:          newMirror(t, env.directorRepo),
		ImageRepositories: []repository.Mirror{newMirror(t, env.imageRepo)},
		Dir:               t.TempDir(),
		Logger:            quietLogger,
	})
	require.NoError(t, err)
	require.NoError(t, p.RegisterNewSecondary(testTCU))
	env.primary = p
	return env
}

// offer publishes image under targetPath on the Image Repository and
// assigns it to serial on the Director.
func (env *testEnv) offer(t *testing.T, targetPath string, image []byte, serial string, director, supplier model.Custom) {
	t.Helper()
	_, err := env.imageRepo.AddTargetFromBytes(targetPath, image, supplier)
	require.NoError(t, err)
	require.NoError(t, env.imageRepo.Publish())

	director.ECUSerial = serial
	require.NoError(t, env.directorRepo.AddTarget(repository.TargetInfoFromBytes(targetPath, image, director)))
	require.NoError(t, env.directorRepo.Publish())
}

func (env *testEnv) ecuManifest(t *testing.T, serial string, m model.ECUManifest) *signing.Signed[model.ECUManifest] {
	t.Helper()
	m.ECUSerial = serial
	signed, err := signing.Sign(m, env.secondaryKey)
	require.NoError(t, err)
	return signed
}

type timeSource struct{ ts *timeserver.Timeserver }

func (s timeSource) GetSignedTime(ctx context.Context, nonces []model.Nonce) (*signing.Signed[model.TimeAttestation], error) {
	return s.ts.GetSignedTime(nonces)
}

type recordingDirector struct {
	err      error
	received []*signing.Signed[model.VehicleManifest]
}

func (d *recordingDirector) RegisterVehicleManifest(ctx context.Context, vin, primarySerial string, m *signing.Signed[model.VehicleManifest]) error {
	if d.err != nil {
		return d.err
	}
	d.received = append(d.received, m)
	return nil
}

func TestPrimary_UpdateCycle_OK(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.offer(t, "/firmware.img", []byte("firmware v2"), testTCU, model.Custom{HardwareID: "ECU-A"}, model.Custom{HardwareID: "ECU-A"})

	exists, err := env.primary.UpdateExistsForECU(testTCU)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = env.primary.GetMetadataForECU(testTCU, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	report, err := env.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	require.Contains(t, report.Assigned, testTCU)
	assert.Equal(t, testTCU, report.Assigned[testTCU].Custom.ECUSerial)

	exists, err = env.primary.UpdateExistsForECU(testTCU)
	require.NoError(t, err)
	assert.True(t, exists)

	name, image, err := env.primary.GetImageForECU(testTCU)
	require.NoError(t, err)
	assert.Equal(t, "firmware.img", name)
	assert.Equal(t, []byte("firmware v2"), image)

	local, err := env.primary.GetImageFnameForECU(testTCU)
	require.NoError(t, err)
	assert.FileExists(t, local)

	archive, err := env.primary.GetMetadataForECU(testTCU, false)
	require.NoError(t, err)
	bundle, err := repository.UnmarshalBundle(archive)
	require.NoError(t, err)
	assert.Contains(t, bundle, "director")
	assert.Contains(t, bundle, "imagerepo")

	partial, err := env.primary.GetMetadataForECU(testTCU, true)
	require.NoError(t, err)
	assert.Equal(t, bundle["director"]["targets.cbor"], partial)

	_, err = env.primary.GetMetadataForECU("ghost", false)
	assert.ErrorIs(t, err, domain.ErrUnknownECU)
}

func TestPrimary_GetValidatedTargetInfo_ReturnsDirectorCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.offer(t, "/firmware.img", []byte("fw"), testTCU, model.Custom{}, model.Custom{ReleaseCounter: model.ReleaseCounter(3)})
	_, err := env.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)

	info, err := env.primary.GetValidatedTargetInfo("/firmware.img")
	require.NoError(t, err)
	assert.Equal(t, testTCU, info.Custom.ECUSerial)
	assert.Nil(t, info.Custom.ReleaseCounter)

	_, err = env.primary.GetValidatedTargetInfo("/missing.img")
	assert.ErrorIs(t, err, domain.ErrUnknownTarget)
}

func TestPrimary_RollbackRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// TCUdemocar runs an image with release counter 1
	require.NoError(t, env.primary.RegisterECUManifest(testVIN, testTCU, 1, env.ecuManifest(t, testTCU, model.ECUManifest{ReleaseCounter: 1})))

	env.offer(t, "/firmware.img", []byte("old firmware"), testTCU,
		model.Custom{ReleaseCounter: model.ReleaseCounter(0)},
		model.Custom{ReleaseCounter: model.ReleaseCounter(0)})

	report, err := env.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Assigned)
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[0].Err, domain.ErrImageRollBack)
	assert.Equal(t, testTCU, report.Failures[0].ECUSerial)

	_, err = env.primary.GetValidatedTargetInfo("/firmware.img")
	assert.ErrorIs(t, err, domain.ErrImageRollBack)
}

func TestPrimary_AcceptedReleaseCounterNeverDecreases(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.offer(t, "/v5.img", []byte("v5"), testTCU, model.Custom{ReleaseCounter: model.ReleaseCounter(5)}, model.Custom{})
	_, err := env.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)

	require.NoError(t, env.directorRepo.RemoveTarget("/v5.img"))
	env.offer(t, "/v4.img", []byte("v4"), testTCU, model.Custom{ReleaseCounter: model.ReleaseCounter(4)}, model.Custom{})
	report, err := env.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[0].Err, domain.ErrImageRollBack)

	// a lower counter reported by the ECU does not lower the accepted one
	require.NoError(t, env.primary.RegisterECUManifest(testVIN, testTCU, 2, env.ecuManifest(t, testTCU, model.ECUManifest{ReleaseCounter: 0})))
	_, err = env.primary.GetValidatedTargetInfo("/v4.img")
	assert.ErrorIs(t, err, domain.ErrImageRollBack)
}

func TestPrimary_HardwareIDMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.offer(t, "/firmware.img", []byte("fw"), testTCU, model.Custom{HardwareID: "ECU-A"}, model.Custom{HardwareID: "ECU-B"})

	report, err := env.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Assigned)
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[0].Err, domain.ErrHardwareIDMismatch)
}

func TestPrimary_HardwareIDMismatchWithReportedHardware(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.primary.RegisterECUManifest(testVIN, testTCU, 1, env.ecuManifest(t, testTCU, model.ECUManifest{HardwareID: "ECU-B"})))
	env.offer(t, "/firmware.img", []byte("fw"), testTCU, model.Custom{HardwareID: "ECU-A"}, model.Custom{HardwareID: "ECU-A"})

	_, err := env.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)
	_, err = env.primary.GetValidatedTargetInfo("/firmware.img")
	assert.ErrorIs(t, err, domain.ErrHardwareIDMismatch)
}

func TestPrimary_UpdateCycle_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.primary.RegisterNewSecondary("BCUdemocar"))

	env.offer(t, "/tcu.img", []byte("tcu"), testTCU, model.Custom{}, model.Custom{})
	env.offer(t, "/bcu.img", []byte("bcu"), "BCUdemocar", model.Custom{}, model.Custom{})
	env.offer(t, "/ghost.img", []byte("ghost"), "ghost", model.Custom{}, model.Custom{})

	// the Director assigns a file the Image Repository does not list
	require.NoError(t, env.directorRepo.AddTarget(repository.TargetInfoFromBytes("/rogue.img", []byte("rogue"), model.Custom{ECUSerial: testTCU})))
	require.NoError(t, env.directorRepo.Publish())

	// the Image Repository serves corrupted bytes for the BCU image
	require.NoError(t, os.WriteFile(filepath.Join(env.imageRepo.TargetsDir(), "bcu.img"), []byte("bcx"), 0o644))

	report, err := env.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)

	assert.Contains(t, report.Assigned, testTCU)
	assert.NotContains(t, report.Assigned, "BCUdemocar")
	assert.NotContains(t, report.Assigned, "ghost")

	kinds := map[string]error{}
	for _, f := range report.Failures {
		kinds[f.Filepath] = f.Err
	}
	assert.ErrorIs(t, kinds["/rogue.img"], domain.ErrUnknownTarget)
	assert.ErrorIs(t, kinds["/bcu.img"], domain.ErrBadHash)
	assert.NotContains(t, kinds, "/ghost.img")

	_, _, err = env.primary.GetImageForECU("BCUdemocar")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPrimary_UpdateCycle_DirectorOutage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.offer(t, "/firmware.img", []byte("fw"), testTCU, model.Custom{}, model.Custom{})

	require.NoError(t, os.Remove(filepath.Join(env.directorRepo.MetadataDir(), "timestamp.cbor")))
	_, err := env.primary.PrimaryUpdateCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "director")

	exists, err := env.primary.UpdateExistsForECU(testTCU)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPrimary_RegisterECUManifest_Rejections(t *testing.T) {
	env := newTestEnv(t)
	m := env.ecuManifest(t, "X", model.ECUManifest{})
	require.NoError(t, env.primary.RegisterNewSecondary("Y"))

	assert.ErrorIs(t, env.primary.RegisterECUManifest(testVIN, "Y", 1, m), domain.ErrSpoofing)
	assert.ErrorIs(t, env.primary.RegisterECUManifest("othercar", "X", 1, m), domain.ErrUnknownVehicle)
	assert.ErrorIs(t, env.primary.RegisterECUManifest(testVIN, "X", 1, m), domain.ErrUnknownECU)
	assert.ErrorIs(t, env.primary.RegisterECUManifest(testVIN, "X", -1, m), domain.ErrFormat)

	// nothing was buffered
	vm, err := env.primary.GenerateSignedVehicleManifest()
	require.NoError(t, err)
	assert.Empty(t, vm.Payload().ECUVersionManifests)
	assert.Empty(t, env.primary.GetNoncesToSendAndRotate())
}

func TestPrimary_TimeAttestation(t *testing.T) {
	env := newTestEnv(t)
	p := env.primary

	require.NoError(t, p.RegisterECUManifest(testVIN, testTCU, 9, env.ecuManifest(t, testTCU, model.ECUManifest{})))
	require.NoError(t, p.RegisterECUManifest(testVIN, testTCU, 9, env.ecuManifest(t, testTCU, model.ECUManifest{})))
	assert.Equal(t, []model.Nonce{9}, p.GetNoncesToSendAndRotate())

	wrong, err := env.timeserver.GetSignedTime([]model.Nonce{7, 8})
	require.NoError(t, err)
	assert.ErrorIs(t, p.ValidateTimeAttestation(wrong), domain.ErrBadTimeAttestation)
	assert.Nil(t, p.GetLastTimeserverAttestation())

	forger, err := timeserver.New(newKey(t), nil, quietLogger)
	require.NoError(t, err)
	forged, err := forger.GetSignedTime([]model.Nonce{9})
	require.NoError(t, err)
	assert.ErrorIs(t, p.ValidateTimeAttestation(forged), domain.ErrBadSignature)

	right, err := env.timeserver.GetSignedTime([]model.Nonce{9})
	require.NoError(t, err)
	require.NoError(t, p.ValidateTimeAttestation(right))
	assert.Equal(t, right, p.GetLastTimeserverAttestation())

	got, err := p.GetTimeAttestationForECU(testTCU)
	require.NoError(t, err)
	assert.True(t, got.Payload().HasNonce(9))
	_, err = p.GetTimeAttestationForECU("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownECU)

	// the pending batch was emptied by the rotation
	assert.Empty(t, p.GetNoncesToSendAndRotate())
}

func TestPrimary_TimeAttestationAcceptedOncePerBatch(t *testing.T) {
	env := newTestEnv(t)
	p := env.primary

	require.NoError(t, p.RegisterECUManifest(testVIN, testTCU, 9, env.ecuManifest(t, testTCU, model.ECUManifest{})))
	assert.Equal(t, []model.Nonce{9}, p.GetNoncesToSendAndRotate())

	a, err := env.timeserver.GetSignedTime([]model.Nonce{9})
	require.NoError(t, err)
	require.NoError(t, p.ValidateTimeAttestation(a))
	assert.ErrorIs(t, p.ValidateTimeAttestation(a), domain.ErrBadTimeAttestation)

	current, previous := p.LastTrustedTimes()
	assert.Equal(t, a.Payload().Time, current)
	assert.Zero(t, previous)

	// a new batch takes a new attestation
	assert.Empty(t, p.GetNoncesToSendAndRotate())
	next, err := env.timeserver.GetSignedTime(nil)
	require.NoError(t, err)
	require.NoError(t, p.ValidateTimeAttestation(next))
}

func TestPrimary_RequestTimeAttestation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.primary

	require.NoError(t, p.RegisterECUManifest(testVIN, testTCU, 42, env.ecuManifest(t, testTCU, model.ECUManifest{})))
	require.NoError(t, p.RequestTimeAttestation(ctx, timeSource{env.timeserver}))
	require.NoError(t, p.RequestTimeAttestation(ctx, timeSource{env.timeserver}))

	current, previous := p.LastTrustedTimes()
	assert.NotZero(t, current)
	assert.NotZero(t, previous)
	assert.GreaterOrEqual(t, current, previous)

	// time may not move backwards
	past, err := timeserver.New(env.timeKey, func() time.Time { return time.Unix(current-100, 0) }, quietLogger)
	require.NoError(t, err)
	err = p.RequestTimeAttestation(ctx, timeSource{past})
	assert.ErrorIs(t, err, domain.ErrBadTimeAttestation)
	assert.Equal(t, current, p.GetLastTimeserverAttestation().Payload().Time)
}

func TestPrimary_VehicleManifest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.primary

	m := env.ecuManifest(t, testTCU, model.ECUManifest{})
	require.NoError(t, p.RegisterECUManifest(testVIN, testTCU, 1, m))

	failing := &recordingDirector{err: errors.New("director unavailable")}
	assert.Error(t, p.SubmitVehicleManifest(ctx, failing))

	director := &recordingDirector{}
	require.NoError(t, p.SubmitVehicleManifest(ctx, director))
	require.Len(t, director.received, 1)
	vm := director.received[0].Payload()
	assert.Equal(t, testVIN, vm.VIN)
	assert.Equal(t, testPrimary, vm.PrimaryECUSerial)
	require.Len(t, vm.ECUVersionManifests[testTCU], 1)
	assert.Equal(t, m.Raw(), vm.ECUVersionManifests[testTCU][0].Raw())

	// the buffer was cleared by the successful submission
	next, err := p.GenerateSignedVehicleManifest()
	require.NoError(t, err)
	assert.Empty(t, next.Payload().ECUVersionManifests)
}

func TestPrimary_RegisterNewSecondary(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.primary.RegisterNewSecondary(testTCU))
	require.NoError(t, env.primary.RegisterNewSecondary("ABS1"))
	require.NoError(t, env.primary.RegisterNewSecondary(testTCU))
	got := env.primary.Secondaries()
	assert.Contains(t, got, testTCU)
	assert.Contains(t, got, "ABS1")
	assert.True(t, slices.IsSorted(got))
	assert.Len(t, got, len(util.NewSet(got...)))

	assert.ErrorIs(t, env.primary.RegisterNewSecondary(""), domain.ErrFormat)
	assert.ErrorIs(t, env.primary.RegisterNewSecondary("../x"), domain.ErrFormat)

	_, err := env.primary.UpdateExistsForECU("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownECU)
	_, err = env.primary.GetImageFnameForECU("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownECU)
}
