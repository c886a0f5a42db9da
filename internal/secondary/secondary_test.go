/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package secondary

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/primary"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/timeserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVIN     = "democar"
	testPrimary = "INFOdemocar"
	testTCU     = "TCUdemocar"
)

var quietLogger = log.New(io.Discard, "", 0)

func newKey(t *testing.T) *signing.Key {
	t.Helper()
	k, err := signing.GenerateKey(signing.KeyTypeEd25519)
	require.NoError(t, err)
	return k
}

type testRepo struct {
	*repository.Repository
	keys repository.RoleKeySet
}

func (r testRepo) root(t *testing.T) []byte {
	t.Helper()
	root, err := r.RootBytes()
	require.NoError(t, err)
	return root
}

func newRepo(t *testing.T, name string) testRepo {
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
	return testRepo{Repository: repo, keys: keys}
}

func newMirror(t *testing.T, repo testRepo) *repository.Updater {
	t.Helper()
	u, err := repository.NewUpdater(repository.UpdaterConfig{
		Name:        repo.Name(),
		Dir:         filepath.Join(t.TempDir(), "mirror-"+repo.Name()),
		TrustedRoot: repo.root(t),
		Fetcher:     repository.DirFetcher{Dir: filepath.Dir(repo.MetadataDir())},
		Logger:      quietLogger,
	})
	require.NoError(t, err)
	return u
}

// localPrimary serves a Primary in-process.
type localPrimary struct{ p *primary.Primary }

func (l localPrimary) RegisterSecondary(ctx context.Context, serial string) error {
	return l.p.RegisterNewSecondary(serial)
}

func (l localPrimary) SubmitECUManifest(ctx context.Context, vin, serial string, nonce model.Nonce, m *signing.Signed[model.ECUManifest]) error {
	return l.p.RegisterECUManifest(vin, serial, nonce, m)
}

func (l localPrimary) GetTimeAttestation(ctx context.Context, serial string) (*signing.Signed[model.TimeAttestation], error) {
	return l.p.GetTimeAttestationForECU(serial)
}

func (l localPrimary) GetMetadata(ctx context.Context, serial string, partial bool) ([]byte, error) {
	return l.p.GetMetadataForECU(serial, partial)
}

func (l localPrimary) UpdateExists(ctx context.Context, serial string) (bool, error) {
	return l.p.UpdateExistsForECU(serial)
}

func (l localPrimary) GetImage(ctx context.Context, serial string) (string, []byte, error) {
	return l.p.GetImageForECU(serial)
}

type timeSource struct{ ts *timeserver.Timeserver }

func (s timeSource) GetSignedTime(ctx context.Context, nonces []model.Nonce) (*signing.Signed[model.TimeAttestation], error) {
	return s.ts.GetSignedTime(nonces)
}

type vehicle struct {
	imageRepo    testRepo
	directorRepo testRepo
	timeserver   *timeserver.Timeserver
	primary      *primary.Primary
}

func newVehicle(t *testing.T) *vehicle {
	t.Helper()
	v := &vehicle{
		imageRepo:    newRepo(t, "imagerepo"),
		directorRepo: newRepo(t, "director"),
	}
	ts, err := timeserver.New(newKey(t), nil, quietLogger)
	require.NoError(t, err)
	v.timeserver = ts

	p, err := primary.New(primary.Config{
		VIN:               testVIN,
		ECUSerial:         testPrimary,
		Key:               newKey(t),
		TimeserverKey:     ts.PublicKey(),
		Director:          newMirror(t, v.directorRepo),
		ImageRepositories: []repository.Mirror{newMirror(t, v.imageRepo)},
		Dir:               t.TempDir(),
		Logger:            quietLogger,
	})
	require.NoError(t, err)
	v.primary = p
	return v
}

func (v *vehicle) offer(t *testing.T, targetPath string, image []byte, director, supplier model.Custom) {
	t.Helper()
	_, err := v.imageRepo.AddTargetFromBytes(targetPath, image, supplier)
	require.NoError(t, err)
	require.NoError(t, v.imageRepo.Publish())
	director.ECUSerial = testTCU
	require.NoError(t, v.directorRepo.AddTarget(repository.TargetInfoFromBytes(targetPath, image, director)))
	require.NoError(t, v.directorRepo.Publish())
}

func (v *vehicle) fullSecondary(t *testing.T, cfg Config) *Secondary {
	t.Helper()
	cfg.VIN = testVIN
	cfg.ECUSerial = testTCU
	cfg.Key = newKey(t)
	cfg.TimeserverKey = v.timeserver.PublicKey()
	cfg.DirectorName = "director"
	cfg.TrustedRoots = map[string][]byte{
		"director":  v.directorRepo.root(t),
		"imagerepo": v.imageRepo.root(t),
	}
	cfg.Dir = t.TempDir()
	cfg.Logger = quietLogger
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func (v *vehicle) partialSecondary(t *testing.T, cfg Config) *Secondary {
	t.Helper()
	cfg.VIN = testVIN
	cfg.ECUSerial = testTCU
	cfg.Key = newKey(t)
	cfg.TimeserverKey = v.timeserver.PublicKey()
	cfg.Partial = true
	cfg.DirectorKey = v.directorRepo.keys[repository.RoleTargets][0].PublicOnly()
	cfg.Dir = t.TempDir()
	cfg.Logger = quietLogger
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

// round runs one report and update round between s, the Primary and the
// Timeserver.
func (v *vehicle) round(t *testing.T, s *Secondary) bool {
	t.Helper()
	ctx := context.Background()
	pc := localPrimary{v.primary}
	require.NoError(t, s.RegisterWithPrimary(ctx, pc))
	require.NoError(t, s.ReportToPrimary(ctx, pc))
	require.NoError(t, v.primary.RequestTimeAttestation(ctx, timeSource{v.timeserver}))
	_, err := v.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)
	installed, err := s.FetchUpdate(ctx, pc)
	require.NoError(t, err)
	return installed
}

func TestSecondary_New_ConsistencyCheck(t *testing.T) {
	key := newKey(t)
	base := Config{VIN: testVIN, ECUSerial: testTCU, Key: key, TimeserverKey: key.PublicOnly(), Dir: t.TempDir()}

	partialWithoutKey := base
	partialWithoutKey.Partial = true
	_, err := New(partialWithoutKey)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	fullWithKey := base
	fullWithKey.DirectorKey = key.PublicOnly()
	_, err = New(fullWithKey)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	fullWithoutDirectorRoot := base
	fullWithoutDirectorRoot.DirectorName = "director"
	_, err = New(fullWithoutDirectorRoot)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestSecondary_NonceSingleUse(t *testing.T) {
	v := newVehicle(t)
	s := v.partialSecondary(t, Config{})

	attestation, err := v.timeserver.GetSignedTime([]model.Nonce{1, 2})
	require.NoError(t, err)
	assert.ErrorIs(t, s.ValidateTimeAttestation(attestation), domain.ErrBadTimeAttestation)

	sent := s.SetNonceAsSent()
	assert.ErrorIs(t, s.ValidateTimeAttestation(attestation), domain.ErrBadTimeAttestation)

	good, err := v.timeserver.GetSignedTime([]model.Nonce{sent})
	require.NoError(t, err)
	require.NoError(t, s.ValidateTimeAttestation(good))
	current, _ := s.TrustedTimes()
	assert.Equal(t, good.Payload().Time, current)

	// the nonce was consumed
	assert.ErrorIs(t, s.ValidateTimeAttestation(good), domain.ErrBadTimeAttestation)

	forger, err := timeserver.New(newKey(t), nil, quietLogger)
	require.NoError(t, err)
	s.SetNonceAsSent()
	forged, err := forger.GetSignedTime([]model.Nonce{s.SetNonceAsSent()})
	require.NoError(t, err)
	assert.ErrorIs(t, s.ValidateTimeAttestation(forged), domain.ErrBadSignature)
}

func TestSecondary_Full_UpdateRound(t *testing.T) {
	v := newVehicle(t)
	v.offer(t, "/firmware.img", []byte("firmware v2"), model.Custom{ReleaseCounter: model.ReleaseCounter(2)}, model.Custom{HardwareID: "TCU"})
	s := v.fullSecondary(t, Config{HardwareID: "TCU"})

	assert.True(t, v.round(t, s))
	installed, rc := s.Firmware()
	assert.Equal(t, "/firmware.img", installed.Filepath)
	assert.Equal(t, uint64(2), rc)

	m, err := s.GenerateSignedECUManifest()
	require.NoError(t, err)
	payload := m.Payload()
	assert.Equal(t, testTCU, payload.ECUSerial)
	assert.Equal(t, "/firmware.img", payload.InstalledImage.Filepath)
	assert.Empty(t, payload.AttacksDetected)
	assert.GreaterOrEqual(t, payload.TimeserverTime, payload.PreviousTimeserverTime)
}

func TestSecondary_Partial_UpdateRound(t *testing.T) {
	v := newVehicle(t)
	v.offer(t, "/firmware.img", []byte("firmware v2"), model.Custom{}, model.Custom{})
	s := v.partialSecondary(t, Config{})

	assert.True(t, v.round(t, s))
	installed, _ := s.Firmware()
	assert.Equal(t, "/firmware.img", installed.Filepath)
}

// imagelessPrimary announces updates but never hands out the image.
type imagelessPrimary struct{ localPrimary }

func (imagelessPrimary) GetImage(ctx context.Context, serial string) (string, []byte, error) {
	return "", nil, domain.ErrNotFound
}

func TestSecondary_MissingImageIsReported(t *testing.T) {
	ctx := context.Background()
	v := newVehicle(t)
	v.offer(t, "/firmware.img", []byte("firmware v2"), model.Custom{}, model.Custom{})
	s := v.partialSecondary(t, Config{})

	pc := imagelessPrimary{localPrimary{v.primary}}
	require.NoError(t, s.RegisterWithPrimary(ctx, pc))
	require.NoError(t, s.ReportToPrimary(ctx, pc))
	require.NoError(t, v.primary.RequestTimeAttestation(ctx, timeSource{v.timeserver}))
	_, err := v.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)

	installed, err := s.FetchUpdate(ctx, pc)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, installed)

	m, err := s.GenerateSignedECUManifest()
	require.NoError(t, err)
	assert.Contains(t, m.Payload().AttacksDetected, "received none")
}

func TestSecondary_Full_DirectorMetadataRequired(t *testing.T) {
	ctx := context.Background()
	v := newVehicle(t)
	v.offer(t, "/firmware.img", []byte("fw"), model.Custom{}, model.Custom{})
	s := v.fullSecondary(t, Config{})

	// an archive carrying the Image Repository's metadata only
	mirror := newMirror(t, v.imageRepo)
	require.NoError(t, mirror.Refresh(ctx))
	data, err := repository.NewBundle(mirror).Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "archive.cbor")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	err = s.ProcessMetadata(ctx, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "director")
	assert.Empty(t, s.ValidatedTargets())
}

func TestSecondary_Full_DetectsDisagreement(t *testing.T) {
	v := newVehicle(t)
	_, err := v.imageRepo.AddTargetFromBytes("/firmware.img", []byte("genuine"), model.Custom{})
	require.NoError(t, err)
	require.NoError(t, v.imageRepo.Publish())
	require.NoError(t, v.directorRepo.AddTarget(repository.TargetInfoFromBytes("/firmware.img", []byte("malicious"), model.Custom{ECUSerial: testTCU})))
	require.NoError(t, v.directorRepo.Publish())

	s := v.fullSecondary(t, Config{})
	assert.False(t, v.round(t, s))
	assert.Empty(t, s.ValidatedTargets())

	m, err := s.GenerateSignedECUManifest()
	require.NoError(t, err)
	assert.Contains(t, m.Payload().AttacksDetected, "/firmware.img")

	// the anomalies are reported once
	m, err = s.GenerateSignedECUManifest()
	require.NoError(t, err)
	assert.Empty(t, m.Payload().AttacksDetected)
}

func TestSecondary_RejectsRollbackAndForeignHardware(t *testing.T) {
	ctx := context.Background()
	v := newVehicle(t)
	v.offer(t, "/old.img", []byte("old"), model.Custom{ReleaseCounter: model.ReleaseCounter(1)}, model.Custom{})
	s := v.partialSecondary(t, Config{ReleaseCounter: 5, HardwareID: "ECU-A"})

	data, err := v.primaryMetadata(t, ctx, true)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "director_targets.cbor")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, s.ProcessMetadata(ctx, path))
	assert.Empty(t, s.ValidatedTargets())

	require.NoError(t, v.directorRepo.AddTarget(repository.TargetInfoFromBytes("/other.img", []byte("other"), model.Custom{ECUSerial: testTCU, HardwareID: "ECU-B"})))
	require.NoError(t, v.directorRepo.Publish())
	data, err = v.primaryMetadata(t, ctx, true)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, s.ProcessMetadata(ctx, path))
	assert.Empty(t, s.ValidatedTargets())

	m, err := s.GenerateSignedECUManifest()
	require.NoError(t, err)
	assert.Contains(t, m.Payload().AttacksDetected, "image roll back")
	assert.Contains(t, m.Payload().AttacksDetected, "hardware ID mismatch")
}

func (v *vehicle) primaryMetadata(t *testing.T, ctx context.Context, partial bool) ([]byte, error) {
	t.Helper()
	require.NoError(t, v.primary.RegisterNewSecondary(testTCU))
	_, err := v.primary.PrimaryUpdateCycle(ctx)
	require.NoError(t, err)
	return v.primary.GetMetadataForECU(testTCU, partial)
}

func TestSecondary_Partial_RejectsForgedAndReplayedTargets(t *testing.T) {
	ctx := context.Background()
	v := newVehicle(t)
	v.offer(t, "/firmware.img", []byte("fw"), model.Custom{}, model.Custom{})
	s := v.partialSecondary(t, Config{})
	path := filepath.Join(t.TempDir(), "director_targets.cbor")

	older, err := v.primaryMetadata(t, ctx, true)
	require.NoError(t, err)
	require.NoError(t, v.directorRepo.Publish())
	newer, err := v.primaryMetadata(t, ctx, true)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, newer, 0o644))
	require.NoError(t, s.ProcessMetadata(ctx, path))
	require.NoError(t, os.WriteFile(path, older, 0o644))
	assert.ErrorIs(t, s.ProcessMetadata(ctx, path), domain.ErrReplayedMetadata)

	forged, err := signing.Sign(repository.Targets{Version: 99, Expires: 1 << 40}, newKey(t))
	require.NoError(t, err)
	data, err := signing.Encode(forged, signing.EncodeOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	assert.ErrorIs(t, s.ProcessMetadata(ctx, path), domain.ErrBadSignature)
}

func TestSecondary_ValidateImage(t *testing.T) {
	ctx := context.Background()
	v := newVehicle(t)
	v.offer(t, "/firmware.img", []byte("firmware"), model.Custom{}, model.Custom{})
	s := v.partialSecondary(t, Config{})

	data, err := v.primaryMetadata(t, ctx, true)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "director_targets.cbor")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, s.ProcessMetadata(ctx, path))
	require.Len(t, s.ValidatedTargets(), 1)

	dir := t.TempDir()
	unexpected := filepath.Join(dir, "unexpected.img")
	require.NoError(t, os.WriteFile(unexpected, []byte("firmware"), 0o644))
	assert.ErrorIs(t, s.ValidateImage(unexpected), domain.ErrUnknownTarget)

	tampered := filepath.Join(dir, "firmware.img")
	require.NoError(t, os.WriteFile(tampered, []byte("firmwarX"), 0o644))
	assert.ErrorIs(t, s.Install(tampered), domain.ErrBadHash)
	installed, _ := s.Firmware()
	assert.Empty(t, installed.Filepath)

	require.NoError(t, os.WriteFile(tampered, []byte("firmware"), 0o644))
	require.NoError(t, s.Install(tampered))
	installed, _ = s.Firmware()
	assert.Equal(t, "/firmware.img", installed.Filepath)
}
