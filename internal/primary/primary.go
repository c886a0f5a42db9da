/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package primary

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/util"
)

const (
	distributionDirName = "distribution"
	imagesDirName       = "images"

	// FullMetadataArchive is served to Full verification Secondaries.
	FullMetadataArchive = "full_metadata_archive.cbor"
	// DirectorTargets is served to Partial verification Secondaries.
	DirectorTargets = "director_targets.cbor"
)

// DirectorClient delivers vehicle manifests to the Director.
type DirectorClient interface {
	RegisterVehicleManifest(ctx context.Context, vin, primarySerial string, m *signing.Signed[model.VehicleManifest]) error
}

// TimeSource is the Timeserver as seen by a Primary.
type TimeSource interface {
	GetSignedTime(ctx context.Context, nonces []model.Nonce) (*signing.Signed[model.TimeAttestation], error)
}

type Config struct {
	VIN            string
	ECUSerial      string
	HardwareID     string
	ReleaseCounter uint64
	Key            *signing.Key
	TimeserverKey  *signing.Key
	// Director is the vehicle's Director repository. ImageRepositories must
	// agree with it and are tried first for image bytes.
	Director          repository.Mirror
	ImageRepositories []repository.Mirror
	// Dir holds downloaded images and the artifacts served to Secondaries.
	Dir    string
	Logger *log.Logger
}

// Primary is the vehicle gateway. It validates what the repositories
// publish, fetches images for its Secondaries, and aggregates their
// manifests for the Director.
type Primary struct {
	vin            string
	serial         string
	hardwareID     string
	releaseCounter uint64
	key            *signing.Key
	timeserverKey  *signing.Key
	director       repository.Mirror
	mirrors        []repository.Mirror // image repositories first, Director last
	trust          *repository.TrustSet
	dir            string
	logger         *log.Logger

	cycleMu sync.Mutex // one update cycle at a time

	mu              sync.Mutex
	secondaries     util.Set[string]
	ecuManifests    map[string][]*signing.Signed[model.ECUManifest]
	noncesPending   []model.Nonce
	noncesSent      []model.Nonce
	sentValidated   bool // noncesSent already used by an accepted attestation
	attestations    []*signing.Signed[model.TimeAttestation]
	times           []int64
	hardwareIDs     map[string]string // as reported by each ECU
	releaseCounters map[string]uint64 // highest accepted per ECU
	assigned        map[string]model.TargetInfo
}

func New(cfg Config) (*Primary, error) {
	if cfg.VIN == "" || cfg.ECUSerial == "" {
		return nil, fmt.Errorf("%w: Primary needs a VIN and an ECU serial", domain.ErrInvalidConfig)
	}
	if cfg.Key == nil || !cfg.Key.HasPrivate() {
		return nil, fmt.Errorf("%w: Primary needs a private key", domain.ErrInvalidConfig)
	}
	if cfg.TimeserverKey == nil {
		return nil, fmt.Errorf("%w: Primary needs the Timeserver key", domain.ErrInvalidConfig)
	}
	if cfg.Director == nil || cfg.Dir == "" {
		return nil, fmt.Errorf("%w: Primary needs a Director repository and a directory", domain.ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	others := make([]repository.NamedRepository, 0, len(cfg.ImageRepositories))
	for _, m := range cfg.ImageRepositories {
		others = append(others, repository.NamedRepository{Name: m.Name(), Repository: m})
	}
	trust, err := repository.NewTrustSet(repository.NamedRepository{Name: cfg.Director.Name(), Repository: cfg.Director}, others...)
	if err != nil {
		return nil, err
	}

	return &Primary{
		vin:             cfg.VIN,
		serial:          cfg.ECUSerial,
		hardwareID:      cfg.HardwareID,
		releaseCounter:  cfg.ReleaseCounter,
		key:             cfg.Key,
		timeserverKey:   cfg.TimeserverKey,
		director:        cfg.Director,
		mirrors:         append(slices.Clone(cfg.ImageRepositories), cfg.Director),
		trust:           trust,
		dir:             cfg.Dir,
		logger:          logger,
		secondaries:     util.NewSet[string](),
		ecuManifests:    make(map[string][]*signing.Signed[model.ECUManifest]),
		hardwareIDs:     make(map[string]string),
		releaseCounters: make(map[string]uint64),
		assigned:        make(map[string]model.TargetInfo),
	}, nil
}

func (p *Primary) VIN() string { return p.vin }

func (p *Primary) ECUSerial() string { return p.serial }

// RegisterNewSecondary adds serial to the Secondaries this Primary serves.
// Registering a known serial again is a no-op.
func (p *Primary) RegisterNewSecondary(serial string) error {
	if !util.IsPlainName(serial) {
		return fmt.Errorf("%w: ECU serial %q", domain.ErrFormat, serial)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.secondaries.Add(serial) {
		p.logger.Printf("primary %s: registered Secondary %s", p.serial, serial)
	}
	return nil
}

// Secondaries returns the registered Secondary serials in order.
func (p *Primary) Secondaries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secondaries.Sorted()
}

// checkSecondary must be called with p.mu held.
func (p *Primary) checkSecondary(serial string) error {
	if !p.secondaries.Has(serial) {
		return fmt.Errorf("%w: %q is not a Secondary of %s", domain.ErrUnknownECU, serial, p.serial)
	}
	return nil
}

// RegisterECUManifest buffers a Secondary's manifest for the next vehicle
// manifest and queues its nonce for the next Timeserver request. The
// signature is left to the Director, which knows the Secondary's key.
func (p *Primary) RegisterECUManifest(vin, serial string, nonce model.Nonce, m *signing.Signed[model.ECUManifest]) error {
	if m == nil {
		return fmt.Errorf("%w: no ECU manifest", domain.ErrFormat)
	}
	if err := nonce.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFormat, err)
	}
	if vin != p.vin {
		return fmt.Errorf("%w: %q, this Primary serves %q", domain.ErrUnknownVehicle, vin, p.vin)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkSecondary(serial); err != nil {
		return err
	}
	payload := m.Payload()
	if payload.ECUSerial != serial {
		p.logger.Printf("primary %s: %s sent a manifest signed for %s", p.serial, serial, payload.ECUSerial)
		return fmt.Errorf("%w: caller claims %q, manifest is signed for %q", domain.ErrSpoofing, serial, payload.ECUSerial)
	}

	p.ecuManifests[serial] = append(p.ecuManifests[serial], m)
	if !slices.Contains(p.noncesPending, nonce) {
		p.noncesPending = append(p.noncesPending, nonce)
	}
	if payload.HardwareID != "" {
		p.hardwareIDs[serial] = payload.HardwareID
	}
	if payload.ReleaseCounter > p.releaseCounters[serial] {
		p.releaseCounters[serial] = payload.ReleaseCounter
	}
	if payload.AttacksDetected != "" {
		p.logger.Printf("primary %s: %s reports attacks: %s", p.serial, serial, payload.AttacksDetected)
	}
	return nil
}

// GenerateSignedVehicleManifest signs every buffered ECU manifest into one
// vehicle manifest and empties the buffer.
func (p *Primary) GenerateSignedVehicleManifest() (*signing.Signed[model.VehicleManifest], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := signing.Sign(model.VehicleManifest{
		VIN:                 p.vin,
		PrimaryECUSerial:    p.serial,
		HardwareID:          p.hardwareID,
		ReleaseCounter:      p.releaseCounter,
		ECUVersionManifests: p.ecuManifests,
	}, p.key)
	if err != nil {
		return nil, err
	}
	p.ecuManifests = make(map[string][]*signing.Signed[model.ECUManifest])
	return m, nil
}

// SubmitVehicleManifest sends a fresh vehicle manifest to the Director. If
// delivery fails the ECU manifests are buffered again.
func (p *Primary) SubmitVehicleManifest(ctx context.Context, director DirectorClient) error {
	m, err := p.GenerateSignedVehicleManifest()
	if err != nil {
		return err
	}
	if err := director.RegisterVehicleManifest(ctx, p.vin, p.serial, m); err != nil {
		p.rebuffer(m.Payload().ECUVersionManifests)
		return fmt.Errorf("submit vehicle manifest: %w", err)
	}
	return nil
}

func (p *Primary) rebuffer(manifests map[string][]*signing.Signed[model.ECUManifest]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for serial, list := range manifests {
		p.ecuManifests[serial] = append(slices.Clone(list), p.ecuManifests[serial]...)
	}
}

// GetNoncesToSendAndRotate returns the nonces collected since the previous
// call and marks them as sent.
func (p *Primary) GetNoncesToSendAndRotate() []model.Nonce {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noncesSent = p.noncesPending
	p.noncesPending = nil
	p.sentValidated = false
	return slices.Clone(p.noncesSent)
}

// ValidateTimeAttestation accepts an attestation signed by the Timeserver
// that lists every nonce most recently sent and does not move time
// backwards. Each batch of sent nonces is accepted at most once.
func (p *Primary) ValidateTimeAttestation(a *signing.Signed[model.TimeAttestation]) error {
	if a == nil {
		return fmt.Errorf("%w: no attestation", domain.ErrFormat)
	}
	if err := a.Verify(p.timeserverKey); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sentValidated {
		return fmt.Errorf("%w: sent nonces were already validated", domain.ErrBadTimeAttestation)
	}
	payload := a.Payload()
	for _, n := range p.noncesSent {
		if !payload.HasNonce(n) {
			p.logger.Printf("primary %s: time attestation lacks sent nonce %d", p.serial, n)
			return fmt.Errorf("%w: nonce %d missing", domain.ErrBadTimeAttestation, n)
		}
	}
	if len(p.times) > 0 && payload.Time < p.times[len(p.times)-1] {
		return fmt.Errorf("%w: time %d precedes %d", domain.ErrBadTimeAttestation, payload.Time, p.times[len(p.times)-1])
	}
	p.attestations = append(p.attestations, a)
	p.times = append(p.times, payload.Time)
	p.sentValidated = true
	return nil
}

// RequestTimeAttestation sends the pending nonces to the Timeserver and
// validates the answer.
func (p *Primary) RequestTimeAttestation(ctx context.Context, ts TimeSource) error {
	nonces := p.GetNoncesToSendAndRotate()
	a, err := ts.GetSignedTime(ctx, nonces)
	if err != nil {
		return fmt.Errorf("timeserver: %w", err)
	}
	return p.ValidateTimeAttestation(a)
}

// GetLastTimeserverAttestation returns nil before the first valid one.
func (p *Primary) GetLastTimeserverAttestation() *signing.Signed[model.TimeAttestation] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.attestations) == 0 {
		return nil
	}
	return p.attestations[len(p.attestations)-1]
}

// GetTimeAttestationForECU returns the newest valid attestation, which
// lists the nonce serial sent before the last Timeserver request.
func (p *Primary) GetTimeAttestationForECU(serial string) (*signing.Signed[model.TimeAttestation], error) {
	p.mu.Lock()
	if err := p.checkSecondary(serial); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	a := p.GetLastTimeserverAttestation()
	if a == nil {
		return nil, fmt.Errorf("%w: no time attestation yet", domain.ErrNotFound)
	}
	return a, nil
}

// LastTrustedTimes returns the two newest attested times, newest first.
func (p *Primary) LastTrustedTimes() (current, previous int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.times)
	if n > 0 {
		current = p.times[n-1]
	}
	if n > 1 {
		previous = p.times[n-2]
	}
	return current, previous
}

func (p *Primary) UpdateExistsForECU(serial string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkSecondary(serial); err != nil {
		return false, err
	}
	_, ok := p.assigned[serial]
	return ok, nil
}

// GetImageFnameForECU returns the local path of the image assigned to
// serial, or "" when there is none.
func (p *Primary) GetImageFnameForECU(serial string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkSecondary(serial); err != nil {
		return "", err
	}
	info, ok := p.assigned[serial]
	if !ok {
		return "", nil
	}
	return p.imagePath(serial, info), nil
}

// GetImageForECU returns the file name and bytes of the image assigned to
// serial.
func (p *Primary) GetImageForECU(serial string) (string, []byte, error) {
	p.mu.Lock()
	if err := p.checkSecondary(serial); err != nil {
		p.mu.Unlock()
		return "", nil, err
	}
	info, ok := p.assigned[serial]
	p.mu.Unlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: no image for %q", domain.ErrNotFound, serial)
	}

	data, err := os.ReadFile(p.imagePath(serial, info))
	if err != nil {
		return "", nil, err
	}
	return info.Filename(), data, nil
}

// GetMetadataForECU returns the full metadata archive, or the Director's
// targets metadata alone for a Partial verification Secondary.
func (p *Primary) GetMetadataForECU(serial string, partial bool) ([]byte, error) {
	p.mu.Lock()
	if err := p.checkSecondary(serial); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	name := FullMetadataArchive
	if partial {
		name = DirectorTargets
	}
	data, err := os.ReadFile(filepath.Join(p.dir, distributionDirName, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not published yet", domain.ErrNotFound, name)
	}
	return data, err
}

func (p *Primary) imagePath(serial string, info model.TargetInfo) string {
	return filepath.Join(p.dir, imagesDirName, serial, info.Filename())
}
