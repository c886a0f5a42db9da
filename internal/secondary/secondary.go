/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package secondary

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/util"
)

const (
	unverifiedDirName = "unverified"
	metadataDirName   = "metadata"
)

type Config struct {
	VIN            string
	ECUSerial      string
	HardwareID     string
	Key            *signing.Key
	TimeserverKey  *signing.Key
	Firmware       model.TargetInfo // installed at construction
	ReleaseCounter uint64

	// Full verification: the pinned root of every repository, by the name
	// the Primary's metadata archive uses, and which of them is the
	// Director.
	DirectorName string
	TrustedRoots map[string][]byte

	// Partial verification: the key of the Director's targets role.
	Partial     bool
	DirectorKey *signing.Key

	Dir    string
	Clock  func() time.Time
	Logger *log.Logger
}

// validatedTarget is a target assigned to this ECU that passed every check.
type validatedTarget struct {
	info           model.TargetInfo
	releaseCounter *uint64
}

// Secondary verifies what its Primary relays before installing anything.
// A Full verification Secondary repeats the multi-repository consensus
// from the repositories' own roots; a Partial one trusts the Director's
// targets key alone.
type Secondary struct {
	vin           string
	serial        string
	hardwareID    string
	key           *signing.Key
	timeserverKey *signing.Key
	partial       bool
	directorKey   *signing.Key
	trust         *repository.TrustSet // nil when partial
	dir           string
	logger        *log.Logger

	mu                 sync.Mutex
	nonceNext          model.Nonce
	lastNonceSent      *model.Nonce
	times              []int64
	lastAttested       int64
	firmware           model.TargetInfo
	releaseCounter     uint64
	attacksDetected    []string
	validated          []validatedTarget
	lastTargetsVersion int64 // partial only
}

func New(cfg Config) (*Secondary, error) {
	if cfg.Partial != (cfg.DirectorKey != nil) {
		return nil, fmt.Errorf("%w: a Director key is required for, and only for, partial verification", domain.ErrInvalidConfig)
	}
	if cfg.VIN == "" || cfg.ECUSerial == "" || cfg.Dir == "" {
		return nil, fmt.Errorf("%w: Secondary needs a VIN, an ECU serial and a directory", domain.ErrInvalidConfig)
	}
	if cfg.Key == nil || !cfg.Key.HasPrivate() {
		return nil, fmt.Errorf("%w: Secondary needs a private key", domain.ErrInvalidConfig)
	}
	if cfg.TimeserverKey == nil {
		return nil, fmt.Errorf("%w: Secondary needs the Timeserver key", domain.ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	now := clock().Unix()
	s := &Secondary{
		vin:            cfg.VIN,
		serial:         cfg.ECUSerial,
		hardwareID:     cfg.HardwareID,
		key:            cfg.Key,
		timeserverKey:  cfg.TimeserverKey,
		partial:        cfg.Partial,
		directorKey:    cfg.DirectorKey,
		dir:            cfg.Dir,
		logger:         logger,
		times:          []int64{now, now},
		firmware:       cfg.Firmware.Clone(),
		releaseCounter: cfg.ReleaseCounter,
	}
	if err := s.ChangeNonce(); err != nil {
		return nil, err
	}
	if !cfg.Partial {
		trust, err := s.newTrustSet(cfg.DirectorName, cfg.TrustedRoots)
		if err != nil {
			return nil, err
		}
		s.trust = trust
	}
	return s, nil
}

func (s *Secondary) newTrustSet(directorName string, roots map[string][]byte) (*repository.TrustSet, error) {
	if _, ok := roots[directorName]; !ok {
		return nil, fmt.Errorf("%w: no pinned root for Director %q", domain.ErrInvalidConfig, directorName)
	}
	names := make([]string, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Strings(names)

	var director repository.NamedRepository
	var others []repository.NamedRepository
	for _, name := range names {
		u, err := repository.NewUpdater(repository.UpdaterConfig{
			Name:        name,
			Dir:         filepath.Join(s.dir, metadataDirName, name),
			TrustedRoot: roots[name],
			Fetcher:     repository.DirFetcher{Dir: filepath.Join(s.dir, unverifiedDirName, name), Flat: true},
			Clock:       s.trustedNow,
			Logger:      s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("repository %s: %w", name, err)
		}
		nr := repository.NamedRepository{Name: name, Repository: u}
		if name == directorName {
			director = nr
		} else {
			others = append(others, nr)
		}
	}
	return repository.NewTrustSet(director, others...)
}

func (s *Secondary) ECUSerial() string { return s.serial }

func (s *Secondary) Partial() bool { return s.partial }

// trustedNow is the newest attested time, the only clock metadata expiry
// is judged against.
func (s *Secondary) trustedNow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Unix(s.times[len(s.times)-1], 0)
}

// ChangeNonce draws a fresh nonce for the next report.
func (s *Secondary) ChangeNonce() error {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(model.MaxNonce)+1))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonceNext = model.Nonce(n.Int64())
	return nil
}

// SetNonceAsSent marks the current nonce as handed to the Primary and
// returns it.
func (s *Secondary) SetNonceAsSent() model.Nonce {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nonceNext
	s.lastNonceSent = &n
	return n
}

// ValidateTimeAttestation accepts an attestation signed by the Timeserver
// that lists the nonce most recently sent. The nonce is consumed, so the
// next validation requires a newly sent one.
func (s *Secondary) ValidateTimeAttestation(a *signing.Signed[model.TimeAttestation]) error {
	if a == nil {
		return fmt.Errorf("%w: no attestation", domain.ErrFormat)
	}
	if err := a.Verify(s.timeserverKey); err != nil {
		return err
	}

	s.mu.Lock()
	payload := a.Payload()
	if s.lastNonceSent == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: no nonce awaiting attestation", domain.ErrBadTimeAttestation)
	}
	if !payload.HasNonce(*s.lastNonceSent) {
		n := *s.lastNonceSent
		s.mu.Unlock()
		return fmt.Errorf("%w: nonce %d missing", domain.ErrBadTimeAttestation, n)
	}
	if payload.Time < s.lastAttested {
		s.mu.Unlock()
		return fmt.Errorf("%w: time %d precedes %d", domain.ErrBadTimeAttestation, payload.Time, s.lastAttested)
	}
	s.times = append(s.times, payload.Time)
	s.lastAttested = payload.Time
	s.lastNonceSent = nil
	s.mu.Unlock()

	return s.ChangeNonce()
}

// TrustedTimes returns the two newest trusted times, newest first.
func (s *Secondary) TrustedTimes() (current, previous int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.times)
	return s.times[n-1], s.times[n-2]
}

// ProcessMetadata verifies the metadata the Primary supplied at path and
// keeps the targets assigned to this ECU that pass every check. A Director
// whose metadata cannot be verified fails the call.
func (s *Secondary) ProcessMetadata(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var candidates []validatedTarget
	if s.partial {
		candidates, err = s.processPartial(data)
	} else {
		candidates, err = s.processFull(ctx, data)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.validated = nil
	for _, c := range candidates {
		if err := s.checkTarget(c); err != nil {
			s.recordAttackLocked(fmt.Sprintf("%s: %v", c.info.Filepath, err))
			continue
		}
		s.validated = append(s.validated, c)
	}
	return nil
}

func (s *Secondary) processFull(ctx context.Context, data []byte) ([]validatedTarget, error) {
	bundle, err := repository.UnmarshalBundle(data)
	if err != nil {
		return nil, err
	}
	if err := bundle.Expand(filepath.Join(s.dir, unverifiedDirName)); err != nil {
		return nil, err
	}
	if err := s.trust.Refresh(ctx); err != nil {
		return nil, err
	}

	targets, err := s.trust.Director().TargetsOfRole(repository.RoleTargets)
	if err != nil {
		return nil, err
	}
	var out []validatedTarget
	for _, ti := range targets {
		if ti.Custom.ECUSerial != s.serial {
			continue
		}
		v, err := s.trust.ValidatedTargetInfo(ti.Filepath)
		if err != nil {
			s.recordAttack(fmt.Sprintf("%s: %v", ti.Filepath, err))
			continue
		}
		out = append(out, validatedTarget{info: v.Info, releaseCounter: lowestReleaseCounter(v)})
	}
	return out, nil
}

// lowestReleaseCounter is the counter every repository agrees the image
// reaches.
func lowestReleaseCounter(v repository.Validated) *uint64 {
	var low *uint64
	for _, info := range v.Opinions {
		if rc := info.Custom.ReleaseCounter; rc != nil && (low == nil || *rc < *low) {
			low = model.ReleaseCounter(*rc)
		}
	}
	return low
}

func (s *Secondary) processPartial(data []byte) ([]validatedTarget, error) {
	targets, err := signing.Decode[repository.Targets](data)
	if err != nil {
		return nil, err
	}
	if err := targets.Verify(s.directorKey); err != nil {
		return nil, fmt.Errorf("director targets: %w", err)
	}
	payload := targets.Payload()

	s.mu.Lock()
	last := s.lastTargetsVersion
	now := s.times[len(s.times)-1]
	s.mu.Unlock()
	if payload.Version < last {
		return nil, fmt.Errorf("%w: director targets version %d, have %d", domain.ErrReplayedMetadata, payload.Version, last)
	}
	if payload.Expires <= now {
		return nil, fmt.Errorf("%w: director targets expired at %d", domain.ErrExpiredMetadata, payload.Expires)
	}

	s.mu.Lock()
	s.lastTargetsVersion = payload.Version
	s.mu.Unlock()

	var out []validatedTarget
	for _, ti := range payload.Targets {
		if ti.Custom.ECUSerial == s.serial {
			out = append(out, validatedTarget{info: ti.Clone(), releaseCounter: ti.Custom.ReleaseCounter})
		}
	}
	return out, nil
}

// checkTarget must be called with s.mu held.
func (s *Secondary) checkTarget(c validatedTarget) error {
	if c.releaseCounter != nil && *c.releaseCounter < s.releaseCounter {
		return fmt.Errorf("%w: release counter %d below installed %d", domain.ErrImageRollBack, *c.releaseCounter, s.releaseCounter)
	}
	if hw := c.info.Custom.HardwareID; hw != "" && s.hardwareID != "" && hw != s.hardwareID {
		return fmt.Errorf("%w: image is for %q, this ECU is %q", domain.ErrHardwareIDMismatch, hw, s.hardwareID)
	}
	return nil
}

// ValidatedTargets lists the targets ProcessMetadata accepted for this ECU.
func (s *Secondary) ValidatedTargets() []model.TargetInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TargetInfo, 0, len(s.validated))
	for _, v := range s.validated {
		out = append(out, v.info.Clone())
	}
	return out
}

func (s *Secondary) lookup(localFilename string) (validatedTarget, error) {
	name := filepath.Base(localFilename)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.validated {
		if v.info.Filename() == name {
			return v, nil
		}
	}
	return validatedTarget{}, fmt.Errorf("%w: no validated target named %q", domain.ErrUnknownTarget, name)
}

// ValidateImage checks the file at localFilename against the validated
// target of the same name.
func (s *Secondary) ValidateImage(localFilename string) error {
	v, err := s.lookup(localFilename)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(localFilename)
	if err != nil {
		return err
	}
	return repository.VerifyTarget(data, v.info)
}

// Install validates the image and only then records it as the installed
// firmware.
func (s *Secondary) Install(localFilename string) error {
	if err := s.ValidateImage(localFilename); err != nil {
		s.recordAttack(fmt.Sprintf("%s: %v", filepath.Base(localFilename), err))
		return err
	}
	v, err := s.lookup(localFilename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.firmware = v.info.Clone()
	if v.releaseCounter != nil && *v.releaseCounter > s.releaseCounter {
		s.releaseCounter = *v.releaseCounter
	}
	s.logger.Printf("secondary %s: installed %s", s.serial, v.info.Filepath)
	return nil
}

// Firmware returns the installed image and its release counter.
func (s *Secondary) Firmware() (model.TargetInfo, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firmware.Clone(), s.releaseCounter
}

func (s *Secondary) recordAttack(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordAttackLocked(msg)
}

func (s *Secondary) recordAttackLocked(msg string) {
	s.logger.Printf("secondary %s: %s", s.serial, msg)
	s.attacksDetected = append(s.attacksDetected, msg)
}

// GenerateSignedECUManifest reports the installed firmware, the two newest
// trusted times and the anomalies seen since the previous manifest.
func (s *Secondary) GenerateSignedECUManifest() (*signing.Signed[model.ECUManifest], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.times)
	m, err := signing.Sign(model.ECUManifest{
		ECUSerial:              s.serial,
		HardwareID:             s.hardwareID,
		ReleaseCounter:         s.releaseCounter,
		InstalledImage:         s.firmware.Clone(),
		TimeserverTime:         s.times[n-1],
		PreviousTimeserverTime: s.times[n-2],
		AttacksDetected:        strings.Join(s.attacksDetected, "; "),
	}, s.key)
	if err != nil {
		return nil, err
	}
	s.attacksDetected = nil
	return m, nil
}

// PrimaryClient is the Primary as seen by a Secondary.
type PrimaryClient interface {
	RegisterSecondary(ctx context.Context, serial string) error
	SubmitECUManifest(ctx context.Context, vin, serial string, nonce model.Nonce, m *signing.Signed[model.ECUManifest]) error
	GetTimeAttestation(ctx context.Context, serial string) (*signing.Signed[model.TimeAttestation], error)
	GetMetadata(ctx context.Context, serial string, partial bool) ([]byte, error)
	UpdateExists(ctx context.Context, serial string) (bool, error)
	GetImage(ctx context.Context, serial string) (string, []byte, error)
}

func (s *Secondary) RegisterWithPrimary(ctx context.Context, pc PrimaryClient) error {
	return pc.RegisterSecondary(ctx, s.serial)
}

// ReportToPrimary sends a fresh manifest together with the nonce the next
// time attestation must carry.
func (s *Secondary) ReportToPrimary(ctx context.Context, pc PrimaryClient) error {
	m, err := s.GenerateSignedECUManifest()
	if err != nil {
		return err
	}
	nonce := s.SetNonceAsSent()
	return pc.SubmitECUManifest(ctx, s.vin, s.serial, nonce, m)
}

// FetchUpdate pulls time, metadata and, when one is assigned, the image
// from the Primary, and installs the image if it validates. It reports
// whether an image was installed.
func (s *Secondary) FetchUpdate(ctx context.Context, pc PrimaryClient) (bool, error) {
	a, err := pc.GetTimeAttestation(ctx, s.serial)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.Printf("secondary %s: no time attestation yet", s.serial)
	case err != nil:
		return false, err
	default:
		if err := s.ValidateTimeAttestation(a); err != nil {
			s.logger.Printf("secondary %s: time attestation not accepted: %v", s.serial, err)
		}
	}

	metadata, err := pc.GetMetadata(ctx, s.serial, s.partial)
	if err != nil {
		return false, err
	}
	archive := filepath.Join(s.dir, "metadata_from_primary.cbor")
	if err := util.WriteFileAtomic(archive, metadata, 0o644); err != nil {
		return false, err
	}
	if err := s.ProcessMetadata(ctx, archive); err != nil {
		return false, err
	}

	exists, err := pc.UpdateExists(ctx, s.serial)
	if err != nil || !exists {
		return false, err
	}
	name, image, err := pc.GetImage(ctx, s.serial)
	if err != nil {
		s.recordAttack(fmt.Sprintf("requested image from Primary but received none: %v", err))
		return false, err
	}
	if !util.IsPlainName(name) {
		return false, fmt.Errorf("%w: image name %q", domain.ErrFormat, name)
	}
	local := filepath.Join(s.dir, "images", name)
	if err := util.WriteFileAtomic(local, image, 0o644); err != nil {
		return false, err
	}
	if err := s.Install(local); err != nil {
		return false, err
	}
	return true, nil
}
