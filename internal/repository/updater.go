/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/util"
)

const (
	currentDirName  = "current"
	previousDirName = "previous"
	stagingDirName  = ".staging"
)

// MetadataRepository answers what one repository currently trusts.
type MetadataRepository interface {
	Refresh(ctx context.Context) error
	TargetsOfRole(role Role) ([]model.TargetInfo, error)
	Target(filepath string) (model.TargetInfo, error)
}

// Mirror is a MetadataRepository that can also hand out verified target
// files and the metadata it currently trusts.
type Mirror interface {
	MetadataRepository
	Name() string
	FetchVerifiedTarget(ctx context.Context, info model.TargetInfo) ([]byte, error)
	RawMetadata() map[string][]byte
}

type UpdaterConfig struct {
	Name        string
	Dir         string // local store for current and previous metadata
	TrustedRoot []byte
	Fetcher     Fetcher
	Clock       func() time.Time
	Logger      *log.Logger
}

// Updater is the client side of one repository: it walks the root chain
// from a pinned root and accepts timestamp, snapshot and targets only when
// they are signed by a threshold of their keys, unexpired, and not older
// than what it already trusts.
type Updater struct {
	name    string
	dir     string
	fetcher Fetcher
	clock   func() time.Time
	logger  *log.Logger

	mu        sync.RWMutex
	root      *signing.Signed[Root]
	timestamp *signing.Signed[Timestamp]
	snapshot  *signing.Signed[Snapshot]
	targets   *signing.Signed[Targets]
	raw       map[string][]byte
}

func NewUpdater(cfg UpdaterConfig) (*Updater, error) {
	if cfg.Fetcher == nil || cfg.Dir == "" {
		return nil, fmt.Errorf("%w: updater needs a fetcher and a directory", domain.ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	root, err := signing.Decode[Root](cfg.TrustedRoot)
	if err != nil {
		return nil, fmt.Errorf("trusted root: %w", err)
	}
	if err := verifyRole(root.Payload(), RoleRoot, root); err != nil {
		return nil, fmt.Errorf("trusted root: %w", err)
	}

	u := &Updater{
		name:    cfg.Name,
		dir:     cfg.Dir,
		fetcher: cfg.Fetcher,
		clock:   clock,
		logger:  logger,
		root:    root,
		raw:     map[string][]byte{MetadataFile(RoleRoot, 0): cfg.TrustedRoot},
	}
	u.loadCurrent()
	return u, nil
}

func (u *Updater) Name() string { return u.name }

// Refresh fetches and verifies the newest metadata. On error the previously
// trusted metadata stays in effect.
func (u *Updater) Refresh(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	raw := maps.Clone(u.raw)
	root := u.root
	for v := root.Payload().Version + 1; ; v++ {
		name := MetadataFile(RoleRoot, v)
		data, err := u.fetcher.FetchMetadata(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: fetch %s: %w", u.name, name, err)
		}
		next, err := signing.Decode[Root](data)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", u.name, name, err)
		}
		// trusted by the old root and by itself
		if err := verifyRole(root.Payload(), RoleRoot, next); err != nil {
			return fmt.Errorf("%s: %s: %w", u.name, name, err)
		}
		if err := verifyRole(next.Payload(), RoleRoot, next); err != nil {
			return fmt.Errorf("%s: %s: %w", u.name, name, err)
		}
		if next.Payload().Version != v {
			return fmt.Errorf("%s: %w: %s carries version %d", u.name, domain.ErrReplayedMetadata, name, next.Payload().Version)
		}
		root = next
		raw[name] = data
		raw[MetadataFile(RoleRoot, 0)] = data
	}

	now := u.clock()
	rootPayload := root.Payload()
	if expired(rootPayload.Expires, now) {
		return fmt.Errorf("%s: %w: root", u.name, domain.ErrExpiredMetadata)
	}

	timestampData, timestamp, err := fetchRole[Timestamp](ctx, u, rootPayload, RoleTimestamp)
	if err != nil {
		return err
	}
	if u.timestamp != nil && timestamp.Payload().Version < u.timestamp.Payload().Version {
		return fmt.Errorf("%s: %w: timestamp version %d older than trusted %d", u.name, domain.ErrReplayedMetadata,
			timestamp.Payload().Version, u.timestamp.Payload().Version)
	}
	if expired(timestamp.Payload().Expires, now) {
		return fmt.Errorf("%s: %w: timestamp", u.name, domain.ErrExpiredMetadata)
	}

	snapshotMeta := timestamp.Payload().Snapshot
	snapshotData, snapshot, err := fetchPinnedRole[Snapshot](ctx, u, rootPayload, RoleSnapshot, snapshotMeta)
	if err != nil {
		return err
	}
	if u.snapshot != nil && snapshot.Payload().Version < u.snapshot.Payload().Version {
		return fmt.Errorf("%s: %w: snapshot version %d older than trusted %d", u.name, domain.ErrReplayedMetadata,
			snapshot.Payload().Version, u.snapshot.Payload().Version)
	}
	if expired(snapshot.Payload().Expires, now) {
		return fmt.Errorf("%s: %w: snapshot", u.name, domain.ErrExpiredMetadata)
	}

	targetsMeta := snapshot.Payload().Meta[RoleTargets]
	targetsData, targets, err := fetchPinnedRole[Targets](ctx, u, rootPayload, RoleTargets, targetsMeta)
	if err != nil {
		return err
	}
	if u.targets != nil && targets.Payload().Version < u.targets.Payload().Version {
		return fmt.Errorf("%s: %w: targets version %d older than trusted %d", u.name, domain.ErrReplayedMetadata,
			targets.Payload().Version, u.targets.Payload().Version)
	}
	if expired(targets.Payload().Expires, now) {
		return fmt.Errorf("%s: %w: targets", u.name, domain.ErrExpiredMetadata)
	}

	raw[MetadataFile(RoleTimestamp, 0)] = timestampData
	raw[MetadataFile(RoleSnapshot, 0)] = snapshotData
	raw[MetadataFile(RoleTargets, 0)] = targetsData
	if err := u.persist(raw); err != nil {
		return fmt.Errorf("%s: store metadata: %w", u.name, err)
	}

	u.root = root
	u.timestamp = timestamp
	u.snapshot = snapshot
	u.targets = targets
	u.raw = raw
	return nil
}

func fetchRole[T signing.Payload](ctx context.Context, u *Updater, root Root, role Role) ([]byte, *signing.Signed[T], error) {
	name := MetadataFile(role, 0)
	data, err := u.fetcher.FetchMetadata(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: fetch %s: %w", u.name, name, err)
	}
	s, err := signing.Decode[T](data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %s: %w", u.name, name, err)
	}
	if err := verifyRole(root, role, s); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", u.name, err)
	}
	return data, s, nil
}

// fetchPinnedRole fetches a role whose bytes and version are pinned by the
// role above it.
func fetchPinnedRole[T interface {
	signing.Payload
	version() int64
}](ctx context.Context, u *Updater, root Root, role Role, pin MetaFile) ([]byte, *signing.Signed[T], error) {
	name := MetadataFile(role, 0)
	data, err := u.fetcher.FetchMetadata(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: fetch %s: %w", u.name, name, err)
	}
	if err := verifyBytes(data, pin.Length, pin.Hashes, name); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", u.name, err)
	}
	s, err := signing.Decode[T](data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %s: %w", u.name, name, err)
	}
	if err := verifyRole(root, role, s); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", u.name, err)
	}
	if got := s.Payload().version(); got != pin.Version {
		return nil, nil, fmt.Errorf("%s: %w: %s version %d, expected %d", u.name, domain.ErrReplayedMetadata, role, got, pin.Version)
	}
	return data, s, nil
}

func (s Snapshot) version() int64 { return s.Version }

func (t Targets) version() int64 { return t.Version }

// TargetsOfRole lists the targets of role. Only the top-level targets role
// carries targets.
func (u *Updater) TargetsOfRole(role Role) ([]model.TargetInfo, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.targets == nil {
		return nil, fmt.Errorf("%s: %w", u.name, domain.ErrMetadataNotLoaded)
	}
	if role != RoleTargets {
		return nil, fmt.Errorf("%s: %w: role %q", u.name, domain.ErrNotFound, role)
	}
	list := u.targets.Payload().Targets
	out := make([]model.TargetInfo, 0, len(list))
	for _, ti := range list {
		out = append(out, ti.Clone())
	}
	return out, nil
}

func (u *Updater) Target(filepath string) (model.TargetInfo, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.targets == nil {
		return model.TargetInfo{}, fmt.Errorf("%s: %w", u.name, domain.ErrMetadataNotLoaded)
	}
	ti, ok := u.targets.Payload().Lookup(filepath)
	if !ok {
		return model.TargetInfo{}, fmt.Errorf("%s: %w: %q", u.name, domain.ErrUnknownTarget, filepath)
	}
	return ti, nil
}

// FetchVerifiedTarget downloads the file described by info and checks it
// against the length and hashes.
func (u *Updater) FetchVerifiedTarget(ctx context.Context, info model.TargetInfo) ([]byte, error) {
	data, err := u.fetcher.FetchTarget(ctx, info.Filepath)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch target %q: %w", u.name, info.Filepath, err)
	}
	if err := VerifyTarget(data, info); err != nil {
		return nil, fmt.Errorf("%s: %w", u.name, err)
	}
	return data, nil
}

// DownloadTarget stores the verified file at dest. Nothing is written when
// verification fails.
func (u *Updater) DownloadTarget(ctx context.Context, info model.TargetInfo, dest string) error {
	data, err := u.FetchVerifiedTarget(ctx, info)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(dest, data, 0o644)
}

// RawMetadata returns the bytes of every trusted metadata file by name,
// including the versioned roots followed since the pinned one.
func (u *Updater) RawMetadata() map[string][]byte {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string][]byte, len(u.raw))
	for name, data := range u.raw {
		out[name] = append([]byte(nil), data...)
	}
	return out
}

// persist writes the trusted set into a staging directory and swaps it in
// as current, keeping the old current as previous.
func (u *Updater) persist(raw map[string][]byte) error {
	staging := filepath.Join(u.dir, stagingDirName)
	current := filepath.Join(u.dir, currentDirName)
	previous := filepath.Join(u.dir, previousDirName)

	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	for name, data := range raw {
		if err := util.WriteFileAtomic(filepath.Join(staging, name), data, 0o644); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(previous); err != nil {
		return err
	}
	if err := os.Rename(current, previous); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(staging, current)
}

// loadCurrent restores metadata trusted in an earlier run, so versions
// keep increasing across restarts. Files that no longer verify are ignored.
func (u *Updater) loadCurrent() {
	fetcher := DirFetcher{Dir: filepath.Join(u.dir, currentDirName), Flat: true}
	rootData, err := fetcher.FetchMetadata(context.Background(), MetadataFile(RoleRoot, 0))
	if err != nil {
		return
	}
	root, err := signing.Decode[Root](rootData)
	if err != nil || root.Payload().Version < u.root.Payload().Version {
		return
	}
	if err := verifyRole(root.Payload(), RoleRoot, root); err != nil {
		u.logger.Printf("%s: ignoring stored root: %v", u.name, err)
		return
	}

	saved := &Updater{name: u.name, fetcher: fetcher, root: root}
	_, timestamp, err := fetchRole[Timestamp](context.Background(), saved, root.Payload(), RoleTimestamp)
	if err != nil {
		return
	}
	_, snapshot, err := fetchPinnedRole[Snapshot](context.Background(), saved, root.Payload(), RoleSnapshot, timestamp.Payload().Snapshot)
	if err != nil {
		return
	}
	_, targets, err := fetchPinnedRole[Targets](context.Background(), saved, root.Payload(), RoleTargets, snapshot.Payload().Meta[RoleTargets])
	if err != nil {
		return
	}

	entries, err := os.ReadDir(fetcher.Dir)
	if err != nil {
		return
	}
	raw := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(fetcher.Dir, e.Name()))
		if err != nil {
			return
		}
		raw[e.Name()] = data
	}

	u.root = root
	u.timestamp = timestamp
	u.snapshot = snapshot
	u.targets = targets
	u.raw = raw
}
