/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/util"
)

const (
	defaultExpiry     = 7 * 24 * time.Hour
	defaultRootExpiry = 365 * 24 * time.Hour

	metadataDirName = "metadata"
	targetsDirName  = "targets"
)

// RoleKeySet holds the private keys signing each top-level role. The
// threshold of a role is the number of keys it is given.
type RoleKeySet map[Role][]*signing.Key

func (ks RoleKeySet) validate() error {
	for _, role := range TopLevelRoles {
		keys := ks[role]
		if len(keys) == 0 {
			return fmt.Errorf("%w: no %s keys", domain.ErrInvalidConfig, role)
		}
		for _, k := range keys {
			if k == nil || !k.HasPrivate() {
				return fmt.Errorf("%w: %s key without private part", domain.ErrInvalidConfig, role)
			}
		}
	}
	return nil
}

func keyIDs(keys []*signing.Key) []string {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID())
	}
	sort.Strings(ids)
	return ids
}

type Config struct {
	Name       string
	Dir        string
	Keys       RoleKeySet
	Expiry     time.Duration
	RootExpiry time.Duration
	Clock      func() time.Time
	Logger     *log.Logger
}

// Repository publishes the signed metadata of one repository (the Image
// Repository, or the Director's repository for one vehicle) into
// <Dir>/metadata and stores target files under <Dir>/targets.
type Repository struct {
	name       string
	dir        string
	expiry     time.Duration
	rootExpiry time.Duration
	clock      func() time.Time
	logger     *log.Logger

	mu         sync.Mutex
	keys       RoleKeySet
	signedRoot *signing.Signed[Root]
	targets    map[string]model.TargetInfo
	versions   map[Role]int64
}

// NewRepository opens the repository published under cfg.Dir, or creates a
// new one signed with cfg.Keys.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Name == "" || cfg.Dir == "" {
		return nil, fmt.Errorf("%w: repository name and directory are required", domain.ErrInvalidConfig)
	}
	if err := cfg.Keys.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	expiry := cfg.Expiry
	if expiry == 0 {
		expiry = defaultExpiry
	}
	rootExpiry := cfg.RootExpiry
	if rootExpiry == 0 {
		rootExpiry = defaultRootExpiry
	}

	r := &Repository{
		name:       cfg.Name,
		dir:        cfg.Dir,
		expiry:     expiry,
		rootExpiry: rootExpiry,
		clock:      clock,
		logger:     logger,
		keys:       cfg.Keys,
		targets:    make(map[string]model.TargetInfo),
		versions:   make(map[Role]int64),
	}

	loaded, err := r.load()
	if err != nil {
		return nil, err
	}
	if !loaded {
		if err := r.writeRoot(1, nil); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Repository) Name() string { return r.name }

func (r *Repository) MetadataDir() string { return filepath.Join(r.dir, metadataDirName) }

func (r *Repository) TargetsDir() string { return filepath.Join(r.dir, targetsDirName) }

// RootBytes returns the current signed root, which clients pin as their
// initial trust.
func (r *Repository) RootBytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return signing.Encode(r.signedRoot, signing.EncodeOptions{})
}

// AddTarget stages info for the next Publish.
func (r *Repository) AddTarget(info model.TargetInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFormat, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[info.Filepath] = info.Clone()
	return nil
}

// AddTargetFromBytes stores data under the targets directory and stages its
// description for the next Publish.
func (r *Repository) AddTargetFromBytes(targetPath string, data []byte, custom model.Custom) (model.TargetInfo, error) {
	local, err := r.targetFile(targetPath)
	if err != nil {
		return model.TargetInfo{}, err
	}
	if err := util.WriteFileAtomic(local, data, 0o644); err != nil {
		return model.TargetInfo{}, fmt.Errorf("store target %q: %w", targetPath, err)
	}
	info := TargetInfoFromBytes(targetPath, data, custom)
	if err := r.AddTarget(info); err != nil {
		return model.TargetInfo{}, err
	}
	return info, nil
}

func (r *Repository) AddTargetFromFile(targetPath, localPath string, custom model.Custom) (model.TargetInfo, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return model.TargetInfo{}, err
	}
	return r.AddTargetFromBytes(targetPath, data, custom)
}

func (r *Repository) RemoveTarget(targetPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[targetPath]; !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTarget, targetPath)
	}
	delete(r.targets, targetPath)
	return nil
}

// Targets returns the staged targets sorted by filepath.
func (r *Repository) Targets() []model.TargetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedTargets()
}

// Publish signs and writes targets, snapshot and timestamp, in that order.
func (r *Repository) Publish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publish()
}

// RotateKeys replaces the keys of role. The new root is signed by both the
// old and the new root keys so clients can follow the rotation, and every
// other role is republished.
func (r *Repository) RotateKeys(role Role, keys []*signing.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := RoleKeySet{}
	for k, v := range r.keys {
		next[k] = v
	}
	next[role] = keys
	if err := next.validate(); err != nil {
		return err
	}

	previousRootKeys := r.keys[RoleRoot]
	r.keys = next
	if err := r.writeRoot(r.signedRoot.Payload().Version+1, previousRootKeys); err != nil {
		return err
	}
	r.logger.Printf("repository %s: rotated %s keys, root version %d", r.name, role, r.signedRoot.Payload().Version)
	return r.publish()
}

func (r *Repository) publish() error {
	now := r.clock()
	expires := now.Add(r.expiry).Unix()

	targetsVersion := r.versions[RoleTargets] + 1
	targets, err := signing.Sign(Targets{
		Version: targetsVersion,
		Expires: expires,
		Targets: r.sortedTargets(),
	}, r.keys[RoleTargets]...)
	if err != nil {
		return err
	}
	targetsBytes, err := signing.Encode(targets, signing.EncodeOptions{})
	if err != nil {
		return err
	}

	snapshotVersion := r.versions[RoleSnapshot] + 1
	snapshot, err := signing.Sign(Snapshot{
		Version: snapshotVersion,
		Expires: expires,
		Meta:    map[Role]MetaFile{RoleTargets: metaFileFor(targetsVersion, targetsBytes)},
	}, r.keys[RoleSnapshot]...)
	if err != nil {
		return err
	}
	snapshotBytes, err := signing.Encode(snapshot, signing.EncodeOptions{})
	if err != nil {
		return err
	}

	timestampVersion := r.versions[RoleTimestamp] + 1
	timestamp, err := signing.Sign(Timestamp{
		Version:  timestampVersion,
		Expires:  expires,
		Snapshot: metaFileFor(snapshotVersion, snapshotBytes),
	}, r.keys[RoleTimestamp]...)
	if err != nil {
		return err
	}
	timestampBytes, err := signing.Encode(timestamp, signing.EncodeOptions{})
	if err != nil {
		return err
	}

	for _, f := range []struct {
		role Role
		data []byte
	}{
		{RoleTargets, targetsBytes},
		{RoleSnapshot, snapshotBytes},
		{RoleTimestamp, timestampBytes},
	} {
		if err := util.WriteFileAtomic(filepath.Join(r.MetadataDir(), MetadataFile(f.role, 0)), f.data, 0o644); err != nil {
			return fmt.Errorf("publish %s: %w", f.role, err)
		}
	}

	r.versions[RoleTargets] = targetsVersion
	r.versions[RoleSnapshot] = snapshotVersion
	r.versions[RoleTimestamp] = timestampVersion
	r.logger.Printf("repository %s: published targets v%d with %d targets", r.name, targetsVersion, len(r.targets))
	return nil
}

// writeRoot signs a root of the given version with the current root keys
// plus extraSigners, and writes it as both N.root.cbor and root.cbor.
func (r *Repository) writeRoot(version int64, extraSigners []*signing.Key) error {
	root := Root{
		Version: version,
		Expires: r.clock().Add(r.rootExpiry).Unix(),
		Keys:    make(map[string]*signing.Key),
		Roles:   make(map[Role]RoleKeys),
	}
	for _, role := range TopLevelRoles {
		for _, k := range r.keys[role] {
			root.Keys[k.ID()] = k.PublicOnly()
		}
		root.Roles[role] = RoleKeys{KeyIDs: keyIDs(r.keys[role]), Threshold: len(r.keys[role])}
	}

	signers := slices.Concat(extraSigners, r.keys[RoleRoot])
	signed, err := signing.Sign(root, signers...)
	if err != nil {
		return err
	}
	data, err := signing.Encode(signed, signing.EncodeOptions{})
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(filepath.Join(r.MetadataDir(), MetadataFile(RoleRoot, version)), data, 0o644); err != nil {
		return err
	}
	if err := util.WriteFileAtomic(filepath.Join(r.MetadataDir(), MetadataFile(RoleRoot, 0)), data, 0o644); err != nil {
		return err
	}
	r.signedRoot = signed
	r.versions[RoleRoot] = version
	return nil
}

// load restores state from a previous run. It reports false when nothing
// has been published yet.
func (r *Repository) load() (bool, error) {
	rootBytes, err := os.ReadFile(filepath.Join(r.MetadataDir(), MetadataFile(RoleRoot, 0)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	root, err := signing.Decode[Root](rootBytes)
	if err != nil {
		return false, fmt.Errorf("load root: %w", err)
	}
	for _, role := range TopLevelRoles {
		if !slices.Equal(root.Payload().Roles[role].KeyIDs, keyIDs(r.keys[role])) {
			return false, fmt.Errorf("%w: published %s keys differ from the configured ones", domain.ErrInvalidConfig, role)
		}
	}
	r.signedRoot = root
	r.versions[RoleRoot] = root.Payload().Version

	targets, err := readPublished[Targets](r.MetadataDir(), RoleTargets)
	if err != nil {
		return false, err
	}
	if targets != nil {
		r.versions[RoleTargets] = targets.Payload().Version
		for _, ti := range targets.Payload().Targets {
			r.targets[ti.Filepath] = ti
		}
	}
	snapshot, err := readPublished[Snapshot](r.MetadataDir(), RoleSnapshot)
	if err != nil {
		return false, err
	}
	if snapshot != nil {
		r.versions[RoleSnapshot] = snapshot.Payload().Version
	}
	timestamp, err := readPublished[Timestamp](r.MetadataDir(), RoleTimestamp)
	if err != nil {
		return false, err
	}
	if timestamp != nil {
		r.versions[RoleTimestamp] = timestamp.Payload().Version
	}
	return true, nil
}

func readPublished[T signing.Payload](dir string, role Role) (*signing.Signed[T], error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile(role, 0)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s, err := signing.Decode[T](data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", role, err)
	}
	return s, nil
}

func (r *Repository) sortedTargets() []model.TargetInfo {
	out := make([]model.TargetInfo, 0, len(r.targets))
	for _, ti := range r.targets {
		out = append(out, ti.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filepath < out[j].Filepath })
	return out
}

func (r *Repository) targetFile(targetPath string) (string, error) {
	return targetFilePath(r.TargetsDir(), targetPath)
}

// targetFilePath maps a target path to a file below dir, refusing paths
// that would escape it.
func targetFilePath(dir, targetPath string) (string, error) {
	cleaned := path.Clean("/" + targetPath)
	if cleaned == "/" || strings.Contains(targetPath, "..") {
		return "", fmt.Errorf("%w: target path %q", domain.ErrFormat, targetPath)
	}
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}
