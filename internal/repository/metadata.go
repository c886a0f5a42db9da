/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/signing"
)

type Role string

const (
	RoleRoot      Role = "root"
	RoleTargets   Role = "targets"
	RoleSnapshot  Role = "snapshot"
	RoleTimestamp Role = "timestamp"
)

// TopLevelRoles in the order a client fetches them.
var TopLevelRoles = []Role{RoleRoot, RoleTimestamp, RoleSnapshot, RoleTargets}

const (
	ContentTypeRoot      = "application/uptane-root+cbor"
	ContentTypeTargets   = "application/uptane-targets+cbor"
	ContentTypeSnapshot  = "application/uptane-snapshot+cbor"
	ContentTypeTimestamp = "application/uptane-timestamp+cbor"
)

// MetadataFile returns the file name a role is published under. A positive
// version selects a versioned root, used to walk key rotations.
func MetadataFile(role Role, version int64) string {
	if role == RoleRoot && version > 0 {
		return fmt.Sprintf("%d.root.cbor", version)
	}
	return string(role) + ".cbor"
}

type RoleKeys struct {
	KeyIDs    []string `cbor:"1,keyasint"`
	Threshold int      `cbor:"2,keyasint"`
}

type Root struct {
	Version int64                   `cbor:"1,keyasint"`
	Expires int64                   `cbor:"2,keyasint"` // Unix seconds
	Keys    map[string]*signing.Key `cbor:"3,keyasint"`
	Roles   map[Role]RoleKeys       `cbor:"4,keyasint"`
}

func (Root) ContentType() string { return ContentTypeRoot }

func (r Root) Validate() error {
	if r.Version < 1 {
		return fmt.Errorf("root version %d", r.Version)
	}
	for _, role := range TopLevelRoles {
		rk, ok := r.Roles[role]
		if !ok {
			return fmt.Errorf("root lists no keys for %s", role)
		}
		if rk.Threshold < 1 || rk.Threshold > len(rk.KeyIDs) {
			return fmt.Errorf("%s threshold %d with %d keys", role, rk.Threshold, len(rk.KeyIDs))
		}
		for _, id := range rk.KeyIDs {
			k, ok := r.Keys[id]
			if !ok || k == nil {
				return fmt.Errorf("%s key %s missing from root", role, id)
			}
			if k.ID() != id {
				return fmt.Errorf("%s key listed as %s has id %s", role, id, k.ID())
			}
		}
	}
	return nil
}

// verify checks s against the keys and threshold root assigns to role.
func verifyRole[T signing.Payload](root Root, role Role, s *signing.Signed[T]) error {
	rk := root.Roles[role]
	if err := s.VerifyThreshold(root.Keys, rk.KeyIDs, rk.Threshold); err != nil {
		return fmt.Errorf("%s: %w", role, err)
	}
	return nil
}

type Targets struct {
	Version int64              `cbor:"1,keyasint"`
	Expires int64              `cbor:"2,keyasint"`
	Targets []model.TargetInfo `cbor:"3,keyasint"`
}

func (Targets) ContentType() string { return ContentTypeTargets }

func (t Targets) Validate() error {
	seen := make(map[string]struct{}, len(t.Targets))
	for _, ti := range t.Targets {
		if err := ti.Validate(); err != nil {
			return err
		}
		if _, ok := seen[ti.Filepath]; ok {
			return fmt.Errorf("target %q listed twice", ti.Filepath)
		}
		seen[ti.Filepath] = struct{}{}
	}
	return nil
}

// Lookup returns the entry for filepath.
func (t Targets) Lookup(filepath string) (model.TargetInfo, bool) {
	for _, ti := range t.Targets {
		if ti.Filepath == filepath {
			return ti.Clone(), true
		}
	}
	return model.TargetInfo{}, false
}

// MetaFile pins the version and bytes of another role's file.
type MetaFile struct {
	Version int64             `cbor:"1,keyasint"`
	Length  int64             `cbor:"2,keyasint"`
	Hashes  map[string]string `cbor:"3,keyasint"`
}

type Snapshot struct {
	Version int64             `cbor:"1,keyasint"`
	Expires int64             `cbor:"2,keyasint"`
	Meta    map[Role]MetaFile `cbor:"3,keyasint"`
}

func (Snapshot) ContentType() string { return ContentTypeSnapshot }

func (s Snapshot) Validate() error {
	if _, ok := s.Meta[RoleTargets]; !ok {
		return errors.New("snapshot does not list targets")
	}
	return nil
}

type Timestamp struct {
	Version  int64    `cbor:"1,keyasint"`
	Expires  int64    `cbor:"2,keyasint"`
	Snapshot MetaFile `cbor:"3,keyasint"`
}

func (Timestamp) ContentType() string { return ContentTypeTimestamp }

func expired(expires int64, now time.Time) bool {
	return now.Unix() >= expires
}
