/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import (
	"errors"
	"fmt"
	"maps"
	"path"
)

const (
	HashSHA256 = "sha256"
	HashSHA512 = "sha512"
)

// Custom carries the repository specific part of a target. It may differ
// between repositories without breaking consensus.
type Custom struct {
	ECUSerial      string  `cbor:"1,keyasint,omitempty"`
	HardwareID     string  `cbor:"2,keyasint,omitempty"`
	ReleaseCounter *uint64 `cbor:"3,keyasint,omitempty"`
}

// TargetInfo describes one target file as listed by a repository.
type TargetInfo struct {
	Filepath string            `cbor:"1,keyasint"`
	Length   int64             `cbor:"2,keyasint"`
	Hashes   map[string]string `cbor:"3,keyasint"` // algorithm -> hex digest
	Custom   Custom            `cbor:"4,keyasint"`
}

// ConsensusEqual reports whether two repositories describe the same file.
// Custom is not compared.
func (t TargetInfo) ConsensusEqual(other TargetInfo) bool {
	return t.Filepath == other.Filepath &&
		t.Length == other.Length &&
		maps.Equal(t.Hashes, other.Hashes)
}

func (t TargetInfo) Validate() error {
	if t.Filepath == "" {
		return errors.New("target filepath is empty")
	}
	if t.Length < 0 {
		return fmt.Errorf("target %q has negative length", t.Filepath)
	}
	if len(t.Hashes) == 0 {
		return fmt.Errorf("target %q has no hashes", t.Filepath)
	}
	return nil
}

// Filename returns the last element of the target path.
func (t TargetInfo) Filename() string {
	return path.Base(t.Filepath)
}

func (t TargetInfo) Clone() TargetInfo {
	c := t
	c.Hashes = maps.Clone(t.Hashes)
	if t.Custom.ReleaseCounter != nil {
		rc := *t.Custom.ReleaseCounter
		c.Custom.ReleaseCounter = &rc
	}
	return c
}

func ReleaseCounter(v uint64) *uint64 {
	return &v
}
