/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package repository

import (
	"context"
	"fmt"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
)

// NamedRepository is one member of a TrustSet.
type NamedRepository struct {
	Name       string
	Repository MetadataRepository
}

// TrustSet is the Director plus the repositories that must agree with it
// before a target is acted on.
type TrustSet struct {
	director NamedRepository
	others   []NamedRepository
}

func NewTrustSet(director NamedRepository, others ...NamedRepository) (*TrustSet, error) {
	if director.Repository == nil {
		return nil, fmt.Errorf("%w: trust set needs a Director repository", domain.ErrInvalidConfig)
	}
	seen := map[string]struct{}{director.Name: {}}
	for _, o := range others {
		if o.Repository == nil {
			return nil, fmt.Errorf("%w: repository %q is nil", domain.ErrInvalidConfig, o.Name)
		}
		if _, ok := seen[o.Name]; ok {
			return nil, fmt.Errorf("%w: repository %q listed twice", domain.ErrInvalidConfig, o.Name)
		}
		seen[o.Name] = struct{}{}
	}
	return &TrustSet{director: director, others: others}, nil
}

func (ts *TrustSet) Director() MetadataRepository { return ts.director.Repository }

// Members lists the Director first.
func (ts *TrustSet) Members() []NamedRepository {
	return append([]NamedRepository{ts.director}, ts.others...)
}

// Refresh refreshes every repository. A failing Director is reported as
// such, never as an empty target list.
func (ts *TrustSet) Refresh(ctx context.Context) error {
	if err := ts.director.Repository.Refresh(ctx); err != nil {
		return fmt.Errorf("director repository %s: %w", ts.director.Name, err)
	}
	for _, o := range ts.others {
		if err := o.Repository.Refresh(ctx); err != nil {
			return fmt.Errorf("repository %s: %w", o.Name, err)
		}
	}
	return nil
}

// Validated is a target every repository agrees on.
type Validated struct {
	Info     model.TargetInfo   // the Director's copy
	Opinions []model.TargetInfo // every repository's copy, Director first
}

// ValidatedTargetInfo requires every repository to list filepath with the
// same length and hashes, and every declared hardware ID to be the same.
func (ts *TrustSet) ValidatedTargetInfo(filepath string) (Validated, error) {
	directorInfo, err := ts.director.Repository.Target(filepath)
	if err != nil {
		return Validated{}, fmt.Errorf("%w: director %s: %v", domain.ErrUnknownTarget, ts.director.Name, err)
	}

	opinions := []model.TargetInfo{directorInfo}
	for _, o := range ts.others {
		info, err := o.Repository.Target(filepath)
		if err != nil {
			return Validated{}, fmt.Errorf("%w: %s: %v", domain.ErrUnknownTarget, o.Name, err)
		}
		if !directorInfo.ConsensusEqual(info) {
			return Validated{}, fmt.Errorf("%w: %s and %s disagree on %q", domain.ErrUnknownTarget, ts.director.Name, o.Name, filepath)
		}
		opinions = append(opinions, info)
	}

	hardwareID := ""
	for _, info := range opinions {
		hw := info.Custom.HardwareID
		if hw == "" {
			continue
		}
		if hardwareID == "" {
			hardwareID = hw
			continue
		}
		if hw != hardwareID {
			return Validated{}, fmt.Errorf("%w: %q lists %q and %q", domain.ErrHardwareIDMismatch, filepath, hardwareID, hw)
		}
	}

	return Validated{Info: directorInfo, Opinions: opinions}, nil
}

// HardwareID returns the hardware ID the repositories declare, if any.
func (v Validated) HardwareID() string {
	for _, info := range v.Opinions {
		if info.Custom.HardwareID != "" {
			return info.Custom.HardwareID
		}
	}
	return ""
}

// CheckRollback fails if any repository declares a release counter below
// accepted.
func (v Validated) CheckRollback(accepted uint64) error {
	for _, info := range v.Opinions {
		rc := info.Custom.ReleaseCounter
		if rc != nil && *rc < accepted {
			return fmt.Errorf("%w: %q has release counter %d, %d already accepted", domain.ErrImageRollBack, info.Filepath, *rc, accepted)
		}
	}
	return nil
}

// ReleaseCounter returns the highest release counter the repositories
// declare, and false when none declares one.
func (v Validated) ReleaseCounter() (uint64, bool) {
	var (
		max   uint64
		found bool
	)
	for _, info := range v.Opinions {
		if rc := info.Custom.ReleaseCounter; rc != nil && (!found || *rc > max) {
			max, found = *rc, true
		}
	}
	return max, found
}
