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
	"path/filepath"
	"sort"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/util"
)

// TargetFailure records why one Director target was not acted on.
type TargetFailure struct {
	Filepath  string
	ECUSerial string
	Err       error
}

// CycleReport summarizes one update cycle.
type CycleReport struct {
	// Assigned maps ECU serials to the target whose image was downloaded
	// and verified this cycle.
	Assigned map[string]model.TargetInfo
	Failures []TargetFailure
}

// GetValidatedTargetInfo returns the Director's description of filepath
// once every repository agrees on it, no repository offers a release
// counter below the one already accepted for the ECU, and the declared
// hardware ID matches what the ECU reports.
func (p *Primary) GetValidatedTargetInfo(filepath string) (model.TargetInfo, error) {
	v, err := p.validate(filepath)
	if err != nil {
		return model.TargetInfo{}, err
	}
	return v.Info, nil
}

func (p *Primary) validate(filepath string) (repository.Validated, error) {
	v, err := p.trust.ValidatedTargetInfo(filepath)
	if err != nil {
		return repository.Validated{}, err
	}
	serial := v.Info.Custom.ECUSerial

	p.mu.Lock()
	accepted := p.releaseCounters[serial]
	reported := p.hardwareIDs[serial]
	p.mu.Unlock()

	if err := v.CheckRollback(accepted); err != nil {
		return repository.Validated{}, err
	}
	if hw := v.HardwareID(); hw != "" && reported != "" && hw != reported {
		return repository.Validated{}, fmt.Errorf("%w: %q is for %q, ECU %q reports %q", domain.ErrHardwareIDMismatch, filepath, hw, serial, reported)
	}
	return v, nil
}

// PrimaryUpdateCycle refreshes every repository, validates each target the
// Director lists, downloads the images of the ones assigned to known
// Secondaries and publishes the metadata Secondaries verify them against.
// A failing target is recorded and skipped; a repository that cannot be
// refreshed fails the cycle.
func (p *Primary) PrimaryUpdateCycle(ctx context.Context) (*CycleReport, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	if err := p.trust.Refresh(ctx); err != nil {
		return nil, err
	}
	targets, err := p.director.TargetsOfRole(repository.RoleTargets)
	if err != nil {
		return nil, fmt.Errorf("director targets: %w", err)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Filepath < targets[j].Filepath })

	report := &CycleReport{Assigned: make(map[string]model.TargetInfo)}
	fail := func(info model.TargetInfo, err error) {
		report.Failures = append(report.Failures, TargetFailure{Filepath: info.Filepath, ECUSerial: info.Custom.ECUSerial, Err: err})
		p.logger.Printf("primary %s: rejected target %s for %s: %v", p.serial, info.Filepath, info.Custom.ECUSerial, err)
	}

	validated := make(map[string]repository.Validated)
	for _, target := range targets {
		v, err := p.validate(target.Filepath)
		if err != nil {
			fail(target, err)
			continue
		}
		serial := v.Info.Custom.ECUSerial
		p.mu.Lock()
		known := p.secondaries.Has(serial)
		p.mu.Unlock()
		if !known {
			p.logger.Printf("primary %s: ignoring %s assigned to unknown ECU %q", p.serial, target.Filepath, serial)
			continue
		}
		if prev, ok := validated[serial]; ok {
			p.logger.Printf("primary %s: %s replaces %s for %s", p.serial, target.Filepath, prev.Info.Filepath, serial)
		}
		validated[serial] = v
	}

	for serial, v := range validated {
		if err := p.download(ctx, serial, v.Info); err != nil {
			fail(v.Info, err)
			continue
		}
		report.Assigned[serial] = v.Info
	}

	if err := p.publishDistribution(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.assigned = report.Assigned
	for serial, v := range validated {
		if _, ok := report.Assigned[serial]; !ok {
			continue
		}
		if rc, ok := v.ReleaseCounter(); ok && rc > p.releaseCounters[serial] {
			p.releaseCounters[serial] = rc
		}
	}
	p.mu.Unlock()

	p.logger.Printf("primary %s: update cycle assigned %d targets, %d rejected", p.serial, len(report.Assigned), len(report.Failures))
	return report, nil
}

// download fetches the image from the first mirror that serves bytes
// matching info. A mismatching copy is discarded and never replaces an
// earlier image.
func (p *Primary) download(ctx context.Context, serial string, info model.TargetInfo) error {
	name := info.Filename()
	if !util.IsPlainName(name) {
		return fmt.Errorf("%w: target file name %q", domain.ErrFormat, name)
	}
	var errs []error
	for _, m := range p.mirrors {
		data, err := m.FetchVerifiedTarget(ctx, info)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return util.WriteFileAtomic(p.imagePath(serial, info), data, 0o644)
	}
	return errors.Join(errs...)
}

// publishDistribution replaces both artifacts with temp file and rename.
func (p *Primary) publishDistribution() error {
	dir := filepath.Join(p.dir, distributionDirName)

	archive, err := repository.NewBundle(p.mirrors...).Marshal()
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(filepath.Join(dir, FullMetadataArchive), archive, 0o644); err != nil {
		return fmt.Errorf("publish %s: %w", FullMetadataArchive, err)
	}

	targets, ok := p.director.RawMetadata()[repository.MetadataFile(repository.RoleTargets, 0)]
	if !ok {
		return fmt.Errorf("%w: director targets", domain.ErrMetadataNotLoaded)
	}
	if err := util.WriteFileAtomic(filepath.Join(dir, DirectorTargets), targets, 0o644); err != nil {
		return fmt.Errorf("publish %s: %w", DirectorTargets, err)
	}
	return nil
}
