/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/client"
	"github.com/kentakayama/uptane-over-http/internal/config"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/secondary"
	"github.com/urfave/cli/v3"
	"k8s.io/klog"
)

func secondaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "secondary",
		Usage: "Run a Secondary ECU that takes its updates from the Primary",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "vin", Required: true},
			&cli.StringFlag{Name: "ecu", Usage: "ECU serial", Required: true},
			&cli.StringFlag{Name: "hardware-id"},
			&cli.StringFlag{Name: "key", Usage: "ECU signing key", Required: true},
			&cli.StringFlag{Name: "timeserver-key", Usage: "Timeserver public key", Required: true},
			&cli.StringFlag{Name: "primary-url", Usage: "Base URL of the Primary", Required: true},
			&cli.StringFlag{Name: "director-url", Usage: "Register the ECU key with this Director first"},
			&cli.StringFlag{Name: "dir", Usage: "Working directory", Value: "secondary"},
			&cli.DurationFlag{Name: "interval", Usage: "Time between rounds, 0 runs one round", Value: time.Minute},
			&cli.StringFlag{Name: "firmware", Usage: "Currently installed image"},
			&cli.StringFlag{Name: "release-counter", Usage: "Release counter of the installed image"},
			&cli.BoolFlag{Name: "partial", Usage: "Verify only the Director's targets metadata"},
			&cli.StringFlag{Name: "director-key", Usage: "Public key of the Director's targets role, for --partial"},
			&cli.StringFlag{Name: "director-name", Usage: "Name of the Director repository", Value: directorMirrorName},
			&cli.StringSliceFlag{Name: "root", Usage: "Pinned root of a repository as name=file; repeatable"},
		},
		Action: runSecondary,
	}
}

func secondaryConfig(cmd *cli.Command) (config.SecondaryConfig, error) {
	logger := roleLogger()
	cfg := config.SecondaryConfig{
		VIN:               cmd.String("vin"),
		ECUSerial:         cmd.String("ecu"),
		HardwareID:        cmd.String("hardware-id"),
		KeyFile:           cmd.String("key"),
		TimeserverKeyFile: cmd.String("timeserver-key"),
		Primary:           config.ClientConfig{BaseURL: cmd.String("primary-url"), Logger: logger},
		Director:          config.ClientConfig{BaseURL: cmd.String("director-url"), Logger: logger},
		Dir:               cmd.String("dir"),
		Interval:          cmd.Duration("interval"),
		Partial:           cmd.Bool("partial"),
		DirectorKeyFile:   cmd.String("director-key"),
		DirectorName:      cmd.String("director-name"),
		RootFiles:         make(map[string]string),
		Logger:            logger,
	}
	for _, s := range cmd.StringSlice("root") {
		name, file, ok := strings.Cut(s, "=")
		if !ok || name == "" || file == "" {
			return config.SecondaryConfig{}, fmt.Errorf("root %q: want name=file", s)
		}
		cfg.RootFiles[name] = file
	}
	return cfg, nil
}

// installedFirmware describes the image the ECU boots with.
func installedFirmware(path, counter string) (model.TargetInfo, uint64, error) {
	var rc uint64
	if counter != "" {
		var err error
		if rc, err = strconv.ParseUint(counter, 10, 64); err != nil {
			return model.TargetInfo{}, 0, fmt.Errorf("--release-counter: %w", err)
		}
	}
	if path == "" {
		return model.TargetInfo{}, rc, nil
	}
	info, err := repository.TargetInfoFromFile(filepath.Base(path), path, model.Custom{ReleaseCounter: model.ReleaseCounter(rc)})
	return info, rc, err
}

func runSecondary(ctx context.Context, cmd *cli.Command) error {
	cfg, err := secondaryConfig(cmd)
	if err != nil {
		return err
	}
	key, err := readPrivateKey(cfg.KeyFile)
	if err != nil {
		return err
	}
	timeserverKey, err := readPublicKey(cfg.TimeserverKeyFile)
	if err != nil {
		return err
	}
	firmware, rc, err := installedFirmware(cmd.String("firmware"), cmd.String("release-counter"))
	if err != nil {
		return err
	}

	scfg := secondary.Config{
		VIN:            cfg.VIN,
		ECUSerial:      cfg.ECUSerial,
		HardwareID:     cfg.HardwareID,
		Key:            key,
		TimeserverKey:  timeserverKey,
		Firmware:       firmware,
		ReleaseCounter: rc,
		DirectorName:   cfg.DirectorName,
		Partial:        cfg.Partial,
		Dir:            cfg.Dir,
		Logger:         cfg.Logger,
	}
	if cfg.Partial {
		if cfg.DirectorKeyFile == "" {
			return fmt.Errorf("--partial needs --director-key")
		}
		if scfg.DirectorKey, err = readPublicKey(cfg.DirectorKeyFile); err != nil {
			return err
		}
	} else {
		scfg.TrustedRoots = make(map[string][]byte, len(cfg.RootFiles))
		for name, file := range cfg.RootFiles {
			root, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("pinned root of %s: %w", name, err)
			}
			scfg.TrustedRoots[name] = root
		}
	}
	s, err := secondary.New(scfg)
	if err != nil {
		return err
	}

	pc, err := client.NewPrimaryClient(cfg.Primary)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	if cfg.Director.BaseURL != "" {
		dc, err := client.NewDirectorClient(cfg.Director)
		if err != nil {
			return err
		}
		if err := dc.RegisterECUSerial(ctx, cfg.ECUSerial, key, cfg.VIN, false); err != nil {
			return fmt.Errorf("register with the Director: %w", err)
		}
		klog.Infof("Registered ECU %s of %s with the Director", cfg.ECUSerial, cfg.VIN)
	}
	if err := s.RegisterWithPrimary(ctx, pc); err != nil {
		return fmt.Errorf("register with the Primary: %w", err)
	}

	every(ctx, cfg.Interval, func(ctx context.Context) {
		secondaryRound(ctx, s, pc)
	})
	return nil
}

// secondaryRound reports the ECU's state and then pulls whatever the
// Primary holds for it. Failures are logged and retried on the next round.
func secondaryRound(ctx context.Context, s *secondary.Secondary, pc secondary.PrimaryClient) {
	if err := s.ReportToPrimary(ctx, pc); err != nil {
		klog.Warningf("ECU manifest not delivered: %v", err)
	}
	installed, err := s.FetchUpdate(ctx, pc)
	if err != nil {
		klog.Warningf("Update not installed: %v", err)
		return
	}
	if installed {
		info, _ := s.Firmware()
		klog.Infof("Installed %s", info.Filepath)
	}
}
