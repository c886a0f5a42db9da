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
	"strings"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/client"
	"github.com/kentakayama/uptane-over-http/internal/config"
	"github.com/kentakayama/uptane-over-http/internal/primary"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/server"
	"github.com/urfave/cli/v3"
	"k8s.io/klog"
)

func primaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "primary",
		Usage: "Run a vehicle's Primary: serve its Secondaries and run update cycles",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address for Secondaries", Value: ":8083"},
			&cli.StringFlag{Name: "vin", Required: true},
			&cli.StringFlag{Name: "ecu", Usage: "ECU serial of the Primary", Required: true},
			&cli.StringFlag{Name: "hardware-id"},
			&cli.StringFlag{Name: "key", Usage: "Primary signing key", Required: true},
			&cli.StringFlag{Name: "timeserver-key", Usage: "Timeserver public key", Required: true},
			&cli.StringFlag{Name: "director-url", Usage: "Base URL of the Director", Required: true},
			&cli.StringFlag{Name: "director-root", Usage: "Pinned root of the vehicle's Director repository", Required: true},
			&cli.StringSliceFlag{Name: "image-repo", Usage: "Image Repository as name,root-file,url; repeatable"},
			&cli.StringFlag{Name: "timeserver-url", Usage: "Base URL of the Timeserver", Required: true},
			&cli.StringFlag{Name: "dir", Usage: "Working directory", Value: "primary"},
			&cli.DurationFlag{Name: "interval", Usage: "Time between update cycles, 0 runs one cycle", Value: time.Minute},
			&cli.BoolFlag{Name: "register", Usage: "Register the Primary's key with the Director first"},
		},
		Action: runPrimary,
	}
}

// parseMirror reads name,root-file,url.
func parseMirror(s string) (config.MirrorConfig, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return config.MirrorConfig{}, fmt.Errorf("mirror %q: want name,root-file,url", s)
	}
	return config.MirrorConfig{Name: parts[0], RootFile: parts[1], URL: parts[2]}, nil
}

func primaryConfig(cmd *cli.Command) (config.PrimaryConfig, error) {
	logger := roleLogger()
	vin := cmd.String("vin")
	directorURL := strings.TrimSuffix(cmd.String("director-url"), "/")
	cfg := config.PrimaryConfig{
		Server:            config.ServerConfig{Addr: cmd.String("addr"), Logger: logger},
		VIN:               vin,
		ECUSerial:         cmd.String("ecu"),
		HardwareID:        cmd.String("hardware-id"),
		KeyFile:           cmd.String("key"),
		TimeserverKeyFile: cmd.String("timeserver-key"),
		Director:          config.ClientConfig{BaseURL: directorURL, Logger: logger},
		DirectorMirror: config.MirrorConfig{
			Name:     directorMirrorName,
			URL:      directorURL + "/repo/" + directorMirrorName + "/" + vin + "/",
			RootFile: cmd.String("director-root"),
		},
		Timeserver:    config.ClientConfig{BaseURL: cmd.String("timeserver-url"), Logger: logger},
		Dir:           cmd.String("dir"),
		CycleInterval: cmd.Duration("interval"),
	}
	for _, s := range cmd.StringSlice("image-repo") {
		m, err := parseMirror(s)
		if err != nil {
			return config.PrimaryConfig{}, err
		}
		cfg.ImageMirrors = append(cfg.ImageMirrors, m)
	}
	return cfg, nil
}

// newMirror follows the repository m over HTTP, keeping what it trusts
// under dir/metadata/<name>.
func newMirror(m config.MirrorConfig, dir string, cfg config.ClientConfig) (*repository.Updater, error) {
	root, err := os.ReadFile(m.RootFile)
	if err != nil {
		return nil, fmt.Errorf("pinned root of %s: %w", m.Name, err)
	}
	fetcher, err := repository.NewHTTPFetcher(m.URL, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return repository.NewUpdater(repository.UpdaterConfig{
		Name:        m.Name,
		Dir:         filepath.Join(dir, "metadata", m.Name),
		TrustedRoot: root,
		Fetcher:     fetcher,
		Logger:      cfg.Logger,
	})
}

func runPrimary(ctx context.Context, cmd *cli.Command) error {
	cfg, err := primaryConfig(cmd)
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

	directorMirror, err := newMirror(cfg.DirectorMirror, cfg.Dir, cfg.Director)
	if err != nil {
		return err
	}
	var imageMirrors []repository.Mirror
	for _, m := range cfg.ImageMirrors {
		u, err := newMirror(m, cfg.Dir, cfg.Director)
		if err != nil {
			return err
		}
		imageMirrors = append(imageMirrors, u)
	}

	p, err := primary.New(primary.Config{
		VIN:               cfg.VIN,
		ECUSerial:         cfg.ECUSerial,
		HardwareID:        cfg.HardwareID,
		Key:               key,
		TimeserverKey:     timeserverKey,
		Director:          directorMirror,
		ImageRepositories: imageMirrors,
		Dir:               cfg.Dir,
		Logger:            cfg.Server.Logger,
	})
	if err != nil {
		return err
	}
	dc, err := client.NewDirectorClient(cfg.Director)
	if err != nil {
		return err
	}
	tc, err := client.NewTimeserverClient(cfg.Timeserver)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	if cmd.Bool("register") {
		if err := dc.RegisterECUSerial(ctx, cfg.ECUSerial, key, cfg.VIN, true); err != nil {
			return fmt.Errorf("register with the Director: %w", err)
		}
		klog.Infof("Registered Primary %s of %s with the Director", cfg.ECUSerial, cfg.VIN)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, cfg.Server, server.Roles{Primary: p}) }()

	every(ctx, cfg.CycleInterval, func(ctx context.Context) {
		primaryRound(ctx, p, dc, tc)
	})
	if cfg.CycleInterval <= 0 {
		stop()
	}
	return <-errCh
}

// primaryRound reports to the Director, renews the trusted time and runs
// one update cycle. Failures are logged and retried on the next round.
func primaryRound(ctx context.Context, p *primary.Primary, dc primary.DirectorClient, tc primary.TimeSource) {
	if err := p.SubmitVehicleManifest(ctx, dc); err != nil {
		klog.Warningf("Vehicle manifest not delivered: %v", err)
	}
	if err := p.RequestTimeAttestation(ctx, tc); err != nil {
		klog.Warningf("Time attestation not renewed: %v", err)
	}
	report, err := p.PrimaryUpdateCycle(ctx)
	if err != nil {
		klog.Warningf("Update cycle failed: %v", err)
		return
	}
	klog.Infof("Update cycle done for Secondaries %v", p.Secondaries())
	for serial, info := range report.Assigned {
		klog.Infof("ECU %s: %s ready", serial, info.Filepath)
	}
	for _, f := range report.Failures {
		klog.Warningf("ECU %s: %s rejected: %v", f.ECUSerial, f.Filepath, f.Err)
	}
}
