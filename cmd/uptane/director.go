/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kentakayama/uptane-over-http/internal/config"
	"github.com/kentakayama/uptane-over-http/internal/director"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/infra/sqlite"
	"github.com/kentakayama/uptane-over-http/internal/server"
	"github.com/kentakayama/uptane-over-http/internal/util"
	"github.com/urfave/cli/v3"
	"k8s.io/klog"
)

// directorMirrorName is the mirror the Director's vehicle repositories are
// served under: /repo/director/<VIN>/.
const directorMirrorName = "director"

func directorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "db", Usage: "Inventory database file", Value: "director.db"},
		&cli.StringFlag{Name: "dir", Usage: "Directory holding one repository per vehicle", Value: "director"},
		&cli.StringFlag{Name: "key-dir", Usage: "Directory holding the role keys written by keygen --roles", Required: true},
		&cli.DurationFlag{Name: "expiry", Usage: "Lifetime of published targets, snapshot and timestamp metadata"},
	}
}

func directorConfig(cmd *cli.Command) config.DirectorConfig {
	return config.DirectorConfig{
		Server: config.ServerConfig{Addr: cmd.String("addr"), Logger: roleLogger()},
		DBPath: cmd.String("db"),
		Dir:    cmd.String("dir"),
		KeyDir: cmd.String("key-dir"),
		Expiry: cmd.Duration("expiry"),
	}
}

// openDirector opens the inventory and the published repositories. The
// returned function closes the inventory.
func openDirector(ctx context.Context, cfg config.DirectorConfig) (*director.Director, func(), error) {
	keys, err := loadRoleKeys(cfg.KeyDir)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	d, err := director.New(director.Config{
		Dir:    cfg.Dir,
		Keys:   keys,
		Expiry: cfg.Expiry,
		Logger: cfg.Server.Logger,
	}, db)
	if err != nil {
		sqlite.CloseDB(db)
		return nil, nil, err
	}
	return d, func() { sqlite.CloseDB(db) }, nil
}

// withDirector runs fn against the Director configured by cmd's flags.
func withDirector(ctx context.Context, cmd *cli.Command, fn func(*director.Director) error) error {
	d, closeDB, err := openDirector(ctx, directorConfig(cmd))
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(d)
}

func directorCommand() *cli.Command {
	return &cli.Command{
		Name:  "director",
		Usage: "Run or administer the Director",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the Director RPC surface and the vehicle repositories",
				Flags: append(directorFlags(),
					&cli.StringFlag{Name: "addr", Usage: "Listen address", Value: ":8080"},
				),
				Action: runDirectorServe,
			},
			{
				Name:  "add-vehicle",
				Usage: "Register a vehicle and the serials of its ECUs (while the Director is stopped)",
				Flags: append(directorFlags(),
					&cli.StringFlag{Name: "vin", Required: true},
					&cli.StringSliceFlag{Name: "ecu", Usage: "ECU serial, repeatable"},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withDirector(ctx, cmd, func(d *director.Director) error {
						return d.AddNewVehicle(ctx, cmd.String("vin"), cmd.StringSlice("ecu"))
					})
				},
			},
			{
				Name:  "assign",
				Usage: "Assign an image to an ECU and publish the vehicle's metadata (while the Director is stopped)",
				Flags: append(directorFlags(), assignFlags()...),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					custom, err := customFromFlags(cmd)
					if err != nil {
						return err
					}
					vin := cmd.String("vin")
					return withDirector(ctx, cmd, func(d *director.Director) error {
						if err := d.AddTargetForECUFromFile(ctx, vin, cmd.String("ecu"), cmd.String("target-path"), cmd.String("file"), custom); err != nil {
							return err
						}
						return d.PublishVehicle(ctx, vin)
					})
				},
			},
			{
				Name:  "revoke",
				Usage: "Revoke the key of an ECU so it can register again",
				Flags: append(directorFlags(),
					&cli.StringFlag{Name: "ecu", Required: true},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withDirector(ctx, cmd, func(d *director.Director) error {
						return d.RevokeECUSerial(ctx, cmd.String("ecu"))
					})
				},
			},
			{
				Name:  "export-root",
				Usage: "Write the root metadata of a vehicle's repository, for pinning on the Primary",
				Flags: append(directorFlags(),
					&cli.StringFlag{Name: "vin", Required: true},
					&cli.StringFlag{Name: "out", Required: true},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withDirector(ctx, cmd, func(d *director.Director) error {
						repo, err := d.VehicleRepository(ctx, cmd.String("vin"))
						if err != nil {
							return err
						}
						root, err := repo.RootBytes()
						if err != nil {
							return err
						}
						return util.WriteFileAtomic(cmd.String("out"), root, 0o644)
					})
				},
			},
		},
	}
}

func runDirectorServe(ctx context.Context, cmd *cli.Command) error {
	cfg := directorConfig(cmd)
	d, closeDB, err := openDirector(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, stop := signalContext(ctx)
	defer stop()
	klog.Infof("Director publishing vehicle repositories from %s", cfg.Dir)
	return serve(ctx, cfg.Server, server.Roles{
		Director:     d,
		Repositories: map[string]string{directorMirrorName: d.Dir()},
	})
}

func assignFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "vin", Required: true},
		&cli.StringFlag{Name: "ecu", Usage: "ECU serial", Required: true},
		&cli.StringFlag{Name: "target-path", Usage: "Target path, as the Image Repository lists it", Required: true},
		&cli.StringFlag{Name: "file", Usage: "Local copy of the image", Required: true},
		&cli.StringFlag{Name: "hardware-id", Usage: "Hardware the image is built for"},
		&cli.StringFlag{Name: "release-counter", Usage: "Release counter of the image"},
	}
}

func customFromFlags(cmd *cli.Command) (model.Custom, error) {
	custom := model.Custom{HardwareID: cmd.String("hardware-id")}
	if s := cmd.String("release-counter"); s != "" {
		rc, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return model.Custom{}, fmt.Errorf("--release-counter: %w", err)
		}
		custom.ReleaseCounter = model.ReleaseCounter(rc)
	}
	return custom, nil
}
