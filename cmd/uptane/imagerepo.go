/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kentakayama/uptane-over-http/internal/config"
	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/server"
	"github.com/kentakayama/uptane-over-http/internal/util"
	"github.com/urfave/cli/v3"
	"k8s.io/klog"
)

const imageRepoMirrorName = "imagerepo"

func imageRepoFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "dir", Usage: "Directory the repository publishes into", Value: "imagerepo"},
		&cli.StringFlag{Name: "key-dir", Usage: "Directory holding the role keys written by keygen --roles", Required: true},
		&cli.DurationFlag{Name: "expiry", Usage: "Lifetime of published targets, snapshot and timestamp metadata"},
	}
}

func imageRepoConfig(cmd *cli.Command) config.ImageRepoConfig {
	return config.ImageRepoConfig{
		Server: config.ServerConfig{Addr: cmd.String("addr"), Logger: roleLogger()},
		Dir:    cmd.String("dir"),
		KeyDir: cmd.String("key-dir"),
		Expiry: cmd.Duration("expiry"),
	}
}

func openImageRepo(cfg config.ImageRepoConfig) (*repository.Repository, error) {
	keys, err := loadRoleKeys(cfg.KeyDir)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(repository.Config{
		Name:   imageRepoMirrorName,
		Dir:    cfg.Dir,
		Keys:   keys,
		Expiry: cfg.Expiry,
		Logger: cfg.Server.Logger,
	})
}

func imageRepoCommand() *cli.Command {
	return &cli.Command{
		Name:  "imagerepo",
		Usage: "Run or administer the Image Repository",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the published metadata and images",
				Flags: append(imageRepoFlags(),
					&cli.StringFlag{Name: "addr", Usage: "Listen address", Value: ":8081"},
				),
				Action: runImageRepoServe,
			},
			{
				Name:  "add",
				Usage: "Add an image and publish new metadata (while the repository is not being served)",
				Flags: append(imageRepoFlags(),
					&cli.StringFlag{Name: "target-path", Usage: "Target path the image is listed under", Required: true},
					&cli.StringFlag{Name: "file", Usage: "The image", Required: true},
					&cli.StringFlag{Name: "hardware-id", Usage: "Hardware the image is built for"},
					&cli.StringFlag{Name: "release-counter", Usage: "Release counter of the image"},
				),
				Action: runImageRepoAdd,
			},
			{
				Name:  "export-root",
				Usage: "Write the root metadata, for pinning on Primaries and Full verification Secondaries",
				Flags: append(imageRepoFlags(),
					&cli.StringFlag{Name: "out", Required: true},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					repo, err := openImageRepo(imageRepoConfig(cmd))
					if err != nil {
						return err
					}
					root, err := repo.RootBytes()
					if err != nil {
						return err
					}
					return util.WriteFileAtomic(cmd.String("out"), root, 0o644)
				},
			},
		},
	}
}

func runImageRepoServe(ctx context.Context, cmd *cli.Command) error {
	cfg := imageRepoConfig(cmd)
	repo, err := openImageRepo(cfg)
	if err != nil {
		return err
	}
	// a fresh repository has only its root until the first publish
	timestamp := filepath.Join(repo.MetadataDir(), repository.MetadataFile(repository.RoleTimestamp, 0))
	if _, err := os.Stat(timestamp); errors.Is(err, fs.ErrNotExist) {
		if err := repo.Publish(); err != nil {
			return err
		}
	}

	ctx, stop := signalContext(ctx)
	defer stop()
	klog.Infof("Image Repository serving %d targets from %s", len(repo.Targets()), cfg.Dir)
	return serve(ctx, cfg.Server, server.Roles{
		Repositories: map[string]string{imageRepoMirrorName: cfg.Dir},
	})
}

func runImageRepoAdd(ctx context.Context, cmd *cli.Command) error {
	custom, err := customFromFlags(cmd)
	if err != nil {
		return err
	}
	repo, err := openImageRepo(imageRepoConfig(cmd))
	if err != nil {
		return err
	}
	info, err := repo.AddTargetFromFile(cmd.String("target-path"), cmd.String("file"), custom)
	if err != nil {
		return err
	}
	if err := repo.Publish(); err != nil {
		return err
	}
	klog.Infof("Published %s (%d bytes)", info.Filepath, info.Length)
	return nil
}
