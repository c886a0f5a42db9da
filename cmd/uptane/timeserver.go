/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"

	"github.com/kentakayama/uptane-over-http/internal/config"
	"github.com/kentakayama/uptane-over-http/internal/server"
	"github.com/kentakayama/uptane-over-http/internal/timeserver"
	"github.com/urfave/cli/v3"
	"k8s.io/klog"
)

func timeserverCommand() *cli.Command {
	return &cli.Command{
		Name:  "timeserver",
		Usage: "Serve signed time attestations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address", Value: ":8082"},
			&cli.StringFlag{Name: "key", Usage: "Timeserver signing key", Required: true},
		},
		Action: runTimeserver,
	}
}

func runTimeserver(ctx context.Context, cmd *cli.Command) error {
	cfg := config.TimeserverConfig{
		Server:  config.ServerConfig{Addr: cmd.String("addr"), Logger: roleLogger()},
		KeyFile: cmd.String("key"),
	}
	key, err := readPrivateKey(cfg.KeyFile)
	if err != nil {
		return err
	}
	ts, err := timeserver.New(key, nil, cfg.Server.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()
	klog.Infof("Timeserver signing with key %s", key.ID())
	return serve(ctx, cfg.Server, server.Roles{Timeserver: ts})
}
