/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// uptane runs the roles of an Uptane deployment over HTTP: the Director,
// an Image Repository, the Timeserver, a vehicle's Primary and its
// Secondaries.
package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"
	"k8s.io/klog"
)

func main() {
	defer klog.Flush()

	app := &cli.Command{
		Name:  "uptane",
		Usage: "Uptane roles over HTTP",
		Commands: []*cli.Command{
			keygenCommand(),
			directorCommand(),
			imageRepoCommand(),
			timeserverCommand(),
			primaryCommand(),
			secondaryCommand(),
			inspectCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		klog.Exitf("%v", err)
	}
}
