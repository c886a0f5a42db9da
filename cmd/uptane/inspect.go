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

	"github.com/kentakayama/uptane-over-http/internal/util"
	"github.com/urfave/cli/v3"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print CBOR metadata, manifests or archives as JSON",
		ArgsUsage: "FILE...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return fmt.Errorf("no file given")
			}
			for _, name := range cmd.Args().Slice() {
				data, err := os.ReadFile(name)
				if err != nil {
					return err
				}
				pretty, err := util.RenderCBORPretty(data)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				if cmd.NArg() > 1 {
					fmt.Fprintf(os.Stdout, "# %s\n", name)
				}
				fmt.Fprintln(os.Stdout, pretty)
			}
			return nil
		},
	}
}
