/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/urfave/cli/v3"
	"k8s.io/klog"
)

const (
	privateKeySuffix = ".key"
	publicKeySuffix  = ".pub"
)

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate a signing key, or one key per top-level role of a repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "Key type: ed25519, ecdsa-p256 or rsa",
				Value: string(signing.KeyTypeEd25519),
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Write the key to this file and its public part next to it with a .pub suffix",
			},
			&cli.StringFlag{
				Name:  "roles",
				Usage: "Write <role>.key and <role>.pub for every top-level role into this directory",
			},
		},
		Action: runKeygenCommand,
	}
}

func runKeygenCommand(ctx context.Context, cmd *cli.Command) error {
	keyType := signing.KeyType(cmd.String("type"))
	out := cmd.String("out")
	rolesDir := cmd.String("roles")

	if (out == "") == (rolesDir == "") {
		return fmt.Errorf("exactly one of --out or --roles must be provided")
	}
	if out != "" {
		return generateKeyFile(strings.TrimSuffix(out, privateKeySuffix), keyType)
	}

	if err := os.MkdirAll(rolesDir, 0o700); err != nil {
		return err
	}
	for _, role := range repository.TopLevelRoles {
		if err := generateKeyFile(filepath.Join(rolesDir, string(role)), keyType); err != nil {
			return fmt.Errorf("%s key: %w", role, err)
		}
	}
	return nil
}

// generateKeyFile writes base.key and base.pub, refusing to overwrite an
// existing private key.
func generateKeyFile(base string, keyType signing.KeyType) error {
	private := base + privateKeySuffix
	if _, err := os.Stat(private); err == nil {
		return fmt.Errorf("%s already exists", private)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	k, err := signing.GenerateKey(keyType)
	if err != nil {
		return err
	}
	if err := signing.WriteKeyFile(private, k); err != nil {
		return err
	}
	if err := signing.WriteKeyFile(base+publicKeySuffix, k.PublicOnly()); err != nil {
		return err
	}
	klog.Infof("Wrote %s key %s to %s", keyType, k.ID(), private)
	return nil
}

// loadRoleKeys reads the <role>.key files keygen --roles writes.
func loadRoleKeys(dir string) (repository.RoleKeySet, error) {
	if dir == "" {
		return nil, fmt.Errorf("no key directory given")
	}
	keys := repository.RoleKeySet{}
	for _, role := range repository.TopLevelRoles {
		k, err := signing.ReadKeyFile(filepath.Join(dir, string(role)+privateKeySuffix))
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", role, err)
		}
		keys[role] = []*signing.Key{k}
	}
	return keys, nil
}

func readPrivateKey(path string) (*signing.Key, error) {
	k, err := signing.ReadKeyFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	if !k.HasPrivate() {
		return nil, fmt.Errorf("%s holds no private key", path)
	}
	return k, nil
}

func readPublicKey(path string) (*signing.Key, error) {
	k, err := signing.ReadKeyFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	return k.PublicOnly(), nil
}
