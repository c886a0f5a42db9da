/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kentakayama/uptane-over-http/internal/repository"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMirror(t *testing.T) {
	m, err := parseMirror("imagerepo,roots/imagerepo.cbor,http://localhost:8081/repo/imagerepo/")
	require.NoError(t, err)
	assert.Equal(t, "imagerepo", m.Name)
	assert.Equal(t, "roots/imagerepo.cbor", m.RootFile)
	assert.Equal(t, "http://localhost:8081/repo/imagerepo/", m.URL)

	for _, bad := range []string{"", "imagerepo", "imagerepo,root.cbor", ",root.cbor,http://x/"} {
		_, err := parseMirror(bad)
		assert.Error(t, err, bad)
	}
}

func TestRoleKeysRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, role := range repository.TopLevelRoles {
		require.NoError(t, generateKeyFile(filepath.Join(dir, string(role)), signing.KeyTypeEd25519))
	}

	keys, err := loadRoleKeys(dir)
	require.NoError(t, err)
	require.Len(t, keys, len(repository.TopLevelRoles))

	pub, err := readPublicKey(filepath.Join(dir, string(repository.TopLevelRoles[0])+publicKeySuffix))
	require.NoError(t, err)
	assert.Equal(t, keys[repository.TopLevelRoles[0]][0].ID(), pub.ID())
	assert.False(t, pub.HasPrivate())

	_, err = readPrivateKey(filepath.Join(dir, string(repository.TopLevelRoles[0])+publicKeySuffix))
	assert.Error(t, err)

	// an existing key is never overwritten
	assert.Error(t, generateKeyFile(filepath.Join(dir, string(repository.TopLevelRoles[0])), signing.KeyTypeEd25519))
}

func TestLoadRoleKeys_Missing(t *testing.T) {
	_, err := loadRoleKeys("")
	assert.Error(t, err)
	_, err = loadRoleKeys(t.TempDir())
	assert.Error(t, err)
}

func TestInstalledFirmware(t *testing.T) {
	info, rc, err := installedFirmware("", "")
	require.NoError(t, err)
	assert.Zero(t, rc)
	assert.Empty(t, info.Filepath)

	image := filepath.Join(t.TempDir(), "tcu-1.0.img")
	require.NoError(t, os.WriteFile(image, []byte("firmware"), 0o644))
	info, rc, err = installedFirmware(image, "3")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rc)
	assert.Equal(t, "tcu-1.0.img", info.Filepath)
	assert.Equal(t, int64(len("firmware")), info.Length)

	_, _, err = installedFirmware(image, "three")
	assert.Error(t, err)
}
