/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package repository

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"os"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
)

var hashFuncs = map[string]func() hash.Hash{
	model.HashSHA256: sha256.New,
	model.HashSHA512: sha512.New,
}

func digests(data []byte) map[string]string {
	out := make(map[string]string, len(hashFuncs))
	for name, newHash := range hashFuncs {
		h := newHash()
		h.Write(data)
		out[name] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

// TargetInfoFromBytes describes data as target filepath.
func TargetInfoFromBytes(filepath string, data []byte, custom model.Custom) model.TargetInfo {
	return model.TargetInfo{
		Filepath: filepath,
		Length:   int64(len(data)),
		Hashes:   digests(data),
		Custom:   custom,
	}
}

func TargetInfoFromFile(filepath, localPath string, custom model.Custom) (model.TargetInfo, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return model.TargetInfo{}, err
	}
	return TargetInfoFromBytes(filepath, data, custom), nil
}

// VerifyTarget checks data against the length and every supported hash in
// info. At least one supported hash must be present.
func VerifyTarget(data []byte, info model.TargetInfo) error {
	return verifyBytes(data, info.Length, info.Hashes, info.Filepath)
}

func verifyBytes(data []byte, length int64, hashes map[string]string, name string) error {
	if int64(len(data)) != length {
		return fmt.Errorf("%w: %s is %d bytes, expected %d", domain.ErrLengthMismatch, name, len(data), length)
	}
	checked := 0
	for alg, want := range hashes {
		newHash, ok := hashFuncs[alg]
		if !ok {
			continue
		}
		h := newHash()
		h.Write(data)
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return fmt.Errorf("%w: %s %s is %s, expected %s", domain.ErrBadHash, name, alg, got, want)
		}
		checked++
	}
	if checked == 0 {
		return fmt.Errorf("%w: %s lists no supported hash", domain.ErrBadHash, name)
	}
	return nil
}

func metaFileFor(version int64, data []byte) MetaFile {
	return MetaFile{
		Version: version,
		Length:  int64(len(data)),
		Hashes:  map[string]string{model.HashSHA256: digests(data)[model.HashSHA256]},
	}
}
