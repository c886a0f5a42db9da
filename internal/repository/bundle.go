/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/signing"
	"github.com/kentakayama/uptane-over-http/internal/util"
)

// Bundle is the full metadata archive a Primary hands to Full verification
// Secondaries: repository name -> metadata file name -> bytes.
type Bundle map[string]map[string][]byte

// NewBundle collects the trusted metadata of every mirror.
func NewBundle(mirrors ...Mirror) Bundle {
	b := make(Bundle, len(mirrors))
	for _, m := range mirrors {
		b[m.Name()] = m.RawMetadata()
	}
	return b
}

func (b Bundle) Marshal() ([]byte, error) {
	return signing.Marshal(b)
}

func UnmarshalBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := signing.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: metadata archive: %v", domain.ErrFormat, err)
	}
	for repo, files := range b {
		if !util.IsPlainName(repo) {
			return nil, fmt.Errorf("%w: repository name %q", domain.ErrFormat, repo)
		}
		for name := range files {
			if !util.IsPlainName(name) {
				return nil, fmt.Errorf("%w: metadata file name %q", domain.ErrFormat, name)
			}
		}
	}
	return b, nil
}

// Expand writes every repository's files below dir/<repository>, replacing
// what was there. The result is unverified.
func (b Bundle) Expand(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	for repo, files := range b {
		for name, data := range files {
			if err := util.WriteFileAtomic(filepath.Join(dir, repo, name), data, 0o644); err != nil {
				return fmt.Errorf("expand %s/%s: %w", repo, name, err)
			}
		}
	}
	return nil
}
