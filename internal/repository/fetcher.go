/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxMetadataBytes    = 4 << 20
	maxTargetBytes      = 512 << 20
	userAgent           = "uptane-over-http/fetcher"
)

// Fetcher retrieves published files of one repository. A missing file is
// reported as domain.ErrNotFound.
type Fetcher interface {
	FetchMetadata(ctx context.Context, name string) ([]byte, error)
	FetchTarget(ctx context.Context, targetPath string) ([]byte, error)
}

// DirFetcher reads a repository laid out as <Dir>/metadata and
// <Dir>/targets, or a flat directory of metadata files when Flat is set.
type DirFetcher struct {
	Dir  string
	Flat bool
}

func (f DirFetcher) FetchMetadata(ctx context.Context, name string) ([]byte, error) {
	dir := f.Dir
	if !f.Flat {
		dir = filepath.Join(dir, metadataDirName)
	}
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("%w: metadata name %q", domain.ErrFormat, name)
	}
	return readLocal(filepath.Join(dir, name))
}

func (f DirFetcher) FetchTarget(ctx context.Context, targetPath string) ([]byte, error) {
	local, err := targetFilePath(filepath.Join(f.Dir, targetsDirName), targetPath)
	if err != nil {
		return nil, err
	}
	return readLocal(local)
}

func readLocal(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, filepath.Base(name))
	}
	return data, err
}

// HTTPFetcher reads a repository mirror served at BaseURL, with metadata
// under metadata/ and target files under targets/.
type HTTPFetcher struct {
	baseURL    *url.URL
	httpClient *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) (*HTTPFetcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse mirror URL: %w", err)
	}
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}
	// keep relative resolution inside the mirror path
	if base.Path == "" || base.Path[len(base.Path)-1] != '/' {
		base.Path += "/"
	}
	return &HTTPFetcher{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (f *HTTPFetcher) FetchMetadata(ctx context.Context, name string) ([]byte, error) {
	return f.get(ctx, path.Join(metadataDirName, name), maxMetadataBytes)
}

func (f *HTTPFetcher) FetchTarget(ctx context.Context, targetPath string) ([]byte, error) {
	return f.get(ctx, path.Join(targetsDirName, path.Clean("/" + targetPath)[1:]), maxTargetBytes)
}

func (f *HTTPFetcher) get(ctx context.Context, rel string, limit int64) ([]byte, error) {
	u, err := f.baseURL.Parse(rel)
	if err != nil {
		return nil, fmt.Errorf("build URL for %q: %w", rel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, rel)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("unexpected status %s for %s: %s", resp.Status, rel, bytes.TrimSpace(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", rel, limit)
	}
	return body, nil
}
