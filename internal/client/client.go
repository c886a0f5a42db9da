/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/config"
	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/server"
	"github.com/kentakayama/uptane-over-http/internal/signing"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultUserAgent = "uptane-over-http/client"
	maxResponseBytes = 512 << 20 // images travel in responses
)

// client posts CBOR requests to one role.
type client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *log.Logger
}

func newClient(cfg config.ClientConfig) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: no server URL", domain.ErrInvalidConfig)
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{}
	if base.Scheme == "https" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger,
	}, nil
}

// post sends body to path and returns the response body. A failure
// reported by the server comes back wrapping the matching domain error.
func (c *client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := signing.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("build URL for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", server.ContentTypeCBOR)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, responseError(resp, respBody)
	}
	return respBody, nil
}

func responseError(resp *http.Response, body []byte) error {
	var e model.ErrorResponse
	if resp.Header.Get("Content-Type") == server.ContentTypeCBOR && signing.Unmarshal(body, &e) == nil {
		if sentinel := domain.FromCode(e.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, e.Message)
		}
		return fmt.Errorf("unexpected status %s: %s", resp.Status, e.Message)
	}
	return fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(body))
}

// DirectorClient reaches the Director's RPC surface.
type DirectorClient struct {
	c *client
}

func NewDirectorClient(cfg config.ClientConfig) (*DirectorClient, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &DirectorClient{c: c}, nil
}

func (d *DirectorClient) RegisterECUSerial(ctx context.Context, serial string, key *signing.Key, vin string, isPrimary bool) error {
	_, err := d.c.post(ctx, server.PathRegisterECU, model.RegisterECUSerialRequest{
		ECUSerial: serial,
		PublicKey: key.PublicOnly(),
		VIN:       vin,
		IsPrimary: isPrimary,
	})
	return err
}

func (d *DirectorClient) RegisterVehicleManifest(ctx context.Context, vin, primarySerial string, m *signing.Signed[model.VehicleManifest]) error {
	_, err := d.c.post(ctx, server.PathRegisterVehicleManifest, model.RegisterVehicleManifestRequest{
		VIN:              vin,
		PrimaryECUSerial: primarySerial,
		Manifest:         m,
	})
	return err
}

func (d *DirectorClient) RegisterECUManifest(ctx context.Context, vin, serial string, m *signing.Signed[model.ECUManifest]) error {
	_, err := d.c.post(ctx, server.PathRegisterECUManifest, model.RegisterECUManifestRequest{
		VIN:       vin,
		ECUSerial: serial,
		Manifest:  m,
	})
	return err
}

// PrimaryClient reaches a Primary's RPC surface on behalf of a Secondary.
type PrimaryClient struct {
	c *client
}

func NewPrimaryClient(cfg config.ClientConfig) (*PrimaryClient, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &PrimaryClient{c: c}, nil
}

func (p *PrimaryClient) RegisterSecondary(ctx context.Context, serial string) error {
	_, err := p.c.post(ctx, server.PathRegisterSecondary, model.ECURequest{ECUSerial: serial})
	return err
}

func (p *PrimaryClient) SubmitECUManifest(ctx context.Context, vin, serial string, nonce model.Nonce, m *signing.Signed[model.ECUManifest]) error {
	_, err := p.c.post(ctx, server.PathSubmitECUManifest, model.SubmitECUManifestRequest{
		VIN:       vin,
		ECUSerial: serial,
		Nonce:     nonce,
		Manifest:  m,
	})
	return err
}

func (p *PrimaryClient) GetTimeAttestation(ctx context.Context, serial string) (*signing.Signed[model.TimeAttestation], error) {
	body, err := p.c.post(ctx, server.PathTimeAttestation, model.ECURequest{ECUSerial: serial})
	if err != nil {
		return nil, err
	}
	return signing.Decode[model.TimeAttestation](body)
}

func (p *PrimaryClient) GetMetadata(ctx context.Context, serial string, partial bool) ([]byte, error) {
	return p.c.post(ctx, server.PathMetadata, model.ECURequest{ECUSerial: serial, Partial: partial})
}

func (p *PrimaryClient) UpdateExists(ctx context.Context, serial string) (bool, error) {
	body, err := p.c.post(ctx, server.PathUpdateExists, model.ECURequest{ECUSerial: serial})
	if err != nil {
		return false, err
	}
	var resp model.UpdateExistsResponse
	if err := signing.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("%w: update-exists response: %v", domain.ErrFormat, err)
	}
	return resp.Exists, nil
}

func (p *PrimaryClient) GetImage(ctx context.Context, serial string) (string, []byte, error) {
	body, err := p.c.post(ctx, server.PathImage, model.ECURequest{ECUSerial: serial})
	if err != nil {
		return "", nil, err
	}
	var resp model.ImageResponse
	if err := signing.Unmarshal(body, &resp); err != nil {
		return "", nil, fmt.Errorf("%w: image response: %v", domain.ErrFormat, err)
	}
	return resp.Filename, resp.Image, nil
}

// TimeserverClient asks a Timeserver for signed time.
type TimeserverClient struct {
	c *client
}

func NewTimeserverClient(cfg config.ClientConfig) (*TimeserverClient, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &TimeserverClient{c: c}, nil
}

func (t *TimeserverClient) GetSignedTime(ctx context.Context, nonces []model.Nonce) (*signing.Signed[model.TimeAttestation], error) {
	body, err := t.c.post(ctx, server.PathSignedTime, model.SignedTimeRequest{Nonces: nonces})
	if err != nil {
		return nil, err
	}
	a, err := signing.Decode[model.TimeAttestation](body)
	if err != nil {
		return nil, err
	}
	t.c.logger.Printf("Timeserver attested %d nonces at %d", len(a.Payload().Nonces), a.Payload().Time)
	return a, nil
}
