/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package timeserver

import (
	"fmt"
	"log"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
	"github.com/kentakayama/uptane-over-http/internal/signing"
)

// maxNonces bounds one request; a Primary batches one nonce per Secondary.
const maxNonces = 1024

// Timeserver signs the current time together with the nonces it was given.
// It keeps no record of earlier requests.
type Timeserver struct {
	key    *signing.Key
	clock  func() time.Time
	logger *log.Logger
}

func New(key *signing.Key, clock func() time.Time, logger *log.Logger) (*Timeserver, error) {
	if key == nil || !key.HasPrivate() {
		return nil, fmt.Errorf("%w: timeserver needs a private key", domain.ErrInvalidConfig)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Timeserver{key: key, clock: clock, logger: logger}, nil
}

// PublicKey is the key Primaries and Secondaries pin.
func (ts *Timeserver) PublicKey() *signing.Key {
	return ts.key.PublicOnly()
}

func (ts *Timeserver) GetSignedTime(nonces []model.Nonce) (*signing.Signed[model.TimeAttestation], error) {
	if len(nonces) > maxNonces {
		return nil, fmt.Errorf("%w: %d nonces, at most %d", domain.ErrFormat, len(nonces), maxNonces)
	}
	for _, n := range nonces {
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrFormat, err)
		}
	}

	attestation := model.TimeAttestation{
		Time:   ts.clock().Unix(),
		Nonces: append([]model.Nonce{}, nonces...),
	}
	signed, err := signing.Sign(attestation, ts.key)
	if err != nil {
		return nil, err
	}
	ts.logger.Printf("timeserver: signed time %d for %d nonces", attestation.Time, len(nonces))
	return signed, nil
}

// GetSignedTimeEncoded returns the attestation in its wire form.
func (ts *Timeserver) GetSignedTimeEncoded(nonces []model.Nonce) ([]byte, error) {
	signed, err := ts.GetSignedTime(nonces)
	if err != nil {
		return nil, err
	}
	return signing.Encode(signed, signing.EncodeOptions{})
}
