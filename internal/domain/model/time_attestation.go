/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import (
	"fmt"
	"slices"
)

const MaxNonce Nonce = 2147483647

// Nonce binds a time attestation to one request.
type Nonce int64

func (n Nonce) Validate() error {
	if n < 0 || n > MaxNonce {
		return fmt.Errorf("nonce %d out of range [0, %d]", n, MaxNonce)
	}
	return nil
}

// TimeAttestation is signed by the Timeserver. Time is in Unix seconds.
type TimeAttestation struct {
	Time   int64   `cbor:"1,keyasint"`
	Nonces []Nonce `cbor:"2,keyasint"`
}

func (TimeAttestation) ContentType() string { return ContentTypeTimeAttestation }

func (a TimeAttestation) Validate() error {
	for _, n := range a.Nonces {
		if err := n.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (a TimeAttestation) HasNonce(n Nonce) bool {
	return slices.Contains(a.Nonces, n)
}
