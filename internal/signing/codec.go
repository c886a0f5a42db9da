/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package signing

import (
	"errors"
	"fmt"

	"github.com/kentakayama/uptane-over-http/internal/domain"
)

var ErrInconsistentOptions = errors.New("only-signed output cannot be resigned")

// EncodeOptions selects how Encode treats existing signatures.
//
// The zero value preserves the signatures carried by the envelope.
// ResignWith drops them and signs the payload anew with the given key.
// OnlySigned emits the bare payload bytes the signatures cover.
type EncodeOptions struct {
	OnlySigned bool
	ResignWith *Key
}

// Encode serializes s. Decode(Encode(s, EncodeOptions{})) yields a value
// equal to s.
func Encode[T Payload](s *Signed[T], opts EncodeOptions) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil envelope", domain.ErrFormat)
	}
	if opts.OnlySigned && opts.ResignWith != nil {
		return nil, ErrInconsistentOptions
	}
	if opts.OnlySigned {
		return s.Raw(), nil
	}

	out := s
	if opts.ResignWith != nil {
		out = &Signed[T]{payload: s.payload, raw: s.raw}
		if err := out.AddSignature(opts.ResignWith); err != nil {
			return nil, err
		}
	}
	return Marshal(out)
}

// Decode parses a full envelope produced by Encode.
func Decode[T Payload](data []byte) (*Signed[T], error) {
	var s Signed[T]
	if err := s.UnmarshalCBOR(data); err != nil {
		return nil, err
	}
	return &s, nil
}

// DecodeOnlySigned parses the bare payload bytes produced with
// EncodeOptions.OnlySigned. The result carries no signatures.
func DecodeOnlySigned[T Payload](data []byte) (*Signed[T], error) {
	return Decode[T](mustWrap(data))
}

func mustWrap(raw []byte) []byte {
	data, err := Marshal(signedWire{Signed: raw, Signatures: []Signature{}})
	if err != nil {
		panic(err)
	}
	return data
}
