/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package signing

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/veraison/go-cose"
)

// Payload is implemented by every signable message. The content type is
// bound into each signature, so a signature made over one kind of payload
// never verifies for another.
type Payload interface {
	ContentType() string
}

// validator is implemented by payloads that check their own fields on decode.
type validator interface {
	Validate() error
}

type Signature struct {
	KeyID string `cbor:"1,keyasint"`
	Sig   []byte `cbor:"2,keyasint"`
}

// Signed pairs a payload with detached signatures over its canonical
// encoding.
//
//	Signed = {
//	    1: bstr .cbor T,
//	    2: [* Signature],
//	}
type Signed[T Payload] struct {
	payload    T
	raw        []byte
	Signatures []Signature
}

type signedWire struct {
	Signed     []byte      `cbor:"1,keyasint"`
	Signatures []Signature `cbor:"2,keyasint"`
}

// New wraps payload without signing it.
func New[T Payload](payload T) (*Signed[T], error) {
	raw, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", payload.ContentType(), err)
	}
	return &Signed[T]{payload: payload, raw: raw}, nil
}

// Sign wraps payload and signs it with every key.
func Sign[T Payload](payload T, keys ...*Key) (*Signed[T], error) {
	s, err := New(payload)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := s.AddSignature(k); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Signed[T]) Payload() T {
	return s.payload
}

// Raw returns the exact bytes the signatures cover.
func (s *Signed[T]) Raw() []byte {
	return bytes.Clone(s.raw)
}

// AddSignature signs the payload with k, replacing any earlier signature by
// the same key.
func (s *Signed[T]) AddSignature(k *Key) error {
	signer, err := k.coseSigner()
	if err != nil {
		return err
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(signer.Algorithm())
	msg.Headers.Protected[cose.HeaderLabelContentType] = s.payload.ContentType()
	msg.Payload = s.raw
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return fmt.Errorf("sign %s: %w", s.payload.ContentType(), err)
	}

	sig := Signature{KeyID: k.ID(), Sig: msg.Signature}
	for i := range s.Signatures {
		if s.Signatures[i].KeyID == sig.KeyID {
			s.Signatures[i] = sig
			return nil
		}
	}
	s.Signatures = append(s.Signatures, sig)
	return nil
}

// Verify checks that k produced a valid signature over the payload.
func (s *Signed[T]) Verify(k *Key) error {
	if k == nil {
		return fmt.Errorf("%w: no key", domain.ErrBadSignature)
	}
	keyID := k.ID()
	for _, sig := range s.Signatures {
		if sig.KeyID != keyID {
			continue
		}
		if err := s.verifySignature(k, sig.Sig); err != nil {
			return fmt.Errorf("%w: key %s: %v", domain.ErrBadSignature, shortID(keyID), err)
		}
		return nil
	}
	return fmt.Errorf("%w: no signature by key %s", domain.ErrBadSignature, shortID(keyID))
}

// VerifyThreshold requires at least threshold distinct keys among keyIDs to
// have signed the payload. Keys not listed in keys are ignored.
func (s *Signed[T]) VerifyThreshold(keys map[string]*Key, keyIDs []string, threshold int) error {
	if threshold < 1 {
		return fmt.Errorf("%w: threshold %d", domain.ErrFormat, threshold)
	}
	valid := 0
	seen := make(map[string]struct{}, len(keyIDs))
	for _, id := range keyIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		k, ok := keys[id]
		if !ok || k.ID() != id {
			continue
		}
		if s.Verify(k) == nil {
			valid++
		}
	}
	if valid < threshold {
		return fmt.Errorf("%w: %d of %d required signatures", domain.ErrBadSignature, valid, threshold)
	}
	return nil
}

func (s *Signed[T]) verifySignature(k *Key, sig []byte) error {
	verifier, err := k.coseVerifier()
	if err != nil {
		return err
	}
	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(verifier.Algorithm())
	msg.Headers.Protected[cose.HeaderLabelContentType] = s.payload.ContentType()
	msg.Payload = s.raw
	msg.Signature = sig
	return msg.Verify(nil, verifier)
}

func (s Signed[T]) MarshalCBOR() ([]byte, error) {
	if len(s.raw) == 0 {
		return nil, fmt.Errorf("%w: empty signed payload", domain.ErrFormat)
	}
	sigs := s.Signatures
	if sigs == nil {
		sigs = []Signature{}
	}
	return Marshal(signedWire{Signed: s.raw, Signatures: sigs})
}

func (s *Signed[T]) UnmarshalCBOR(data []byte) error {
	var w signedWire
	if err := Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrFormat, err)
	}
	if len(w.Signed) == 0 {
		return fmt.Errorf("%w: empty signed payload", domain.ErrFormat)
	}
	var payload T
	if err := Unmarshal(w.Signed, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrFormat, payload.ContentType(), err)
	}
	if v, ok := any(payload).(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrFormat, payload.ContentType(), err)
		}
	}
	s.payload = payload
	s.raw = bytes.Clone(w.Signed)
	s.Signatures = w.Signatures
	return nil
}

func shortID(keyID string) string {
	if len(keyID) > 12 {
		return keyID[:12]
	}
	return keyID
}
