/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/veraison/go-cose"
)

type KeyType string

const (
	KeyTypeEd25519   KeyType = "ed25519"
	KeyTypeRSA       KeyType = "rsa"
	KeyTypeECDSAP256 KeyType = "ecdsa-p256"
)

const rsaKeyBits = 3072

var (
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	ErrNoPrivateKey       = errors.New("key has no private part")
)

// Key is a typed public key, optionally carrying the private part needed
// for signing. Only the public part is ever encoded by cbor.Marshal.
type Key struct {
	Type   KeyType `cbor:"1,keyasint"`
	Public []byte  `cbor:"2,keyasint"` // PKIX, ASN.1 DER

	signer crypto.Signer
}

type keyFile struct {
	Type    KeyType `cbor:"1,keyasint"`
	Public  []byte  `cbor:"2,keyasint"`
	Private []byte  `cbor:"3,keyasint,omitempty"` // PKCS #8, ASN.1 DER
}

// GenerateKey creates a fresh signing key of the given type.
func GenerateKey(t KeyType) (*Key, error) {
	var signer crypto.Signer
	switch t {
	case KeyTypeEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		signer = priv
	case KeyTypeRSA:
		priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, err
		}
		signer = priv
	case KeyTypeECDSAP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		signer = priv
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, t)
	}
	return NewKey(signer)
}

// NewKey wraps a private key.
func NewKey(signer crypto.Signer) (*Key, error) {
	k, err := NewPublicKey(signer.Public())
	if err != nil {
		return nil, err
	}
	k.signer = signer
	return k, nil
}

// NewPublicKey wraps a public key, producing a Key that can only verify.
func NewPublicKey(pub crypto.PublicKey) (*Key, error) {
	var t KeyType
	switch p := pub.(type) {
	case ed25519.PublicKey:
		t = KeyTypeEd25519
	case *rsa.PublicKey:
		t = KeyTypeRSA
	case *ecdsa.PublicKey:
		if p.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: ecdsa curve %s", ErrUnsupportedKeyType, p.Curve.Params().Name)
		}
		t = KeyTypeECDSAP256
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Key{Type: t, Public: der}, nil
}

// ID returns the hex encoded SHA-256 digest of the canonical public key.
func (k *Key) ID() string {
	encoded, err := Marshal(k.PublicOnly())
	if err != nil {
		// a Key holds a string and a byte string; encoding cannot fail
		panic(err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// PublicOnly returns a copy of k without the private part.
func (k *Key) PublicOnly() *Key {
	return &Key{Type: k.Type, Public: append([]byte(nil), k.Public...)}
}

func (k *Key) HasPrivate() bool {
	return k.signer != nil
}

func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.ID() == other.ID()
}

func (k *Key) PublicKey() (crypto.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(k.Public)
	if err != nil {
		return nil, fmt.Errorf("parse %s public key: %w", k.Type, err)
	}
	return pub, nil
}

func (k *Key) algorithm() (cose.Algorithm, error) {
	switch k.Type {
	case KeyTypeEd25519:
		return cose.AlgorithmEdDSA, nil
	case KeyTypeRSA:
		return cose.AlgorithmPS256, nil
	case KeyTypeECDSAP256:
		return cose.AlgorithmES256, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, k.Type)
	}
}

func (k *Key) coseSigner() (cose.Signer, error) {
	if k.signer == nil {
		return nil, ErrNoPrivateKey
	}
	alg, err := k.algorithm()
	if err != nil {
		return nil, err
	}
	return cose.NewSigner(alg, k.signer)
}

func (k *Key) coseVerifier() (cose.Verifier, error) {
	alg, err := k.algorithm()
	if err != nil {
		return nil, err
	}
	pub, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	return cose.NewVerifier(alg, pub)
}

// MarshalPrivate encodes k including its private part, for key files.
func (k *Key) MarshalPrivate() ([]byte, error) {
	if k.signer == nil {
		return nil, ErrNoPrivateKey
	}
	der, err := x509.MarshalPKCS8PrivateKey(k.signer)
	if err != nil {
		return nil, err
	}
	return Marshal(keyFile{Type: k.Type, Public: k.Public, Private: der})
}

// ParseKey decodes a key produced by MarshalPrivate or by cbor.Marshal of a
// Key. The private part is restored when present.
func ParseKey(data []byte) (*Key, error) {
	var f keyFile
	if err := Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(f.Private) == 0 {
		k := &Key{Type: f.Type, Public: f.Public}
		if _, err := k.algorithm(); err != nil {
			return nil, err
		}
		if _, err := k.PublicKey(); err != nil {
			return nil, err
		}
		return k, nil
	}

	priv, err := x509.ParsePKCS8PrivateKey(f.Private)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, priv)
	}
	k, err := NewKey(signer)
	if err != nil {
		return nil, err
	}
	if k.Type != f.Type {
		return nil, fmt.Errorf("key type mismatch: file says %q, key is %q", f.Type, k.Type)
	}
	return k, nil
}

func WriteKeyFile(path string, k *Key) error {
	var (
		data []byte
		err  error
	)
	if k.HasPrivate() {
		data, err = k.MarshalPrivate()
	} else {
		data, err = Marshal(k)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func ReadKeyFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKey(data)
}
