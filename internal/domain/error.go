/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package domain

import "errors"

// storage
var (
	ErrNotFound = errors.New("item not found")
	ErrConflict = errors.New("item already exists")
	ErrRevoked  = errors.New("item revoked")
)

// identity
var (
	ErrUnknownVehicle = errors.New("unknown vehicle")
	ErrUnknownECU     = errors.New("unknown ECU")
)

// integrity and trust
var (
	ErrSpoofing           = errors.New("claimed identity does not match the signed payload")
	ErrBadSignature       = errors.New("bad signature")
	ErrHardwareIDMismatch = errors.New("hardware ID mismatch")
	ErrImageRollBack      = errors.New("image roll back")
	ErrBadTimeAttestation = errors.New("bad time attestation")
	ErrBadHash            = errors.New("hash mismatch")
	ErrLengthMismatch     = errors.New("length mismatch")
)

// consensus and metadata
var (
	ErrUnknownTarget     = errors.New("unknown target")
	ErrReplayedMetadata  = errors.New("replayed metadata")
	ErrExpiredMetadata   = errors.New("expired metadata")
	ErrMetadataNotLoaded = errors.New("metadata not loaded")
)

var (
	ErrFormat        = errors.New("malformed input")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// wireCodes name the sentinels in transport error bodies.
var wireCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrRevoked, "revoked"},
	{ErrUnknownVehicle, "unknown_vehicle"},
	{ErrUnknownECU, "unknown_ecu"},
	{ErrSpoofing, "spoofing"},
	{ErrBadSignature, "bad_signature"},
	{ErrHardwareIDMismatch, "hardware_id_mismatch"},
	{ErrImageRollBack, "image_roll_back"},
	{ErrBadTimeAttestation, "bad_time_attestation"},
	{ErrBadHash, "bad_hash"},
	{ErrLengthMismatch, "length_mismatch"},
	{ErrUnknownTarget, "unknown_target"},
	{ErrReplayedMetadata, "replayed_metadata"},
	{ErrExpiredMetadata, "expired_metadata"},
	{ErrMetadataNotLoaded, "metadata_not_loaded"},
	{ErrFormat, "format"},
	{ErrInvalidConfig, "invalid_config"},
}

// Code returns the wire code of the first sentinel err wraps, or
// "internal".
func Code(err error) string {
	for _, c := range wireCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode returns the sentinel named by code, or nil.
func FromCode(code string) error {
	for _, c := range wireCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
