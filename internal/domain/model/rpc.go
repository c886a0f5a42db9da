/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "github.com/kentakayama/uptane-over-http/internal/signing"

// Request and response bodies exchanged between roles over HTTP.

type RegisterECUSerialRequest struct {
	ECUSerial string       `cbor:"1,keyasint"`
	PublicKey *signing.Key `cbor:"2,keyasint"`
	VIN       string       `cbor:"3,keyasint"`
	IsPrimary bool         `cbor:"4,keyasint,omitempty"`
}

type RegisterVehicleManifestRequest struct {
	VIN              string                           `cbor:"1,keyasint"`
	PrimaryECUSerial string                           `cbor:"2,keyasint"`
	Manifest         *signing.Signed[VehicleManifest] `cbor:"3,keyasint"`
}

type RegisterECUManifestRequest struct {
	VIN       string                       `cbor:"1,keyasint"`
	ECUSerial string                       `cbor:"2,keyasint"`
	Manifest  *signing.Signed[ECUManifest] `cbor:"3,keyasint"`
}

type SubmitECUManifestRequest struct {
	VIN       string                       `cbor:"1,keyasint"`
	ECUSerial string                       `cbor:"2,keyasint"`
	Nonce     Nonce                        `cbor:"3,keyasint"`
	Manifest  *signing.Signed[ECUManifest] `cbor:"4,keyasint"`
}

// ECURequest names the Secondary a Primary query is about.
type ECURequest struct {
	ECUSerial string `cbor:"1,keyasint"`
	Partial   bool   `cbor:"2,keyasint,omitempty"`
}

type ImageResponse struct {
	Filename string `cbor:"1,keyasint"`
	Image    []byte `cbor:"2,keyasint"`
}

type SignedTimeRequest struct {
	Nonces []Nonce `cbor:"1,keyasint"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

type UpdateExistsResponse struct {
	Exists bool `cbor:"1,keyasint"`
}
