/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import (
	"errors"
	"fmt"

	"github.com/kentakayama/uptane-over-http/internal/signing"
)

const (
	ContentTypeECUManifest     = "application/uptane-ecu-manifest+cbor"
	ContentTypeVehicleManifest = "application/uptane-vehicle-manifest+cbor"
	ContentTypeTimeAttestation = "application/uptane-time-attestation+cbor"
)

// ECUManifest is the installed firmware report signed by one ECU.
type ECUManifest struct {
	ECUSerial              string     `cbor:"1,keyasint"`
	HardwareID             string     `cbor:"2,keyasint"`
	ReleaseCounter         uint64     `cbor:"3,keyasint"`
	InstalledImage         TargetInfo `cbor:"4,keyasint"`
	TimeserverTime         int64      `cbor:"5,keyasint"`
	PreviousTimeserverTime int64      `cbor:"6,keyasint"`
	AttacksDetected        string     `cbor:"7,keyasint"`
}

func (ECUManifest) ContentType() string { return ContentTypeECUManifest }

func (m ECUManifest) Validate() error {
	if m.ECUSerial == "" {
		return errors.New("ecu_serial is empty")
	}
	return nil
}

// VehicleManifest aggregates the ECU manifests a Primary collected since its
// previous report.
type VehicleManifest struct {
	VIN                 string                                    `cbor:"1,keyasint"`
	PrimaryECUSerial    string                                    `cbor:"2,keyasint"`
	HardwareID          string                                    `cbor:"3,keyasint"`
	ReleaseCounter      uint64                                    `cbor:"4,keyasint"`
	ECUVersionManifests map[string][]*signing.Signed[ECUManifest] `cbor:"5,keyasint"`
}

func (VehicleManifest) ContentType() string { return ContentTypeVehicleManifest }

func (m VehicleManifest) Validate() error {
	if m.VIN == "" {
		return errors.New("vin is empty")
	}
	if m.PrimaryECUSerial == "" {
		return errors.New("primary_ecu_serial is empty")
	}
	for serial, list := range m.ECUVersionManifests {
		for _, em := range list {
			if em == nil {
				return fmt.Errorf("nil manifest for ECU %q", serial)
			}
		}
	}
	return nil
}
