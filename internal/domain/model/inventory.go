/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

type Vehicle struct {
	ID               int64
	VIN              string // Unique
	PrimaryECUSerial string // empty until a Primary is registered
	CreatedAt        time.Time
}

type ECU struct {
	ID        int64
	Serial    string // Unique across the fleet
	VehicleID int64
	PublicKey []byte // CBOR encoded signing.Key, NULL until registered
	KeyID     string // empty until registered
	CreatedAt time.Time
	RevokedAt *time.Time // NULL if not revoked
}

// HasActiveKey reports whether the ECU has a registered, unrevoked key.
func (e *ECU) HasActiveKey() bool {
	return len(e.PublicKey) > 0 && e.RevokedAt == nil
}

// StoredManifest is a signed manifest as persisted, owned by a vehicle or
// an ECU row.
type StoredManifest struct {
	ID        int64
	OwnerID   int64
	Manifest  []byte
	CreatedAt time.Time
}
