/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/domain/model"
)

func TestVehicleRepository_CreateFindSetPrimary_OK(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	defer CloseDB(db)

	repo := NewVehicleRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	v := &model.Vehicle{VIN: "democar", CreatedAt: now}
	id, err := repo.Create(ctx, v)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if id == 0 || v.ID != id {
		t.Fatalf("unexpected id: %d (vehicle.ID=%d)", id, v.ID)
	}

	got, err := repo.FindByVIN(ctx, "democar")
	if err != nil {
		t.Fatalf("FindByVIN error: %v", err)
	}
	if got.PrimaryECUSerial != "" {
		t.Fatalf("expected no primary, got %q", got.PrimaryECUSerial)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt mismatch: got %v want %v", got.CreatedAt, now)
	}

	if err := repo.SetPrimary(ctx, "democar", "INFOdemocar"); err != nil {
		t.Fatalf("SetPrimary error: %v", err)
	}
	got, err = repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID error: %v", err)
	}
	if got.PrimaryECUSerial != "INFOdemocar" {
		t.Fatalf("PrimaryECUSerial mismatch: got %q", got.PrimaryECUSerial)
	}
}

func TestVehicleRepository_Conflict_And_NotFound(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	defer CloseDB(db)

	repo := NewVehicleRepository(db)

	if _, err := repo.Create(ctx, &model.Vehicle{VIN: "democar"}); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	_, err = repo.Create(ctx, &model.Vehicle{VIN: "democar"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got: %v", err)
	}

	_, err = repo.FindByVIN(ctx, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
	if err := repo.SetPrimary(ctx, "missing", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}
