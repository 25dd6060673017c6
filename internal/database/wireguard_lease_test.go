// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"errors"
	"testing"
	"time"
)

func TestRegisterWireguardLease(t *testing.T) {
	db := newTestDatabase(t)

	expiresAt := time.Now().Add(time.Hour)

	// Allocations should hand out the smallest free id each time
	for want := uint(1); want <= 3; want++ {
		peerID, err := db.RegisterWireguardLease(1, 254, expiresAt)
		if err != nil {
			t.Fatalf("unexpected error registering lease: %v", err)
		}
		if peerID != want {
			t.Fatalf("expected peer id %d, got %d", want, peerID)
		}
	}
}

func TestRegisterWireguardLeaseFillsGaps(t *testing.T) {
	db := newTestDatabase(t)

	expiresAt := time.Now().Add(time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := db.RegisterWireguardLease(1, 254, expiresAt); err != nil {
			t.Fatalf("failed to register lease in setup: %v", err)
		}
	}

	// Free the middle slot
	if err := db.DeleteWireguardLease(2); err != nil {
		t.Fatalf("failed to delete lease in setup: %v", err)
	}

	peerID, err := db.RegisterWireguardLease(1, 254, expiresAt)
	if err != nil {
		t.Fatalf("unexpected error registering lease: %v", err)
	}
	if peerID != 2 {
		t.Fatalf("expected gap id 2 to be reused, got %d", peerID)
	}
}

func TestRegisterWireguardLeaseRange(t *testing.T) {
	db := newTestDatabase(t)

	expiresAt := time.Now().Add(time.Hour)

	// Standard range starts past the priority slots
	peerID, err := db.RegisterWireguardLease(6, 254, expiresAt)
	if err != nil {
		t.Fatalf("unexpected error registering lease: %v", err)
	}
	if peerID != 6 {
		t.Fatalf("expected peer id 6, got %d", peerID)
	}
}

func TestRegisterWireguardLeaseExhausted(t *testing.T) {
	db := newTestDatabase(t)

	expiresAt := time.Now().Add(time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := db.RegisterWireguardLease(1, 3, expiresAt); err != nil {
			t.Fatalf("failed to register lease in setup: %v", err)
		}
	}

	_, err := db.RegisterWireguardLease(1, 3, expiresAt)
	if !errors.Is(err, ErrLeasePoolExhausted) {
		t.Fatalf("expected ErrLeasePoolExhausted, got %v", err)
	}
}

func TestExpiredWireguardLeases(t *testing.T) {
	db := newTestDatabase(t)

	// One expired, one live
	if _, err := db.RegisterWireguardLease(1, 254, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("failed to register lease in setup: %v", err)
	}
	if _, err := db.RegisterWireguardLease(1, 254, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("failed to register lease in setup: %v", err)
	}

	expired, err := db.ExpiredWireguardLeases()
	if err != nil {
		t.Fatalf("unexpected error listing expired leases: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired lease, got %d", len(expired))
	}
	if expired[0].ID != 1 {
		t.Fatalf("expected expired lease id 1, got %d", expired[0].ID)
	}

	count, err := db.CountOpenWireguardLeases()
	if err != nil {
		t.Fatalf("unexpected error counting open leases: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 open lease, got %d", count)
	}
}

func TestDeleteWireguardLeases(t *testing.T) {
	db := newTestDatabase(t)

	expiresAt := time.Now().Add(time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := db.RegisterWireguardLease(1, 254, expiresAt); err != nil {
			t.Fatalf("failed to register lease in setup: %v", err)
		}
	}

	if err := db.DeleteWireguardLeases([]uint{1, 3}); err != nil {
		t.Fatalf("unexpected error deleting leases: %v", err)
	}

	count, err := db.CountOpenWireguardLeases()
	if err != nil {
		t.Fatalf("unexpected error counting open leases: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining lease, got %d", count)
	}
}

func TestSoonestWireguardLeaseExpiry(t *testing.T) {
	db := newTestDatabase(t)

	soonest := time.Now().Add(5 * time.Minute)
	if _, err := db.RegisterWireguardLease(1, 254, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("failed to register lease in setup: %v", err)
	}
	if _, err := db.RegisterWireguardLease(1, 254, soonest); err != nil {
		t.Fatalf("failed to register lease in setup: %v", err)
	}

	got, err := db.SoonestWireguardLeaseExpiry()
	if err != nil {
		t.Fatalf("unexpected error getting soonest expiry: %v", err)
	}
	if got.Sub(soonest).Abs() > time.Second {
		t.Fatalf("expected soonest expiry near %v, got %v", soonest, got)
	}
}

func TestSoonestWireguardLeaseExpiryEmpty(t *testing.T) {
	db := newTestDatabase(t)

	_, err := db.SoonestWireguardLeaseExpiry()
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}
