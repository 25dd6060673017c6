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
	"testing"
	"time"
)

func TestWriteWorkersAndGet(t *testing.T) {
	db := newTestDatabase(t)

	workers := []Worker{
		{Ip: "198.51.100.7", PublicPort: 3000, CountryCode: "DE"},
		{Ip: "198.51.100.8", PublicPort: 3000, CountryCode: "US"},
	}
	if err := db.WriteWorkers(workers, "pool-1", "203.0.113.1"); err != nil {
		t.Fatalf("unexpected error writing workers: %v", err)
	}

	got, err := db.GetWorkers(WorkerFilter{MiningPoolUid: "pool-1"})
	if err != nil {
		t.Fatalf("unexpected error getting workers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(got))
	}
	if got[0].Status != WorkerStatusTbd {
		t.Fatalf("expected new worker status %q, got %q", WorkerStatusTbd, got[0].Status)
	}
}

func TestWriteWorkersReplaceInPlace(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.WriteWorkers([]Worker{
		{Ip: "198.51.100.7", PublicPort: 3000},
		{Ip: "198.51.100.8", PublicPort: 3000},
	}, "pool-1", ""); err != nil {
		t.Fatalf("failed to write workers in setup: %v", err)
	}

	// Mark one up so we can observe the row surviving the re-broadcast
	if err := db.WriteWorkerPerformance([]Worker{
		{Ip: "198.51.100.7", MiningPoolUid: "pool-1", Status: WorkerStatusUp, LastTestedAt: time.Now()},
	}); err != nil {
		t.Fatalf("failed to write performance in setup: %v", err)
	}

	// Re-broadcast drops .8 and adds .9
	if err := db.WriteWorkers([]Worker{
		{Ip: "198.51.100.7", PublicPort: 3001},
		{Ip: "198.51.100.9", PublicPort: 3000},
	}, "pool-1", ""); err != nil {
		t.Fatalf("unexpected error re-writing workers: %v", err)
	}

	got, err := db.GetWorkers(WorkerFilter{MiningPoolUid: "pool-1"})
	if err != nil {
		t.Fatalf("unexpected error getting workers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 workers after sweep, got %d", len(got))
	}
	byIP := make(map[string]Worker)
	for _, w := range got {
		byIP[w.Ip] = w
	}
	if _, ok := byIP["198.51.100.8"]; ok {
		t.Fatal("expected absent worker 198.51.100.8 to be swept")
	}
	survivor, ok := byIP["198.51.100.7"]
	if !ok {
		t.Fatal("expected worker 198.51.100.7 to survive re-broadcast")
	}
	if survivor.Status != WorkerStatusUp {
		t.Fatalf("expected status to survive re-broadcast, got %q", survivor.Status)
	}
	if survivor.PublicPort != 3001 {
		t.Fatalf("expected public port updated to 3001, got %d", survivor.PublicPort)
	}
}

func TestWriteWorkersEmptyClearsPool(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.WriteWorkers([]Worker{
		{Ip: "198.51.100.7"},
	}, "pool-1", ""); err != nil {
		t.Fatalf("failed to write workers in setup: %v", err)
	}
	if err := db.WriteWorkers([]Worker{
		{Ip: "198.51.100.7"},
	}, "pool-2", ""); err != nil {
		t.Fatalf("failed to write workers in setup: %v", err)
	}

	if err := db.WriteWorkers(nil, "pool-1", ""); err != nil {
		t.Fatalf("unexpected error clearing pool: %v", err)
	}

	got, err := db.GetWorkers(WorkerFilter{MiningPoolUid: "pool-1"})
	if err != nil {
		t.Fatalf("unexpected error getting workers: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected pool-1 cleared, got %d workers", len(got))
	}

	// Other pools are untouched
	got, err = db.GetWorkers(WorkerFilter{MiningPoolUid: "pool-2"})
	if err != nil {
		t.Fatalf("unexpected error getting workers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected pool-2 untouched, got %d workers", len(got))
	}
}

func TestGetWorkersFilters(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.WriteWorkers([]Worker{
		{Ip: "198.51.100.7", CountryCode: "DE", ConnectionType: ConnectionTypeDatacenter},
		{Ip: "198.51.100.8", CountryCode: "DE", ConnectionType: ConnectionTypeResidential},
		{Ip: "198.51.100.9", CountryCode: "US", ConnectionType: ConnectionTypeResidential},
	}, MiningPoolUidInternal, ""); err != nil {
		t.Fatalf("failed to write workers in setup: %v", err)
	}
	if err := db.WriteWorkerPerformance([]Worker{
		{Ip: "198.51.100.7", MiningPoolUid: MiningPoolUidInternal, Status: WorkerStatusUp, CountryCode: "DE", ConnectionType: ConnectionTypeDatacenter},
		{Ip: "198.51.100.8", MiningPoolUid: MiningPoolUidInternal, Status: WorkerStatusDown, CountryCode: "DE", ConnectionType: ConnectionTypeResidential},
		{Ip: "198.51.100.9", MiningPoolUid: MiningPoolUidInternal, Status: WorkerStatusUp, CountryCode: "US", ConnectionType: ConnectionTypeResidential},
	}); err != nil {
		t.Fatalf("failed to write performance in setup: %v", err)
	}

	testDefs := []struct {
		name   string
		filter WorkerFilter
		want   int
	}{
		{"byCountry", WorkerFilter{CountryCode: "DE"}, 2},
		{"byStatus", WorkerFilter{Status: WorkerStatusUp}, 2},
		{"byType", WorkerFilter{ConnectionType: ConnectionTypeResidential}, 2},
		{"combined", WorkerFilter{CountryCode: "DE", Status: WorkerStatusUp}, 1},
		{"limit", WorkerFilter{Limit: 1}, 1},
		{"none", WorkerFilter{CountryCode: "FR"}, 0},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			got, err := db.GetWorkers(testDef.filter)
			if err != nil {
				t.Fatalf("unexpected error getting workers: %v", err)
			}
			if len(got) != testDef.want {
				t.Fatalf("expected %d workers, got %d", testDef.want, len(got))
			}
		})
	}
}

func TestCountWorkers(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.WriteWorkers([]Worker{
		{Ip: "198.51.100.7"},
		{Ip: "198.51.100.8"},
	}, "pool-1", ""); err != nil {
		t.Fatalf("failed to write workers in setup: %v", err)
	}
	if err := db.WriteWorkerPerformance([]Worker{
		{Ip: "198.51.100.7", MiningPoolUid: "pool-1", Status: WorkerStatusUp},
	}); err != nil {
		t.Fatalf("failed to write performance in setup: %v", err)
	}

	count, err := db.CountWorkers("pool-1", false)
	if err != nil {
		t.Fatalf("unexpected error counting workers: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 workers, got %d", count)
	}

	count, err = db.CountWorkers("pool-1", true)
	if err != nil {
		t.Fatalf("unexpected error counting up workers: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 up worker, got %d", count)
	}
}
