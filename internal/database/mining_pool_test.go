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

func TestUpsertMiningPool(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.UpsertMiningPool("42", "http://pool.example", "203.0.113.1", 10); err != nil {
		t.Fatalf("unexpected error upserting pool: %v", err)
	}

	pool, err := db.MiningPoolByUid("42")
	if err != nil {
		t.Fatalf("unexpected error getting pool: %v", err)
	}
	if pool.Url != "http://pool.example" {
		t.Fatalf("expected url %q, got %q", "http://pool.example", pool.Url)
	}
	if pool.LastKnownWorkerPoolSize != 10 {
		t.Fatalf("expected worker pool size 10, got %d", pool.LastKnownWorkerPoolSize)
	}

	// Re-registration updates in place
	if err := db.UpsertMiningPool("42", "http://pool.example", "203.0.113.2", 12); err != nil {
		t.Fatalf("unexpected error re-upserting pool: %v", err)
	}
	pools, err := db.MiningPools()
	if err != nil {
		t.Fatalf("unexpected error listing pools: %v", err)
	}
	if len(pools) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(pools))
	}
	if pools[0].Ip != "203.0.113.2" {
		t.Fatalf("expected updated ip, got %q", pools[0].Ip)
	}
}

func TestUpdateMiningPoolScore(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.UpsertMiningPool("42", "http://pool.example", "203.0.113.1", 10); err != nil {
		t.Fatalf("failed to upsert pool in setup: %v", err)
	}

	if err := db.UpdateMiningPoolScore("42", 0.9, 0.5, 0.7, 0.6, 0.68); err != nil {
		t.Fatalf("unexpected error updating score: %v", err)
	}

	pool, err := db.MiningPoolByUid("42")
	if err != nil {
		t.Fatalf("unexpected error getting pool: %v", err)
	}
	if pool.ScoreComposite != 0.68 {
		t.Fatalf("expected composite 0.68, got %f", pool.ScoreComposite)
	}
	if pool.LastScoredAt.IsZero() {
		t.Fatal("expected last_scored_at to be set")
	}
}

func TestMiningPoolByUidNotFound(t *testing.T) {
	db := newTestDatabase(t)

	_, err := db.MiningPoolByUid("missing")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestChallengeSolutionRoundTrip(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.AddChallengeSolution("chal-1", "sol-1", "miner-7"); err != nil {
		t.Fatalf("unexpected error adding challenge: %v", err)
	}

	got, err := db.ChallengeSolutionByChallenge("chal-1")
	if err != nil {
		t.Fatalf("unexpected error getting challenge: %v", err)
	}
	if got.Solution != "sol-1" || got.Tag != "miner-7" {
		t.Fatalf("unexpected challenge record: %+v", got)
	}
}

func TestDeleteExpiredChallengeSolutions(t *testing.T) {
	db := newTestDatabase(t)

	if err := db.AddChallengeSolution("chal-1", "sol-1", ""); err != nil {
		t.Fatalf("failed to add challenge in setup: %v", err)
	}

	// Nothing older than an hour yet
	if err := db.DeleteExpiredChallengeSolutions(time.Hour); err != nil {
		t.Fatalf("unexpected error pruning challenges: %v", err)
	}
	if _, err := db.ChallengeSolutionByChallenge("chal-1"); err != nil {
		t.Fatalf("expected challenge to survive prune: %v", err)
	}

	// Zero TTL prunes everything
	time.Sleep(10 * time.Millisecond)
	if err := db.DeleteExpiredChallengeSolutions(0); err != nil {
		t.Fatalf("unexpected error pruning challenges: %v", err)
	}
	_, err := db.ChallengeSolutionByChallenge("chal-1")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound after prune, got %v", err)
	}
}
