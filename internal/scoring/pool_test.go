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

package scoring

import (
	"context"
	"math"
	"testing"

	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/version"
)

func TestCompositeScoreBounds(t *testing.T) {
	if got := CompositeScore(SubScores{}); got != 0 {
		t.Fatalf("expected zero composite, got %f", got)
	}
	full := CompositeScore(SubScores{
		Stability:   1,
		Size:        1,
		Performance: 1,
		Geo:         1,
	})
	if math.Abs(full-1.0) > 1e-9 {
		t.Fatalf("expected weights to sum to 1, got %f", full)
	}
	// Monotonic in each dimension
	base := CompositeScore(SubScores{Stability: 0.5})
	higher := CompositeScore(SubScores{Stability: 0.6})
	if higher <= base {
		t.Fatal("expected composite to grow with stability")
	}
}

func seedPoolWorkers(t *testing.T, s *Scorer, poolUid string, countries []string) {
	t.Helper()
	workers := make([]database.Worker, 0, len(countries))
	for i, country := range countries {
		workers = append(workers, database.Worker{
			Ip:          "203.0.113." + string(rune('1'+i)),
			PublicPort:  3000,
			CountryCode: country,
			Status:      database.WorkerStatusUp,
		})
	}
	if err := s.db.WriteWorkers(workers, poolUid, ""); err != nil {
		t.Fatalf("failed to seed pool workers: %v", err)
	}
}

func TestScoreMiningPools(t *testing.T) {
	server := identityServer(t, federation.Identity{
		Version: version.Version,
	})
	s := newTestScorer(t, &MockProber{})

	if err := s.db.UpsertMiningPool(
		"pool-1", server.URL, "127.0.0.1", 3,
	); err != nil {
		t.Fatalf("failed to seed pool: %v", err)
	}
	seedPoolWorkers(t, s, "pool-1", []string{"DE", "US", "JP"})

	if err := s.ScoreMiningPools(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pool, err := s.db.MiningPoolByUid("pool-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// First observation of an up pool moves the EMA from 0 to alpha
	if math.Abs(pool.ScoreStability-stabilityAlpha) > 1e-9 {
		t.Fatalf("expected stability %f, got %f", stabilityAlpha, pool.ScoreStability)
	}
	wantSize := 3.0 / (3.0 + sizeHalfway)
	if math.Abs(pool.ScoreSize-wantSize) > 1e-9 {
		t.Fatalf("expected size %f, got %f", wantSize, pool.ScoreSize)
	}
	wantGeo := 3.0 / geoTargetCountries
	if math.Abs(pool.ScoreGeo-wantGeo) > 1e-9 {
		t.Fatalf("expected geo %f, got %f", wantGeo, pool.ScoreGeo)
	}
	if pool.ScorePerformance <= 0 {
		t.Fatalf("expected positive performance, got %f", pool.ScorePerformance)
	}
	if pool.LastScoredAt.IsZero() {
		t.Fatal("expected last scored timestamp")
	}

	// A second sweep advances the EMA
	if err := s.ScoreMiningPools(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool, err = s.db.MiningPoolByUid("pool-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantStability := stabilityAlpha + (1-stabilityAlpha)*stabilityAlpha
	if math.Abs(pool.ScoreStability-wantStability) > 1e-9 {
		t.Fatalf(
			"expected stability %f after second sweep, got %f",
			wantStability,
			pool.ScoreStability,
		)
	}
}

func TestScoreMiningPoolsNeuronFilter(t *testing.T) {
	server := identityServer(t, federation.Identity{
		Version: version.Version,
	})
	s := newTestScorer(t, &MockProber{})

	if err := s.db.UpsertMiningPool(
		"pool-1", server.URL, "127.0.0.1", 1,
	); err != nil {
		t.Fatalf("failed to seed pool: %v", err)
	}

	// The neuron says this uid lives elsewhere: skip it
	err := s.ScoreMiningPools(context.Background(), map[string]string{
		"pool-1": "203.0.113.99",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool, err := s.db.MiningPoolByUid("pool-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pool.LastScoredAt.IsZero() {
		t.Fatal("expected mismatched pool to stay unscored")
	}

	// A matching mapping lets the sweep through
	err = s.ScoreMiningPools(context.Background(), map[string]string{
		"pool-1": "127.0.0.1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool, err = s.db.MiningPoolByUid("pool-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.LastScoredAt.IsZero() {
		t.Fatal("expected matching pool to be scored")
	}
}
