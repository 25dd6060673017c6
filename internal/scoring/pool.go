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
	"errors"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/locks"
)

const (
	// stabilityAlpha is the EMA weight of the latest observation
	stabilityAlpha = 0.2
	// sizeHalfway is the worker count at which the size score reaches 0.5
	sizeHalfway = 25.0
	// geoTargetCountries is the country spread that earns a full geo score
	geoTargetCountries = 10.0
	// perfBudget is the identity latency that scores zero
	perfBudget = 5 * time.Second
)

// SubScores are the per-dimension results feeding the composite
type SubScores struct {
	Stability   float64 `json:"stability"`
	Size        float64 `json:"size"`
	Performance float64 `json:"performance"`
	Geo         float64 `json:"geo"`
}

// CompositeScore folds sub-scores into the published pool score. The
// weighting is owned by the upstream scoring policy; keep the signature
// stable and change coefficients only in lockstep with it.
func CompositeScore(sub SubScores) float64 {
	return 0.35*sub.Stability +
		0.25*sub.Performance +
		0.25*sub.Size +
		0.15*sub.Geo
}

// ScoreMiningPools sweeps every known pool, skipping pools whose
// self-reported address disagrees with the upstream neuron's uid→ip
// mapping. An empty mapping disables the consistency filter.
func (s *Scorer) ScoreMiningPools(
	ctx context.Context,
	minerUidToIp map[string]string,
) error {
	release, ok := s.locks.TryAcquire(locks.LockScoreMiningPools)
	if !ok {
		s.logger.Info("pool scoring already in progress, skipping")
		return nil
	}
	defer release()

	pools, err := s.db.MiningPools()
	if err != nil {
		return err
	}
	var errs []error
	for _, pool := range pools {
		if len(minerUidToIp) > 0 {
			ip, known := minerUidToIp[pool.MiningPoolUid]
			if !known || ip != pool.Ip {
				s.logger.Warn(
					"pool address disagrees with neuron mapping, skipping",
					"uid", pool.MiningPoolUid,
					"pool_ip", pool.Ip,
				)
				continue
			}
		}
		sub := s.scorePool(ctx, pool)
		if err := s.db.UpdateMiningPoolScore(
			pool.MiningPoolUid,
			sub.Stability,
			sub.Size,
			sub.Performance,
			sub.Geo,
			CompositeScore(sub),
		); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	metricScoreSweeps.WithLabelValues("pools").Inc()
	return nil
}

func (s *Scorer) scorePool(
	ctx context.Context,
	pool database.MiningPool,
) SubScores {
	start := time.Now()
	_, identErr := s.client.FetchIdentity(ctx, pool.Url)
	latency := time.Since(start)

	up := 0.0
	performance := 0.0
	if identErr == nil {
		up = 1.0
		performance = clamp01(1 - latency.Seconds()/perfBudget.Seconds())
	}
	stability := stabilityAlpha*up + (1-stabilityAlpha)*pool.ScoreStability

	size := 0.0
	if count, err := s.db.CountWorkers(pool.MiningPoolUid, true); err == nil {
		size = float64(count) / (float64(count) + sizeHalfway)
	}

	geoScore := 0.0
	if workers, err := s.db.GetWorkers(database.WorkerFilter{
		MiningPoolUid: pool.MiningPoolUid,
		Status:        database.WorkerStatusUp,
	}); err == nil {
		countries := make(map[string]struct{})
		for _, worker := range workers {
			if worker.CountryCode != "" {
				countries[worker.CountryCode] = struct{}{}
			}
		}
		geoScore = clamp01(float64(len(countries)) / geoTargetCountries)
	}

	return SubScores{
		Stability:   stability,
		Size:        size,
		Performance: performance,
		Geo:         geoScore,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
