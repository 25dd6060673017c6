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

package scheduler

import (
	"context"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/lease"
	"github.com/blinklabs-io/vpn-federation/internal/locks"
	"github.com/blinklabs-io/vpn-federation/internal/scoring"
)

const (
	leaseCleanupInterval   = time.Minute
	workerScoreInterval    = 15 * time.Minute
	poolScoreInterval      = 5 * time.Minute
	poolRegisterInterval   = time.Hour
	workerRegisterInterval = 15 * time.Minute

	workerScoreBudget = 10 * time.Minute
)

// ModeJobs builds the recurring job set for the configured run mode.
// minerUidToIp supplies the latest neuron mapping for the pool scorer;
// a nil provider disables the consistency filter.
func ModeJobs(
	cfg *config.Config,
	leaseManager *lease.Manager,
	scorer *scoring.Scorer,
	client *federation.Client,
	lockRegistry *locks.Registry,
	minerUidToIp func() map[string]string,
) []Job {
	switch cfg.Server.RunMode {
	case config.RunModeMiner:
		return []Job{
			{
				Name:      "score_all_known_workers",
				Interval:  workerScoreInterval,
				Immediate: true,
				Fn: func(ctx context.Context) error {
					return scorer.ScoreAllKnownWorkers(
						ctx, workerScoreBudget,
					)
				},
			},
			{
				Name:      "register_mining_pool_with_validators",
				Interval:  poolRegisterInterval,
				Immediate: true,
				Fn: func(ctx context.Context) error {
					client.RegisterMiningPoolWithValidators(ctx)
					return nil
				},
			},
			{
				Name:     "register_mining_pool_workers_with_validators",
				Interval: workerRegisterInterval,
				Fn: func(ctx context.Context) error {
					_, err := client.RegisterWorkersWithValidators(ctx)
					return err
				},
			},
		}
	case config.RunModeValidator:
		return []Job{
			{
				Name:     "score_mining_pools",
				Interval: poolScoreInterval,
				Fn: func(ctx context.Context) error {
					var mapping map[string]string
					if minerUidToIp != nil {
						mapping = minerUidToIp()
					}
					return scorer.ScoreMiningPools(ctx, mapping)
				},
			},
		}
	default:
		// Worker mode owns the local lease pools. Each cleanup runs
		// under the pool's allocation lock so a sweep never races an
		// in-flight lease grant; a held lock skips the tick.
		return []Job{
			{
				Name:     "cleanup_expired_wireguard_configs",
				Interval: leaseCleanupInterval,
				Fn: func(ctx context.Context) error {
					release, ok := lockRegistry.TryAcquire(
						locks.LockRegisterWireguard,
					)
					if !ok {
						return nil
					}
					defer release()
					return leaseManager.CleanupExpiredWireguardConfigs(ctx)
				},
			},
			{
				Name:     "cleanup_expired_dante_socks5_configs",
				Interval: leaseCleanupInterval,
				Fn: func(ctx context.Context) error {
					release, ok := lockRegistry.TryAcquire(
						locks.LockGetSocks5Config,
					)
					if !ok {
						return nil
					}
					defer release()
					return leaseManager.CleanupExpiredSocks(ctx)
				},
			},
		}
	}
}
