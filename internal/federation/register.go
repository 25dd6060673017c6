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

package federation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/blinklabs-io/vpn-federation/internal/database"
)

// RegistrationReport sums up a validator fan-out. Every validator is
// attempted regardless of earlier failures.
type RegistrationReport struct {
	Successes int      `json:"successes"`
	Failures  []string `json:"failures"`
}

// PoolAnnouncement registers this mining pool with a validator
type PoolAnnouncement struct {
	MiningPoolUrl        string `json:"mining_pool_url"`
	MiningPoolRewards    string `json:"mining_pool_rewards,omitempty"`
	MiningPoolWebsiteUrl string `json:"mining_pool_website_url,omitempty"`
	WorkerCount          int64  `json:"worker_count"`
}

// WorkerAnnouncement publishes this pool's worker fleet to a validator
type WorkerAnnouncement struct {
	MiningPoolUrl string            `json:"mining_pool_url"`
	Workers       []database.Worker `json:"workers"`
}

// RegisterMiningPoolWithValidators announces this pool to every known
// validator
func (c *Client) RegisterMiningPoolWithValidators(
	ctx context.Context,
) RegistrationReport {
	workerCount, err := c.db.CountWorkers(
		database.MiningPoolUidInternal, true,
	)
	if err != nil {
		c.logger.Warn("failed to count workers", "error", err)
	}
	payload := PoolAnnouncement{
		MiningPoolUrl:        c.config.Federation.MiningPoolUrl,
		MiningPoolRewards:    c.config.Federation.MiningPoolRewards,
		MiningPoolWebsiteUrl: c.config.Federation.MiningPoolWebsiteUrl,
		WorkerCount:          workerCount,
	}
	return c.broadcastToValidators(
		ctx, "/validator/broadcast/mining_pool", payload,
	)
}

// RegisterWorkersWithValidators publishes the current worker list to
// every known validator
func (c *Client) RegisterWorkersWithValidators(
	ctx context.Context,
) (RegistrationReport, error) {
	workers, err := c.db.GetWorkers(database.WorkerFilter{
		MiningPoolUid: database.MiningPoolUidInternal,
		Status:        database.WorkerStatusUp,
	})
	if err != nil {
		return RegistrationReport{}, err
	}
	payload := WorkerAnnouncement{
		MiningPoolUrl: c.config.Federation.MiningPoolUrl,
		Workers:       workers,
	}
	return c.broadcastToValidators(
		ctx, "/validator/broadcast/workers", payload,
	), nil
}

// broadcastToValidators probes each validator's identity to learn its
// preferred public endpoint, then posts the payload there. Failures are
// collected per validator; they never stop the rest of the fan-out.
func (c *Client) broadcastToValidators(
	ctx context.Context,
	path string,
	payload any,
) RegistrationReport {
	ips := c.registry.ValidatorIps()
	var mutex sync.Mutex
	var report RegistrationReport
	var wg sync.WaitGroup
	for _, ip := range ips {
		wg.Add(1)
		go func() {
			defer wg.Done()
			base := fmt.Sprintf("http://%s:%d", ip, c.validatorPort)
			ident, err := c.FetchIdentity(ctx, base)
			if err != nil {
				mutex.Lock()
				report.Failures = append(
					report.Failures,
					fmt.Sprintf("%s: identity probe: %v", ip, err),
				)
				mutex.Unlock()
				return
			}
			targetBase := base
			if ident.PublicProtocol != "" && ident.PublicHost != "" {
				targetBase = fmt.Sprintf(
					"%s://%s:%d",
					ident.PublicProtocol,
					ident.PublicHost,
					ident.PublicPort,
				)
			}
			err = c.doJSON(
				ctx,
				http.MethodPost,
				targetBase+path,
				registrationTimeout,
				payload,
				nil,
			)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				report.Failures = append(
					report.Failures,
					fmt.Sprintf("%s: %v", ip, err),
				)
				return
			}
			report.Successes++
		}()
	}
	wg.Wait()
	if len(report.Failures) > 0 {
		c.logger.Warn(
			"validator broadcast partially failed",
			"path", path,
			"successes", report.Successes,
			"failures", len(report.Failures),
		)
	}
	return report
}
