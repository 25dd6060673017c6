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
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/geo"
	"github.com/blinklabs-io/vpn-federation/internal/locks"
	"github.com/blinklabs-io/vpn-federation/internal/version"
	"github.com/blinklabs-io/vpn-federation/internal/wireguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var metricScoreSweeps = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scoring_sweeps_total",
		Help: "Completed scoring sweeps by kind",
	},
	[]string{"kind"},
)

const (
	scoreConcurrency = 8
	// versionGrace is how long after a local release remote nodes may
	// still run the previous build
	versionGrace = 24 * time.Hour
)

// Scorer runs the periodic health and score sweeps over the worker
// fleet and the known mining pools
type Scorer struct {
	config *config.Config
	db     *database.Database
	geo    *geo.Resolver
	client *federation.Client
	locks  *locks.Registry
	prober Prober
	logger *slog.Logger
}

func NewScorer(
	cfg *config.Config,
	db *database.Database,
	geoResolver *geo.Resolver,
	client *federation.Client,
	lockRegistry *locks.Registry,
	prober Prober,
	logger *slog.Logger,
) *Scorer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if prober == nil {
		if cfg.Ci.MockWorkerResponses {
			prober = &MockProber{
				DirectIp:    "198.51.100.1",
				WireguardIp: "203.0.113.1",
				Socks5Ip:    "203.0.113.2",
			}
		} else {
			prober = &NetnsProber{}
		}
	}
	return &Scorer{
		config: cfg,
		db:     db,
		geo:    geoResolver,
		client: client,
		locks:  lockRegistry,
		prober: prober,
		logger: logger,
	}
}

// WorkerResult is the outcome of scoring a single worker
type WorkerResult struct {
	Worker  database.Worker
	Success bool
	Reason  string
}

// ScoreAllKnownWorkers sweeps the internal worker fleet. A sweep that
// is still running makes the new tick a no-op.
func (s *Scorer) ScoreAllKnownWorkers(
	ctx context.Context,
	maxDuration time.Duration,
) error {
	release, ok := s.locks.TryAcquire(locks.LockScoreAllKnownWorkers)
	if !ok {
		s.logger.Info("worker scoring already in progress, skipping")
		return nil
	}
	defer release()
	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	workers, err := s.db.GetWorkers(database.WorkerFilter{
		MiningPoolUid: database.MiningPoolUidInternal,
	})
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return nil
	}
	results := s.ValidateAndAnnotateWorkers(ctx, workers)
	scored := make([]database.Worker, 0, len(results))
	now := time.Now()
	for _, result := range results {
		worker := result.Worker
		if result.Success {
			worker.Status = database.WorkerStatusUp
		} else {
			worker.Status = database.WorkerStatusDown
			s.logger.Info(
				"worker failed scoring",
				"ip", worker.Ip,
				"reason", result.Reason,
			)
		}
		worker.LastTestedAt = now
		if s.geo != nil {
			geodata := s.geo.Resolve(worker.Ip)
			if geodata.CountryCode != "" {
				worker.CountryCode = geodata.CountryCode
			}
			if geodata.ConnectionType != database.ConnectionTypeUnknown {
				worker.ConnectionType = geodata.ConnectionType
				worker.Datacenter = geodata.Datacenter
			}
		}
		scored = append(scored, worker)
	}
	if err := s.db.WriteWorkerPerformance(scored); err != nil {
		return err
	}
	metricScoreSweeps.WithLabelValues("workers").Inc()
	return nil
}

// ValidateAndAnnotateWorkers splits the fleet into valid and invalid
// workers by shape and config parseability, then probes the valid ones
// in parallel
func (s *Scorer) ValidateAndAnnotateWorkers(
	ctx context.Context,
	workers []database.Worker,
) []WorkerResult {
	results := make([]WorkerResult, len(workers))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(scoreConcurrency)
	var directOnce sync.Once
	var directIp string
	var directErr error
	directEgress := func() (string, error) {
		directOnce.Do(func() {
			directIp, directErr = s.prober.DirectEgress(gCtx)
		})
		return directIp, directErr
	}
	for i, worker := range workers {
		if reason, ok := validateWorker(worker); !ok {
			results[i] = WorkerResult{
				Worker:  worker,
				Success: false,
				Reason:  reason,
			}
			continue
		}
		g.Go(func() error {
			results[i] = s.scoreWorker(gCtx, worker, directEgress)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// validateWorker is the cheap shape check that gates the expensive
// probes
func validateWorker(worker database.Worker) (string, bool) {
	ip := net.ParseIP(worker.Ip)
	if ip == nil || ip.To4() == nil {
		return "invalid worker ip", false
	}
	if worker.PublicPort == 0 {
		return "missing public port", false
	}
	if worker.WireguardConfig == "" {
		return "missing wireguard config", false
	}
	if _, err := wireguard.ParseConfig(worker.WireguardConfig); err != nil {
		return fmt.Sprintf("unparseable wireguard config: %v", err), false
	}
	return "", true
}

func (s *Scorer) scoreWorker(
	ctx context.Context,
	worker database.Worker,
	directEgress func() (string, error),
) WorkerResult {
	fail := func(format string, args ...any) WorkerResult {
		return WorkerResult{
			Worker:  worker,
			Success: false,
			Reason:  fmt.Sprintf(format, args...),
		}
	}
	ident, err := s.client.FetchIdentity(ctx, fmt.Sprintf(
		"http://%s:%d", worker.Ip, worker.PublicPort,
	))
	if err != nil {
		return fail("identity probe failed: %v", err)
	}
	if !versionAccepted(ident.Version, version.Version, version.CommitUnix()) {
		return fail(
			"version %q too far behind local %q",
			ident.Version,
			version.Version,
		)
	}
	if !s.workerMatchesMiner(ident) {
		return fail(
			"worker broadcasts pool %q, expected %q",
			ident.MiningPoolUrl,
			s.config.Federation.MiningPoolUrl,
		)
	}
	direct, err := directEgress()
	if err != nil {
		return fail("direct egress probe failed: %v", err)
	}
	// Worker mode verifies its own tunnel: egress must match the direct
	// address. Everyone else expects the tunnel to exit elsewhere.
	expectSame := s.config.Server.RunMode == config.RunModeWorker
	wgIp, err := s.prober.WireguardEgress(ctx, worker.WireguardConfig)
	if err != nil {
		return fail("wireguard probe failed: %v", err)
	}
	if (wgIp == direct) != expectSame {
		return fail(
			"wireguard egress %q vs direct %q mismatch",
			wgIp,
			direct,
		)
	}
	if worker.Socks5Config != "" {
		socksIp, err := s.prober.Socks5Egress(ctx, worker.Socks5Config)
		if err != nil {
			return fail("socks5 probe failed: %v", err)
		}
		if (socksIp == direct) != expectSame {
			return fail(
				"socks5 egress %q vs direct %q mismatch",
				socksIp,
				direct,
			)
		}
	}
	worker.Version = ident.Version
	return WorkerResult{Worker: worker, Success: true}
}

// workerMatchesMiner checks that the worker serves this pool and not a
// competitor
func (s *Scorer) workerMatchesMiner(ident federation.Identity) bool {
	expected := s.config.Federation.MiningPoolUrl
	if expected == "" {
		return true
	}
	return ident.MiningPoolUrl == expected
}

// versionAccepted implements the rollout grace: a remote node passes
// with the exact local version, with any semver down to one patch
// behind, or with anything at all during the first day after the local
// build's commit.
func versionAccepted(
	remoteVersion string,
	localVersion string,
	commitDate int64,
) bool {
	if remoteVersion == localVersion {
		return true
	}
	localSv, err := semver.ParseTolerant(localVersion)
	if err != nil {
		// Local devel builds have no comparable version
		return true
	}
	if remoteSv, err := semver.ParseTolerant(remoteVersion); err == nil {
		minSv := localSv
		if minSv.Patch > 0 {
			minSv.Patch--
		}
		minSv.Pre = nil
		minSv.Build = nil
		if remoteSv.GTE(minSv) {
			return true
		}
	}
	if commitDate > 0 &&
		time.Since(time.Unix(commitDate, 0)) < versionGrace {
		return true
	}
	return false
}
