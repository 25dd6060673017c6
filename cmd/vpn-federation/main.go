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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/api"
	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/container"
	"github.com/blinklabs-io/vpn-federation/internal/dante"
	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/geo"
	"github.com/blinklabs-io/vpn-federation/internal/lease"
	"github.com/blinklabs-io/vpn-federation/internal/locks"
	"github.com/blinklabs-io/vpn-federation/internal/provision"
	"github.com/blinklabs-io/vpn-federation/internal/scheduler"
	"github.com/blinklabs-io/vpn-federation/internal/scoring"
	"github.com/blinklabs-io/vpn-federation/internal/validators"
	"github.com/blinklabs-io/vpn-federation/internal/version"
	"github.com/blinklabs-io/vpn-federation/internal/wireguard"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
)

var cmdlineFlags struct {
	configFile string
}

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func main() {
	flag.StringVar(
		&cmdlineFlags.configFile,
		"config",
		"",
		"path to config file to load",
	)
	flag.Parse()

	// Load config
	cfg, err := config.Load(cmdlineFlags.configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %s\n", err)
		os.Exit(1)
	}

	// Configure logger
	var level slog.Level
	if cfg.Logging.Debug {
		level = slog.LevelDebug
	} else {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Open database
	db, err := database.New(cfg, logger)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	// Configure max processes with our logger wrapper, toss undo func
	_, err = maxprocs.Set(maxprocs.Logger(slogPrintf))
	if err != nil {
		// If we hit this, something really wrong happened
		logger.Error(err.Error())
		os.Exit(1)
	}

	slog.Info(
		fmt.Sprintf(
			"vpn-federation %s started in %s mode",
			version.GetVersionString(),
			cfg.Server.RunMode,
		),
	)

	// Start debug listener
	if cfg.Debug.ListenPort > 0 {
		slog.Info(
			fmt.Sprintf(
				"starting debug listener on %s:%d",
				cfg.Debug.ListenAddress,
				cfg.Debug.ListenPort,
			),
		)
		go func() {
			debugger := &http.Server{
				Addr: fmt.Sprintf(
					"%s:%d",
					cfg.Debug.ListenAddress,
					cfg.Debug.ListenPort,
				),
				ReadHeaderTimeout: 60 * time.Second,
			}
			err := debugger.ListenAndServe()
			if err != nil {
				slog.Error(
					fmt.Sprintf("failed to start debug listener: %s", err),
				)
				os.Exit(1)
			}
		}()
	}

	// Start metrics listener
	if cfg.Metrics.ListenPort > 0 {
		metricsListenAddr := fmt.Sprintf(
			"%s:%d",
			cfg.Metrics.ListenAddress,
			cfg.Metrics.ListenPort,
		)
		slog.Info(
			"starting listener for prometheus metrics connections on " + metricsListenAddr,
		)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{
			Addr:         metricsListenAddr,
			WriteTimeout: 10 * time.Second,
			ReadTimeout:  10 * time.Second,
			Handler:      metricsMux,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil {
				slog.Error(
					fmt.Sprintf("failed to start metrics listener: %s", err),
				)
				os.Exit(1)
			}
		}()
	}

	// Configure geo resolver
	geoResolver, err := geo.NewResolver(cfg, logger)
	if err != nil {
		slog.Error("failed to configure geo resolver", "error", err)
		os.Exit(1)
	}
	defer geoResolver.Close()

	// Assemble the lease stack. The mock runner replaces docker in CI.
	var runner container.Runner
	if cfg.Ci.MockWgContainer {
		runner = container.NewMockRunner()
	} else {
		runner = container.NewDockerRunner()
	}
	lockRegistry := locks.NewRegistry()
	wgSvc := wireguard.NewService(cfg, db, runner, logger)
	danteSvc := dante.NewService(cfg, db, runner, logger)
	leaseManager := lease.NewManager(
		cfg, db, wgSvc, danteSvc, lockRegistry, logger,
	)

	// Federation plumbing
	registry := validators.NewRegistry(logger)
	tickets := federation.NewTickets()
	client := federation.NewClient(cfg, db, registry, tickets, logger)
	provisioner := provision.NewProvisioner(
		cfg, leaseManager, wgSvc, client, logger,
	)
	scorer := scoring.NewScorer(
		cfg, db, geoResolver, client, lockRegistry, nil, logger,
	)

	apiServer := api.New(
		cfg, db, registry, tickets, provisioner, geoResolver, logger,
	)

	// Start recurring jobs for this run mode
	sched := scheduler.New(logger)
	sched.Register(scheduler.ModeJobs(
		cfg,
		leaseManager,
		scorer,
		client,
		lockRegistry,
		apiServer.MinerUidToIp,
	)...)
	sched.Start(context.Background())

	// Start API listener
	if err := apiServer.Start(); err != nil {
		slog.Error(
			"failed to start API:",
			"error",
			err,
		)
		os.Exit(1)
	}

	// Wait forever
	select {}
}
