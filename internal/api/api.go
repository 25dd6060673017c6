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

package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/geo"
	"github.com/blinklabs-io/vpn-federation/internal/provision"
	"github.com/blinklabs-io/vpn-federation/internal/validators"
)

const (
	healthcheckPath = "/healthcheck"
)

type Api struct {
	cfg         *config.Config
	db          *database.Database
	registry    *validators.Registry
	tickets     *federation.Tickets
	provisioner *provision.Provisioner
	geo         *geo.Resolver
	logger      *slog.Logger

	neuronMutex  sync.RWMutex
	minerUidToIp map[string]string
}

func New(
	cfg *config.Config,
	db *database.Database,
	registry *validators.Registry,
	tickets *federation.Tickets,
	provisioner *provision.Provisioner,
	geoResolver *geo.Resolver,
	logger *slog.Logger,
) *Api {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Api{
		cfg:          cfg,
		db:           db,
		registry:     registry,
		tickets:      tickets,
		provisioner:  provisioner,
		geo:          geoResolver,
		logger:       logger,
		minerUidToIp: make(map[string]string),
	}
}

// Handler builds the route table. Split out of Start so tests can drive
// the mux directly.
func (a *Api) Handler() http.Handler {
	mainMux := http.NewServeMux()

	// Healthcheck
	mainMux.HandleFunc(healthcheckPath, a.handleHealthcheck)

	// Node identity
	mainMux.HandleFunc("/", a.handleIdentity)

	// Worker-facing routes
	mainMux.HandleFunc("/worker", a.handleWorkerRegister)
	mainMux.HandleFunc("/worker/feedback", a.handleWorkerFeedback)
	mainMux.HandleFunc("/vpn", a.handleVpn)

	// Validator-facing routes
	mainMux.HandleFunc(
		"/validator/broadcast/mining_pool",
		a.handlePoolBroadcast,
	)
	mainMux.HandleFunc(
		"/validator/broadcast/workers",
		a.handleWorkersBroadcast,
	)
	mainMux.HandleFunc("/validator/score/audit/", a.handleScoreAudit)

	// Protocol routes. Older neurons post miners and validators to
	// separate endpoints; all three shapes land on the same handler.
	mainMux.HandleFunc("/protocol/broadcast/neurons", a.handleNeurons)
	mainMux.HandleFunc("/protocol/broadcast/miners", a.handleNeurons)
	mainMux.HandleFunc("/protocol/broadcast/validators", a.handleNeurons)
	mainMux.HandleFunc("/protocol/challenge/new", a.handleChallengeNew)
	mainMux.HandleFunc("/protocol/challenge/", a.handleChallenge)

	// Status and stats routes
	mainMux.HandleFunc("/api/status/request/", a.handleRequestStatus)
	mainMux.HandleFunc("/api/stats", a.handleStats)
	mainMux.HandleFunc("/api/stats/pools", a.handleStatsPools)
	mainMux.HandleFunc("/api/stats/workers", a.handleStatsWorkers)

	// Wrap the mux with an access-logging middleware
	return a.logMiddleware(mainMux, a.logger)
}

func (a *Api) Start() error {
	a.logger.Info("starting API listener",
		"address", a.cfg.Server.ListenAddress,
		"port", a.cfg.Server.ListenPort,
	)
	server := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			a.cfg.Server.ListenAddress,
			a.cfg.Server.ListenPort,
		),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 60 * time.Second,
	}
	err := server.ListenAndServe()
	return err
}

// MinerUidToIp returns the latest neuron-pushed miner mapping, used by
// the pool scorer to reject spoofed pool addresses
func (a *Api) MinerUidToIp() map[string]string {
	a.neuronMutex.RLock()
	defer a.neuronMutex.RUnlock()
	ret := make(map[string]string, len(a.minerUidToIp))
	for uid, ip := range a.minerUidToIp {
		ret[uid] = ip
	}
	return ret
}

func (a *Api) logMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wrap the ResponseWriter to capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(rec, r)

		// Skip logging on a healthcheck request if healthcheck logging is disabled
		if !a.cfg.Server.LogHealthcheck {
			if r.URL.Path == healthcheckPath {
				return
			}
		}

		logger.Info("handled request",
			"status", rec.statusCode,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
	})
}

// statusRecorder helps to record the response status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// authorized gates the stats and audit routes: an admin api key when
// one is configured, or a request from a known validator address
func (a *Api) authorized(r *http.Request) bool {
	if key := a.cfg.Server.AdminApiKey; key != "" {
		if r.URL.Query().Get("api_key") == key {
			return true
		}
	}
	_, ok := a.registry.IsValidator(r)
	return ok
}

// handleHealthcheck responds to GET /healthcheck
func (*Api) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"healthy": true}`))
}
