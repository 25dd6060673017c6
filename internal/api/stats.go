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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/blinklabs-io/vpn-federation/internal/database"
)

// handleRequestStatus godoc
//
//	@Summary		RequestStatus
//	@Description	Report the state of an in-flight provisioning race
//	@Produce		json
//	@Success		200	{object}	string	"Ticket status"
//	@Failure		404	{object}	string	"Not Found"
//	@Failure		405	{object}	string	"Method Not Allowed"
//	@Router			/api/status/request/{id} [get]
func (a *Api) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestId := strings.TrimPrefix(r.URL.Path, "/api/status/request/")
	if requestId == "" || strings.Contains(requestId, "/") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(map[string]string{
		"status": a.tickets.Status(requestId),
	})
	_, _ = w.Write(resp)
}

// StatsResponse summarizes this node's inventory and capacity
type StatsResponse struct {
	WorkersTotal       int64 `json:"workers_total"`
	WorkersUp          int64 `json:"workers_up"`
	MiningPools        int   `json:"mining_pools"`
	OpenLeases         int64 `json:"open_leases"`
	AvailableSocks     int64 `json:"available_socks"`
	KnownValidators    int   `json:"known_validators"`
	WireguardPeerSlots uint  `json:"wireguard_peer_slots"`
}

// handleStats godoc
//
//	@Summary		Stats
//	@Description	Summarize inventory, leases and capacity
//	@Produce		json
//	@Success		200	{object}	StatsResponse	"Summary"
//	@Failure		403	{object}	string			"Forbidden"
//	@Failure		405	{object}	string			"Method Not Allowed"
//	@Failure		500	{object}	string			"Server Error"
//	@Router			/api/stats [get]
func (a *Api) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Forbidden"}`))
		return
	}
	workersTotal, err := a.db.CountWorkers(
		database.MiningPoolUidInternal, false,
	)
	if err != nil {
		a.statsError(w, err)
		return
	}
	workersUp, err := a.db.CountWorkers(
		database.MiningPoolUidInternal, true,
	)
	if err != nil {
		a.statsError(w, err)
		return
	}
	pools, err := a.db.MiningPools()
	if err != nil {
		a.statsError(w, err)
		return
	}
	openLeases, err := a.db.CountOpenWireguardLeases()
	if err != nil {
		a.statsError(w, err)
		return
	}
	availableSocks, err := a.db.CountAvailableSocks(
		a.cfg.Lease.PrioritySlots,
	)
	if err != nil {
		a.statsError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(StatsResponse{
		WorkersTotal:       workersTotal,
		WorkersUp:          workersUp,
		MiningPools:        len(pools),
		OpenLeases:         openLeases,
		AvailableSocks:     availableSocks,
		KnownValidators:    len(a.registry.ValidatorIps()),
		WireguardPeerSlots: a.cfg.Wireguard.PeerCount,
	})
	_, _ = w.Write(resp)
}

// handleStatsPools godoc
//
//	@Summary		StatsPools
//	@Description	List known mining pools with their scores
//	@Produce		json
//	@Success		200	{array}		database.MiningPool	"Pools"
//	@Failure		403	{object}	string				"Forbidden"
//	@Failure		405	{object}	string				"Method Not Allowed"
//	@Failure		500	{object}	string				"Server Error"
//	@Router			/api/stats/pools [get]
func (a *Api) handleStatsPools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Forbidden"}`))
		return
	}
	pools, err := a.db.MiningPools()
	if err != nil {
		a.statsError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(pools)
	_, _ = w.Write(resp)
}

// handleStatsWorkers godoc
//
//	@Summary		StatsWorkers
//	@Description	List known workers without config payloads
//	@Produce		json
//	@Success		200	{array}		WorkerSummary	"Workers"
//	@Failure		403	{object}	string			"Forbidden"
//	@Failure		405	{object}	string			"Method Not Allowed"
//	@Failure		500	{object}	string			"Server Error"
//	@Router			/api/stats/workers [get]
func (a *Api) handleStatsWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Forbidden"}`))
		return
	}
	workers, err := a.db.GetWorkers(database.WorkerFilter{})
	if err != nil {
		a.statsError(w, err)
		return
	}
	summaries := make([]WorkerSummary, 0, len(workers))
	for _, worker := range workers {
		summaries = append(summaries, workerSummary(worker))
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(summaries)
	_, _ = w.Write(resp)
}

// ScoreAuditResponse pairs a pool's record with its current worker set
type ScoreAuditResponse struct {
	Pool    database.MiningPool `json:"pool"`
	Workers []WorkerSummary     `json:"workers"`
}

// handleScoreAudit godoc
//
//	@Summary		ScoreAudit
//	@Description	Expose the inputs behind one pool's score
//	@Produce		json
//	@Success		200	{object}	ScoreAuditResponse	"Audit data"
//	@Failure		403	{object}	string				"Forbidden"
//	@Failure		404	{object}	string				"Not Found"
//	@Failure		405	{object}	string				"Method Not Allowed"
//	@Failure		500	{object}	string				"Server Error"
//	@Router			/validator/score/audit/{pool_uid} [get]
func (a *Api) handleScoreAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Forbidden"}`))
		return
	}
	poolUid := strings.TrimPrefix(r.URL.Path, "/validator/score/audit/")
	if poolUid == "" || strings.Contains(poolUid, "/") {
		http.NotFound(w, r)
		return
	}
	pool, err := a.db.MiningPoolByUid(poolUid)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			http.NotFound(w, r)
			return
		}
		a.statsError(w, err)
		return
	}
	workers, err := a.db.GetWorkers(database.WorkerFilter{
		MiningPoolUid: poolUid,
	})
	if err != nil {
		a.statsError(w, err)
		return
	}
	summaries := make([]WorkerSummary, 0, len(workers))
	for _, worker := range workers {
		summaries = append(summaries, workerSummary(worker))
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(ScoreAuditResponse{
		Pool:    pool,
		Workers: summaries,
	})
	_, _ = w.Write(resp)
}

func (a *Api) statsError(w http.ResponseWriter, err error) {
	a.logger.Error("failed to gather stats", "error", err)
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
}
