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
	"net/http"
	"strconv"

	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/validators"
)

// PoolBroadcastRequest is a mining pool registering itself with this
// validator. The pool's address comes from the connection; the uid
// falls back to that address when the pool does not send one.
type PoolBroadcastRequest struct {
	federation.PoolAnnouncement
	MiningPoolUid string `json:"mining_pool_uid,omitempty"`
}

// handlePoolBroadcast godoc
//
//	@Summary		PoolBroadcast
//	@Description	Accept a mining pool's registration
//	@Produce		json
//	@Accept			json
//	@Param			PoolBroadcastRequest	body		PoolBroadcastRequest	true	"Registration"
//	@Success		200						{object}	string					"Accepted"
//	@Failure		400						{object}	string					"Bad Request"
//	@Failure		405						{object}	string					"Method Not Allowed"
//	@Failure		500						{object}	string					"Server Error"
//	@Router			/validator/broadcast/mining_pool [post]
func (a *Api) handlePoolBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req PoolBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid request"}`))
		return
	}
	remoteIp := validators.RemoteIp(r)
	if remoteIp == "" || req.MiningPoolUrl == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid request"}`))
		return
	}
	miningPoolUid := req.MiningPoolUid
	if miningPoolUid == "" {
		miningPoolUid = remoteIp
	}
	if err := a.db.UpsertMiningPool(
		miningPoolUid,
		req.MiningPoolUrl,
		remoteIp,
		uint(req.WorkerCount), // #nosec G115
	); err != nil {
		a.logger.Error("failed to persist mining pool", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"registered":true}`))
}

// handleWorkersBroadcast godoc
//
//	@Summary		WorkersBroadcast
//	@Description	Accept a mining pool's worker list
//	@Produce		json
//	@Accept			json
//	@Param			WorkerAnnouncement	body		federation.WorkerAnnouncement	true	"Worker list"
//	@Success		200					{object}	string							"Accepted"
//	@Failure		400					{object}	string							"Bad Request"
//	@Failure		405					{object}	string							"Method Not Allowed"
//	@Failure		500					{object}	string							"Server Error"
//	@Router			/validator/broadcast/workers [post]
func (a *Api) handleWorkersBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req federation.WorkerAnnouncement
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid request"}`))
		return
	}
	remoteIp := validators.RemoteIp(r)
	if remoteIp == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid request"}`))
		return
	}
	// The worker list belongs to the pool at the source address
	miningPoolUid := remoteIp
	if pools, err := a.db.MiningPools(); err == nil {
		for _, pool := range pools {
			if pool.Ip == remoteIp {
				miningPoolUid = pool.MiningPoolUid
				break
			}
		}
	}
	// Annotate the batch with geodata before it lands in the inventory
	if a.geo != nil && len(req.Workers) > 0 {
		ips := make([]string, 0, len(req.Workers))
		for _, worker := range req.Workers {
			ips = append(ips, worker.Ip)
		}
		geodata := a.geo.MapIPs(r.Context(), ips)
		for i := range req.Workers {
			data := geodata[req.Workers[i].Ip]
			if data.CountryCode != "" {
				req.Workers[i].CountryCode = data.CountryCode
			}
			if data.ConnectionType != database.ConnectionTypeUnknown {
				req.Workers[i].ConnectionType = data.ConnectionType
				req.Workers[i].Datacenter = data.Datacenter
			}
		}
	}
	if err := a.db.WriteWorkers(
		req.Workers, miningPoolUid, remoteIp,
	); err != nil {
		a.logger.Error("failed to persist worker list", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"registered":true}`))
}

// NeuronsBroadcast is the neuron's periodic push of chain identities.
// Miners may arrive as a ready-made uid map or as descriptor entries;
// both feed the pool consistency filter.
type NeuronsBroadcast struct {
	Validators   []validators.Descriptor `json:"validators"`
	Miners       []validators.Descriptor `json:"miners,omitempty"`
	MinerUidToIp map[string]string       `json:"miner_uid_to_ip,omitempty"`
}

// handleNeurons godoc
//
//	@Summary		NeuronsBroadcast
//	@Description	Accept the neuron's validator and miner identity push
//	@Produce		json
//	@Accept			json
//	@Param			NeuronsBroadcast	body		NeuronsBroadcast	true	"Identities"
//	@Success		200					{object}	string				"Accepted"
//	@Failure		400					{object}	string				"Bad Request"
//	@Failure		403					{object}	string				"Forbidden"
//	@Failure		405					{object}	string				"Method Not Allowed"
//	@Router			/protocol/broadcast/neurons [post]
func (a *Api) handleNeurons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// The neuron runs next to us; accept pushes from loopback or from a
	// known validator
	remoteIp := validators.RemoteIp(r)
	if _, ok := a.registry.IsValidator(r); !ok {
		if remoteIp != "127.0.0.1" && remoteIp != "::1" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"Forbidden"}`))
			return
		}
	}
	var req NeuronsBroadcast
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid request"}`))
		return
	}
	a.registry.Update(req.Validators)
	uidToIp := req.MinerUidToIp
	if uidToIp == nil && len(req.Miners) > 0 {
		uidToIp = make(map[string]string, len(req.Miners))
	}
	for _, miner := range req.Miners {
		if miner.Uid == nil || miner.Ip == "" {
			continue
		}
		uidToIp[strconv.FormatUint(uint64(*miner.Uid), 10)] = miner.Ip
	}
	if len(uidToIp) > 0 {
		a.neuronMutex.Lock()
		a.minerUidToIp = uidToIp
		a.neuronMutex.Unlock()
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"accepted":true}`))
}
