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
	"strconv"

	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/validators"
)

// WorkerRegisterRequest is a worker's self-registration payload. The
// worker's address always comes from the connection, never the body.
type WorkerRegisterRequest struct {
	PublicPort              uint   `json:"public_port"`
	MiningPoolUrl           string `json:"mining_pool_url"`
	WireguardConfig         string `json:"wireguard_config"`
	Socks5Config            string `json:"socks5_config"`
	PaymentAddressEvm       string `json:"payment_address_evm,omitempty"`
	PaymentAddressBittensor string `json:"payment_address_bittensor,omitempty"`
	Version                 string `json:"version,omitempty"`
}

// WorkerRegisterResponse confirms the registration
type WorkerRegisterResponse struct {
	Registered bool          `json:"registered"`
	Worker     WorkerSummary `json:"worker"`
}

// WorkerSummary is the externally visible view of a worker row. Config
// payloads stay private.
type WorkerSummary struct {
	Ip             string `json:"ip"`
	MiningPoolUid  string `json:"mining_pool_uid"`
	PublicPort     uint   `json:"public_port"`
	CountryCode    string `json:"country_code,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
	Datacenter     bool   `json:"datacenter"`
	Status         string `json:"status"`
	Version        string `json:"version,omitempty"`
}

func workerSummary(worker database.Worker) WorkerSummary {
	return WorkerSummary{
		Ip:             worker.Ip,
		MiningPoolUid:  worker.MiningPoolUid,
		PublicPort:     worker.PublicPort,
		CountryCode:    worker.CountryCode,
		ConnectionType: worker.ConnectionType,
		Datacenter:     worker.Datacenter,
		Status:         worker.Status,
		Version:        worker.Version,
	}
}

// handleWorkerRegister godoc
//
//	@Summary		WorkerRegister
//	@Description	Register the calling worker with this mining pool
//	@Produce		json
//	@Accept			json
//	@Param			WorkerRegisterRequest	body		WorkerRegisterRequest	true	"Registration"
//	@Success		200						{object}	WorkerRegisterResponse	"Registered worker"
//	@Failure		400						{object}	string					"Bad Request"
//	@Failure		405						{object}	string					"Method Not Allowed"
//	@Failure		500						{object}	string					"Server Error"
//	@Router			/worker [post]
func (a *Api) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req WorkerRegisterRequest
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
	worker := database.Worker{
		Ip:                      remoteIp,
		MiningPoolUid:           database.MiningPoolUidInternal,
		PublicPort:              req.PublicPort,
		MiningPoolUrl:           req.MiningPoolUrl,
		WireguardConfig:         req.WireguardConfig,
		Socks5Config:            req.Socks5Config,
		PaymentAddressEvm:       req.PaymentAddressEvm,
		PaymentAddressBittensor: req.PaymentAddressBittensor,
		Version:                 req.Version,
		Status:                  database.WorkerStatusUp,
	}
	if a.geo != nil {
		geodata := a.geo.Resolve(remoteIp)
		worker.CountryCode = geodata.CountryCode
		if geodata.ConnectionType != database.ConnectionTypeUnknown {
			worker.ConnectionType = geodata.ConnectionType
			worker.Datacenter = geodata.Datacenter
		}
	}
	// A worker registering without configs gets them fetched back from
	// its own /vpn endpoint; otherwise scoring would mark it down for
	// the missing config
	if a.provisioner != nil &&
		(worker.WireguardConfig == "" || worker.Socks5Config == "") {
		backfilled := a.provisioner.AddConfigsToWorkers(
			r.Context(), []database.Worker{worker},
		)
		worker = backfilled[0]
	}
	if err := a.db.UpsertWorker(worker); err != nil {
		a.logger.Error("failed to persist worker", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(WorkerRegisterResponse{
		Registered: true,
		Worker:     workerSummary(worker),
	})
	_, _ = w.Write(resp)
}

// WorkerFeedbackRequest is a validator's per-worker score report
type WorkerFeedbackRequest struct {
	Workers []WorkerScore `json:"workers"`
}

type WorkerScore struct {
	Ip             string `json:"ip"`
	Status         string `json:"status"`
	CountryCode    string `json:"country_code,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
	Datacenter     bool   `json:"datacenter,omitempty"`
	Version        string `json:"version,omitempty"`
}

// handleWorkerFeedback godoc
//
//	@Summary		WorkerFeedback
//	@Description	Accept per-worker scores from a validator
//	@Produce		json
//	@Accept			json
//	@Param			WorkerFeedbackRequest	body		WorkerFeedbackRequest	true	"Scores"
//	@Success		200						{object}	string					"Accepted"
//	@Failure		400						{object}	string					"Bad Request"
//	@Failure		403						{object}	string					"Forbidden"
//	@Failure		405						{object}	string					"Method Not Allowed"
//	@Failure		500						{object}	string					"Server Error"
//	@Router			/worker/feedback [post]
func (a *Api) handleWorkerFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Scores steer lease routing; only a validator's own address grants
	// access, headers never do
	if _, ok := a.registry.IsValidator(r); !ok {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Forbidden"}`))
		return
	}
	var req WorkerFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Invalid request"}`))
		return
	}
	workers := make([]database.Worker, 0, len(req.Workers))
	for _, score := range req.Workers {
		workers = append(workers, database.Worker{
			Ip:             score.Ip,
			MiningPoolUid:  database.MiningPoolUidInternal,
			Status:         score.Status,
			CountryCode:    score.CountryCode,
			ConnectionType: score.ConnectionType,
			Datacenter:     score.Datacenter,
			Version:        score.Version,
		})
	}
	if err := a.db.WriteWorkerPerformance(workers); err != nil {
		a.logger.Error("failed to persist worker feedback", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"accepted":true}`))
}

// handleVpn godoc
//
//	@Summary		Vpn
//	@Description	Provision a lease: locally in worker mode, through the federation otherwise
//	@Produce		json
//	@Param			type			query		string	false	"wireguard or socks5"
//	@Param			geo				query		string	false	"Country code filter"
//	@Param			format			query		string	false	"text or json"
//	@Param			lease_seconds	query		int		false	"Lease duration"
//	@Param			priority		query		bool	false	"Priority lease"
//	@Param			feedback_url	query		string	false	"Race feedback URL"
//	@Success		200				{object}	federation.LeaseResponse	"Provisioned lease"
//	@Failure		405				{object}	string						"Method Not Allowed"
//	@Failure		503				{object}	string						"Pool Exhausted"
//	@Router			/vpn [get]
func (a *Api) handleVpn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	vpnType := query.Get("type")
	if vpnType == "" {
		vpnType = federation.VpnTypeWireguard
	}
	leaseSeconds := uint(3600)
	if raw := query.Get("lease_seconds"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Invalid lease_seconds"}`))
			return
		}
		leaseSeconds = uint(parsed)
	}
	req := federation.ConfigRequest{
		Geo:          query.Get("geo"),
		Type:         vpnType,
		LeaseSeconds: leaseSeconds,
		Priority:     query.Get("priority") == "true",
	}
	lease, err := a.provisioner.GetWorkerConfig(
		r.Context(), req, query.Get("feedback_url"),
	)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, database.ErrLeasePoolExhausted) ||
			errors.Is(err, database.ErrSocksPoolExhausted) ||
			errors.Is(err, federation.ErrNoWorkerAvailable) {
			status = http.StatusServiceUnavailable
		}
		a.logger.Error("failed to provision lease", "error", err)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"Failed to provision lease"}`))
		return
	}
	if query.Get("format") == "text" && !lease.Cancelled {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(lease.Config(vpnType)))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(lease)
	_, _ = w.Write(resp)
}
