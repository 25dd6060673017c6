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

package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/lease"
	"github.com/blinklabs-io/vpn-federation/internal/wireguard"
)

const (
	confReadRetries  = 2
	confReadCooldown = 5 * time.Second
)

// Request captures one lease request arriving at this node's /vpn
// endpoint
type Request struct {
	Type         string
	LeaseSeconds uint
	Priority     bool
	FeedbackUrl  string
}

// Provisioner is the role pipeline: it turns an inbound lease request
// into a config, either by provisioning locally (worker mode) or by
// fanning out across the federation (miner and validator modes).
type Provisioner struct {
	config       *config.Config
	lease        *lease.Manager
	wg           *wireguard.Service
	client       *federation.Client
	logger       *slog.Logger
	readCooldown time.Duration
}

func NewProvisioner(
	cfg *config.Config,
	leaseManager *lease.Manager,
	wg *wireguard.Service,
	client *federation.Client,
	logger *slog.Logger,
) *Provisioner {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Provisioner{
		config:       cfg,
		lease:        leaseManager,
		wg:           wg,
		client:       client,
		logger:       logger,
		readCooldown: confReadCooldown,
	}
}

// GetValidWireguardConfig provisions a local peer-slot lease and
// returns its client config. When the request carries a feedback URL
// and the originating race is already won, the lease is released and
// the response marks the request cancelled.
func (p *Provisioner) GetValidWireguardConfig(
	ctx context.Context,
	req Request,
) (*federation.LeaseResponse, error) {
	// Same gate the SOCKS5 path applies with dante.Ready: don't lease a
	// slot on an endpoint clients cannot reach
	if !p.wg.Reachable() {
		return nil, fmt.Errorf("wireguard server not reachable")
	}
	peerSlots := p.wg.CountConfigs()
	if peerSlots <= 0 {
		return nil, fmt.Errorf("no wireguard peer configs present")
	}
	startID, endID := p.lease.DeriveRange(req.Priority)
	expiresAt := time.Now().Add(
		time.Duration(req.LeaseSeconds) * time.Second,
	)
	peerID, err := p.lease.RegisterWireguardLease(
		ctx, startID, endID, expiresAt,
	)
	if err != nil {
		return nil, err
	}
	confText, err := p.readClientConfig(ctx, peerID)
	if err != nil {
		if freeErr := p.lease.MarkConfigFree(peerID); freeErr != nil {
			p.logger.Warn(
				"failed to free lease after read failure",
				"peerId", peerID,
				"error", freeErr,
			)
		}
		return nil, err
	}
	if req.FeedbackUrl != "" &&
		p.client.FeedbackComplete(ctx, req.FeedbackUrl) {
		// Another racer won; hand the slot straight back
		if err := p.lease.MarkConfigFree(peerID); err != nil {
			p.logger.Warn(
				"failed to free cancelled lease",
				"peerId", peerID,
				"error", err,
			)
		}
		return &federation.LeaseResponse{Cancelled: true}, nil
	}
	return &federation.LeaseResponse{
		WireguardConfig: confText,
		PeerId:          peerID,
		PeerSlots:       uint(peerSlots),
		ExpiresAt:       expiresAt.UnixMilli(),
	}, nil
}

// readClientConfig reads the freshly leased peer's config, tolerating
// the window where the container is still writing it out
func (p *Provisioner) readClientConfig(
	ctx context.Context,
	peerID uint,
) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= confReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.readCooldown):
			}
		}
		confText, err := p.wg.ReadClientConfig(peerID)
		if err == nil && confText != "" {
			return confText, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf(
		"failed to read config for peer %d: %w", peerID, lastErr,
	)
}

// GetValidSocks5Config provisions a local SOCKS5 credential lease
func (p *Provisioner) GetValidSocks5Config(
	ctx context.Context,
	req Request,
) (*federation.LeaseResponse, error) {
	cred, err := p.lease.GetValidSocks5Config(
		ctx, req.LeaseSeconds, req.Priority,
	)
	if err != nil {
		return nil, err
	}
	if req.FeedbackUrl != "" &&
		p.client.FeedbackComplete(ctx, req.FeedbackUrl) {
		// Priority credentials are shared and expiry-driven; nothing to
		// release here
		return &federation.LeaseResponse{Cancelled: true}, nil
	}
	return &federation.LeaseResponse{
		Socks5Config: FormatSocks5(cred),
		ExpiresAt:    cred.ExpiresAt,
	}, nil
}

// FormatSocks5 renders a credential in the curl-compatible
// user:password@host:port form used across the federation
func FormatSocks5(cred database.Socks5Credential) string {
	return fmt.Sprintf(
		"%s:%s@%s:%d",
		cred.Username,
		cred.Password,
		cred.IpAddress,
		cred.Port,
	)
}

// GetWorkerConfig dispatches an inbound request by run mode: workers
// provision locally, miners race their fleet, validators go through the
// mining pools
func (p *Provisioner) GetWorkerConfig(
	ctx context.Context,
	req federation.ConfigRequest,
	feedbackUrl string,
) (*federation.LeaseResponse, error) {
	// The inbound feedback URL rides along on fan-outs so a validator's
	// win cancels leases inside every losing pool
	req.FeedbackUrl = feedbackUrl
	switch p.config.Server.RunMode {
	case config.RunModeMiner:
		return p.client.GetWorkerConfigAsMiner(ctx, req)
	case config.RunModeValidator:
		return p.client.GetWorkerConfigAsValidator(ctx, req)
	default:
		local := Request{
			Type:         req.Type,
			LeaseSeconds: req.LeaseSeconds,
			Priority:     req.Priority,
			FeedbackUrl:  feedbackUrl,
		}
		if req.Type == federation.VpnTypeSocks5 {
			return p.GetValidSocks5Config(ctx, local)
		}
		return p.GetValidWireguardConfig(ctx, local)
	}
}

// AddConfigsToWorkers backfills missing configs on registered workers
// by fetching a lease directly from each one. Workers that refuse stay
// as they are; registration tolerates missing configs until the
// migration cutover.
func (p *Provisioner) AddConfigsToWorkers(
	ctx context.Context,
	workers []database.Worker,
) []database.Worker {
	ret := make([]database.Worker, 0, len(workers))
	for _, worker := range workers {
		if worker.WireguardConfig == "" && worker.PublicPort > 0 {
			lease, err := p.client.FetchWorkerLease(
				ctx,
				worker.Ip,
				worker.PublicPort,
				federation.ConfigRequest{Type: federation.VpnTypeWireguard},
			)
			if err != nil {
				p.logger.Warn(
					"failed to backfill wireguard config",
					"ip", worker.Ip,
					"error", err,
				)
			} else {
				worker.WireguardConfig = lease.WireguardConfig
			}
		}
		if worker.Socks5Config == "" && worker.PublicPort > 0 {
			lease, err := p.client.FetchWorkerLease(
				ctx,
				worker.Ip,
				worker.PublicPort,
				federation.ConfigRequest{Type: federation.VpnTypeSocks5},
			)
			if err != nil {
				p.logger.Warn(
					"failed to backfill socks5 config",
					"ip", worker.Ip,
					"error", err,
				)
			} else {
				worker.Socks5Config = lease.Socks5Config
			}
		}
		ret = append(ret, worker)
	}
	return ret
}
