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

package lease

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/dante"
	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/locks"
	"github.com/blinklabs-io/vpn-federation/internal/wireguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOpenLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lease_wireguard_open",
		Help: "Open wireguard peer-slot leases",
	})
	metricLeaseExhaustions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lease_wireguard_exhaustions_total",
		Help: "Wireguard lease requests refused with the pool exhausted",
	})
)

// Manager owns lease allocation and reclamation for both pools. It is
// the only caller of the lease stores' mutating operations and holds
// the named locks around their critical sections.
type Manager struct {
	config *config.Config
	db     *database.Database
	wg     *wireguard.Service
	dante  *dante.Service
	locks  *locks.Registry
	logger *slog.Logger

	// Ready-wait budget after allocation; shortened in tests
	wgReadyWait time.Duration
	wgReadyPoll time.Duration
}

func NewManager(
	cfg *config.Config,
	db *database.Database,
	wg *wireguard.Service,
	danteSvc *dante.Service,
	lockRegistry *locks.Registry,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Manager{
		config:      cfg,
		db:          db,
		wg:          wg,
		dante:       danteSvc,
		locks:       lockRegistry,
		logger:      logger,
		wgReadyWait: 60 * time.Second,
		wgReadyPoll: 2 * time.Second,
	}
}

// DeriveRange maps a priority flag onto a peer-id range. Priority
// requests draw from [1..P]; standard requests from [P+1..N]. With no
// priority reservation both draw from the full range.
func (m *Manager) DeriveRange(priority bool) (uint, uint) {
	peerCount := m.config.Wireguard.PeerCount
	prioritySlots := m.config.Lease.PrioritySlots
	if prioritySlots == 0 {
		return 1, peerCount
	}
	if priority {
		return 1, prioritySlots
	}
	return prioritySlots + 1, peerCount
}

// RegisterWireguardLease allocates the smallest free peer id in the
// range. On exhaustion it reclaims expired leases and retries once;
// after that the error carries the soonest upcoming expiry. The
// server-ready wait happens outside the lock.
func (m *Manager) RegisterWireguardLease(
	ctx context.Context,
	startID uint,
	endID uint,
	expiresAt time.Time,
) (uint, error) {
	allocate := func() (uint, error) {
		var peerID uint
		err := m.locks.WithLock(locks.LockRegisterWireguard, func() error {
			var err error
			peerID, err = m.db.RegisterWireguardLease(
				startID,
				endID,
				expiresAt,
			)
			return err
		})
		return peerID, err
	}
	peerID, err := allocate()
	if errors.Is(err, database.ErrLeasePoolExhausted) {
		// Reclamation holds the allocation lock too: config rotation
		// must never run concurrently with the scheduled sweep
		cleanupErr := m.locks.WithLock(locks.LockRegisterWireguard, func() error {
			return m.CleanupExpiredWireguardConfigs(ctx)
		})
		if cleanupErr != nil {
			m.logger.Warn(
				"lease cleanup during allocation retry failed",
				"error", cleanupErr,
			)
		}
		peerID, err = allocate()
	}
	if err != nil {
		if errors.Is(err, database.ErrLeasePoolExhausted) {
			metricLeaseExhaustions.Inc()
			if soonest, expErr := m.db.SoonestWireguardLeaseExpiry(); expErr == nil {
				return 0, fmt.Errorf(
					"%w: soonest lease expires at %s",
					database.ErrLeasePoolExhausted,
					soonest.Format(time.RFC3339),
				)
			}
		}
		return 0, err
	}
	if !m.wg.ServerReady(ctx, peerID, m.wgReadyWait, m.wgReadyPoll) {
		// Don't strand the slot if the config never materialized
		if freeErr := m.db.DeleteWireguardLease(peerID); freeErr != nil {
			m.logger.Warn(
				"failed to free lease after ready timeout",
				"peerId", peerID,
				"error", freeErr,
			)
		}
		return 0, fmt.Errorf(
			"wireguard server not ready for peer %d",
			peerID,
		)
	}
	return peerID, nil
}

// CleanupExpiredWireguardConfigs reclaims expired peer-slot leases.
// Delete mode removes the on-disk configs and restarts the container,
// but only when no open leases remain; a restart would disconnect them.
// Refresh mode rotates keys in place instead, no restart needed.
// Callers serialize under the allocation lock; the method itself takes
// none.
func (m *Manager) CleanupExpiredWireguardConfigs(ctx context.Context) error {
	expired, err := m.db.ExpiredWireguardLeases()
	if err != nil {
		return fmt.Errorf("failed to query expired leases: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}
	peerIDs := make([]uint, 0, len(expired))
	for _, lease := range expired {
		peerIDs = append(peerIDs, lease.ID)
	}
	m.logger.Info(
		"reclaiming expired wireguard leases",
		"count", len(peerIDs),
		"refreshMode", m.config.Lease.RefreshInsteadOfDelete,
	)
	if m.config.Lease.RefreshInsteadOfDelete {
		// Rotation deletes each lease row once the slot's keys are stable
		if _, err := m.wg.ReplaceConfigs(ctx, peerIDs); err != nil {
			return fmt.Errorf("failed to rotate expired leases: %w", err)
		}
		return nil
	}
	if err := m.wg.DeleteConfigs(peerIDs); err != nil {
		return fmt.Errorf("failed to delete expired configs: %w", err)
	}
	if err := m.db.DeleteWireguardLeases(peerIDs); err != nil {
		return fmt.Errorf("failed to delete expired lease rows: %w", err)
	}
	open, err := m.db.CountOpenWireguardLeases()
	if err != nil {
		return fmt.Errorf("failed to count open leases: %w", err)
	}
	if open > 0 {
		m.logger.Info(
			"skipping wireguard restart with open leases",
			"open", open,
		)
		return nil
	}
	return m.wg.Restart(ctx)
}

// MarkConfigFree releases a peer-slot lease. Called by losing racers in
// a fan-out once the feedback URL reports the request complete.
func (m *Manager) MarkConfigFree(peerID uint) error {
	return m.db.DeleteWireguardLease(peerID)
}

// CheckOpenLeases returns the number of unexpired peer-slot leases
func (m *Manager) CheckOpenLeases() (int64, error) {
	open, err := m.db.CountOpenWireguardLeases()
	if err != nil {
		return 0, err
	}
	metricOpenLeases.Set(float64(open))
	return open, nil
}
