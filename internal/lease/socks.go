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
	"math/rand"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/locks"
)

// GetSocks5Config hands out a SOCKS5 credential lease. Priority leases
// are shared: a random row from the priority window, availability
// untouched, only the expiry bumped. Standard leases are exclusive and
// serialized under the credential lock; on exhaustion the expired-lease
// sweep runs once before giving up with a diagnostic.
func (m *Manager) GetSocks5Config(
	ctx context.Context,
	leaseSeconds uint,
	priority bool,
) (database.Socks5Credential, error) {
	expiresMs := time.Now().
		Add(time.Duration(leaseSeconds) * time.Second).
		UnixMilli()
	if priority {
		return m.prioritySocks(expiresMs)
	}
	return m.standardSocks(ctx, expiresMs)
}

func (m *Manager) prioritySocks(
	expiresMs int64,
) (database.Socks5Credential, error) {
	candidates, err := m.db.PrioritySocks(m.config.Lease.PrioritySlots)
	if err != nil {
		return database.Socks5Credential{}, err
	}
	if len(candidates) == 0 {
		return database.Socks5Credential{}, database.ErrSocksPoolExhausted
	}
	cred := candidates[rand.Intn(len(candidates))] // #nosec G404
	if err := m.db.UpdateSocksExpiry(cred.Username, expiresMs); err != nil {
		return database.Socks5Credential{}, err
	}
	cred.ExpiresAt = expiresMs
	return cred, nil
}

func (m *Manager) standardSocks(
	ctx context.Context,
	expiresMs int64,
) (database.Socks5Credential, error) {
	var cred database.Socks5Credential
	prioritySlots := m.config.Lease.PrioritySlots
	err := m.locks.WithLock(locks.LockGetSocks5Config, func() error {
		var err error
		cred, err = m.db.FirstAvailableSocks(prioritySlots)
		if errors.Is(err, database.ErrSocksPoolExhausted) {
			if cleanupErr := m.CleanupExpiredSocks(ctx); cleanupErr != nil {
				m.logger.Warn(
					"socks cleanup during allocation retry failed",
					"error", cleanupErr,
				)
			}
			cred, err = m.db.FirstAvailableSocks(prioritySlots)
		}
		if err != nil {
			return err
		}
		if err := m.db.LeaseSocks(cred.Username, expiresMs); err != nil {
			return err
		}
		return m.dante.WriteUsedMarker(cred.Username, expiresMs)
	})
	if err != nil {
		if errors.Is(err, database.ErrSocksPoolExhausted) {
			if soonest, expErr := m.db.SoonestSocksExpiry(); expErr == nil {
				return cred, fmt.Errorf(
					"%w: soonest lease expires at %s",
					database.ErrSocksPoolExhausted,
					time.UnixMilli(soonest).Format(time.RFC3339),
				)
			}
		}
		return cred, err
	}
	cred.Available = false
	cred.ExpiresAt = expiresMs
	return cred, nil
}

// CleanupExpiredSocks rotates every credential whose lease has expired.
// A rotation failure deletes the row; the daemon no longer agrees with
// us about that user, so offering it again would hand out a dead
// credential. Per-user failures don't stop the sweep.
func (m *Manager) CleanupExpiredSocks(ctx context.Context) error {
	expired, err := m.db.ExpiredSocks()
	if err != nil {
		return fmt.Errorf("failed to query expired credentials: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}
	m.logger.Info(
		"reclaiming expired socks5 credentials",
		"count", len(expired),
	)
	var errs []error
	for _, cred := range expired {
		if err := m.dante.RemoveUsedMarker(cred.Username); err != nil {
			m.logger.Warn(
				"failed to remove used marker",
				"username", cred.Username,
				"error", err,
			)
		}
		password, err := m.dante.Regenerate(ctx, cred.Username)
		if err != nil {
			m.logger.Warn(
				"credential rotation failed, dropping row",
				"username", cred.Username,
				"error", err,
			)
			if delErr := m.db.DeleteSocks(cred.Username); delErr != nil {
				errs = append(errs, delErr)
			}
			continue
		}
		if err := m.db.ResetSocks(cred.Username, password); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetValidSocks5Config is the request-pipeline entry point: make sure
// the daemon is reachable and its credentials are loaded, recover a
// fully exhausted standard pool with a restart+reload (once), then
// lease.
func (m *Manager) GetValidSocks5Config(
	ctx context.Context,
	leaseSeconds uint,
	priority bool,
) (database.Socks5Credential, error) {
	if !m.dante.Ready(30 * time.Second) {
		return database.Socks5Credential{}, fmt.Errorf(
			"dante server not reachable",
		)
	}
	if err := m.ensureSocksLoaded(); err != nil {
		return database.Socks5Credential{}, err
	}
	if !priority {
		available, err := m.db.CountAvailableSocks(
			m.config.Lease.PrioritySlots,
		)
		if err != nil {
			return database.Socks5Credential{}, err
		}
		if available == 0 {
			// A fresh boot re-reads the password dir and may recover
			// credentials the table lost track of
			m.logger.Warn("standard socks pool empty, restarting dante")
			if err := m.dante.Restart(ctx); err != nil {
				return database.Socks5Credential{}, err
			}
			if !m.dante.Ready(30 * time.Second) {
				return database.Socks5Credential{}, fmt.Errorf(
					"dante server not reachable after restart",
				)
			}
			if err := m.ensureSocksLoaded(); err != nil {
				return database.Socks5Credential{}, err
			}
		}
	}
	return m.GetSocks5Config(ctx, leaseSeconds, priority)
}

func (m *Manager) ensureSocksLoaded() error {
	if m.dante.Initialised() {
		return nil
	}
	return m.locks.WithLock(locks.LockDanteRefresh, func() error {
		if m.dante.Initialised() {
			return nil
		}
		return m.dante.LoadFromDisk()
	})
}
