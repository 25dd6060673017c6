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

package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrLeasePoolExhausted is returned when no free peer id remains in the
// requested range
var ErrLeasePoolExhausted = errors.New(
	"lease pool exhausted: no available peer slots",
)

// WireguardLease tracks active WireGuard peer-slot leases. A row exists
// iff the slot is leased; the row id is the peer id and keys the on-disk
// peerK/peerK.conf artifact.
type WireguardLease struct {
	ID        uint      `gorm:"primaryKey"`
	ExpiresAt time.Time `gorm:"index;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (WireguardLease) TableName() string {
	return "worker_wireguard_configs"
}

// RegisterWireguardLease atomically picks the smallest peer id in
// [startID..endID] absent from the lease table and inserts a row for it.
// Returns ErrLeasePoolExhausted when the range is fully leased; callers
// run expiry cleanup and retry once before surfacing the error.
func (d *Database) RegisterWireguardLease(
	startID uint,
	endID uint,
	expiresAt time.Time,
) (uint, error) {
	var peerID uint
	err := d.db.Transaction(func(tx *gorm.DB) error {
		// One query for the leased ids in range; the smallest absent id
		// falls out of a single ordered walk
		var leased []uint
		if err := tx.Model(&WireguardLease{}).
			Where("id BETWEEN ? AND ?", startID, endID).
			Order("id").
			Pluck("id", &leased).Error; err != nil {
			return err
		}
		next := startID
		for _, id := range leased {
			if id != next {
				break
			}
			next++
		}
		if next > endID {
			return ErrLeasePoolExhausted
		}
		lease := WireguardLease{
			ID:        next,
			ExpiresAt: expiresAt,
		}
		if err := tx.Create(&lease).Error; err != nil {
			return err
		}
		peerID = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return peerID, nil
}

// ExpiredWireguardLeases returns all leases whose expiry has passed
func (d *Database) ExpiredWireguardLeases() ([]WireguardLease, error) {
	var ret []WireguardLease
	result := d.db.
		Where("expires_at < ?", time.Now()).
		Order("id").
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// DeleteWireguardLeases removes the lease rows for the given peer ids
func (d *Database) DeleteWireguardLeases(peerIDs []uint) error {
	if len(peerIDs) == 0 {
		return nil
	}
	result := d.db.Where("id IN ?", peerIDs).Delete(&WireguardLease{})
	return result.Error
}

// DeleteWireguardLease removes the lease row for a single peer id. Used
// by the feedback-URL path when a losing racer releases its slot.
func (d *Database) DeleteWireguardLease(peerID uint) error {
	result := d.db.Where("id = ?", peerID).Delete(&WireguardLease{})
	return result.Error
}

// CountOpenWireguardLeases returns the number of leases that have not yet
// expired. The container restart path refuses to restart while this is
// non-zero.
func (d *Database) CountOpenWireguardLeases() (int64, error) {
	var count int64
	result := d.db.Model(&WireguardLease{}).
		Where("expires_at >= ?", time.Now()).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}

// SoonestWireguardLeaseExpiry returns the earliest expiry across all
// lease rows, for pool-exhaustion diagnostics
func (d *Database) SoonestWireguardLeaseExpiry() (time.Time, error) {
	var lease WireguardLease
	result := d.db.Order("expires_at").First(&lease)
	if result.Error != nil {
		return time.Time{}, result.Error
	}
	return lease.ExpiresAt, nil
}
