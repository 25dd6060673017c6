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
	"gorm.io/gorm/clause"
)

// ErrSocksPoolExhausted is returned when no standard-pool credential is
// available for an exclusive lease
var ErrSocksPoolExhausted = errors.New(
	"socks5 pool exhausted: no available credentials",
)

// Socks5Credential is one Dante user. Rows are ordered by id; the first
// P rows form the shared priority pool and the remainder the exclusive
// standard pool. ExpiresAt is unix milliseconds, 0 when unleased.
type Socks5Credential struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;not null"`
	IpAddress string
	Port      uint
	Password  string
	Available bool      `gorm:"index"`
	ExpiresAt int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Socks5Credential) TableName() string {
	return "worker_socks5_configs"
}

// PrioritySocks returns the available credentials among the first
// prioritySlots rows by id. Priority leases are shared: callers pick a
// random row and update only its expiry.
func (d *Database) PrioritySocks(
	prioritySlots uint,
) ([]Socks5Credential, error) {
	var ret []Socks5Credential
	result := d.db.
		Where("available = ?", true).
		Order("id").
		Limit(int(prioritySlots)). // #nosec G115
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// FirstAvailableSocks returns the first available credential after
// skipping the first skipSlots rows by id, i.e. the next standard-pool
// candidate. Returns ErrSocksPoolExhausted when none remain.
func (d *Database) FirstAvailableSocks(
	skipSlots uint,
) (Socks5Credential, error) {
	var ret Socks5Credential
	result := d.db.
		Where("available = ?", true).
		Order("id").
		Offset(int(skipSlots)). // #nosec G115
		First(&ret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ret, ErrSocksPoolExhausted
		}
		return ret, result.Error
	}
	return ret, nil
}

// LeaseSocks marks a standard-pool credential as exclusively leased
func (d *Database) LeaseSocks(username string, expiresAt int64) error {
	result := d.db.Model(&Socks5Credential{}).
		Where("username = ?", username).
		Updates(map[string]any{
			"available":  false,
			"expires_at": expiresAt,
			"updated_at": time.Now(),
		})
	return result.Error
}

// UpdateSocksExpiry bumps a credential's expiry without touching its
// availability. Used by the shared priority pool.
func (d *Database) UpdateSocksExpiry(username string, expiresAt int64) error {
	result := d.db.Model(&Socks5Credential{}).
		Where("username = ?", username).
		Updates(map[string]any{
			"expires_at": expiresAt,
			"updated_at": time.Now(),
		})
	return result.Error
}

// WriteSocks replaces the credential table with the given set. Input is
// deduplicated by username; existing rows are updated in place so lease
// state survives a reload. Rows absent from the input are pruned; an
// empty input deletes all rows.
func (d *Database) WriteSocks(creds []Socks5Credential) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if len(creds) == 0 {
			result := tx.Where("1 = 1").Delete(&Socks5Credential{})
			return result.Error
		}
		seen := make(map[string]bool)
		usernames := make([]string, 0, len(creds))
		for _, cred := range creds {
			if seen[cred.Username] {
				continue
			}
			seen[cred.Username] = true
			usernames = append(usernames, cred.Username)
			tmpItem := Socks5Credential{
				Username:  cred.Username,
				IpAddress: cred.IpAddress,
				Port:      cred.Port,
				Password:  cred.Password,
				Available: cred.Available,
				ExpiresAt: cred.ExpiresAt,
			}
			onConflict := clause.OnConflict{
				Columns: []clause.Column{{Name: "username"}},
				DoUpdates: clause.Assignments(map[string]any{
					"password":   cred.Password,
					"updated_at": time.Now(),
				}),
			}
			if result := tx.Clauses(onConflict).Create(&tmpItem); result.Error != nil {
				return result.Error
			}
		}
		result := tx.Where("username NOT IN ?", usernames).
			Delete(&Socks5Credential{})
		return result.Error
	})
}

// ExpiredSocks returns credentials whose lease has expired. Rows with
// expires_at = 0 are unleased and never expire.
func (d *Database) ExpiredSocks() ([]Socks5Credential, error) {
	var ret []Socks5Credential
	nowMs := time.Now().UnixMilli()
	result := d.db.
		Where("expires_at > 0 AND expires_at <= ?", nowMs).
		Order("id").
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// ResetSocks returns a credential to the pool after rotation with its
// new password
func (d *Database) ResetSocks(username string, newPassword string) error {
	result := d.db.Model(&Socks5Credential{}).
		Where("username = ?", username).
		Updates(map[string]any{
			"available":  true,
			"expires_at": 0,
			"password":   newPassword,
			"updated_at": time.Now(),
		})
	return result.Error
}

// DeleteSocks removes a credential whose rotation failed
func (d *Database) DeleteSocks(username string) error {
	result := d.db.Where("username = ?", username).
		Delete(&Socks5Credential{})
	return result.Error
}

// CountAvailableSocks counts available credentials after skipping the
// first skipSlots available rows by id
func (d *Database) CountAvailableSocks(skipSlots uint) (int64, error) {
	var count int64
	result := d.db.Model(&Socks5Credential{}).
		Where("available = ?", true).
		Count(&count)
	if result.Error != nil {
		return 0, result.Error
	}
	count -= int64(skipSlots)
	if count < 0 {
		count = 0
	}
	return count, nil
}

// SoonestSocksExpiry returns the earliest non-zero expiry, for
// pool-exhaustion diagnostics
func (d *Database) SoonestSocksExpiry() (int64, error) {
	var cred Socks5Credential
	result := d.db.
		Where("expires_at > 0").
		Order("expires_at").
		First(&cred)
	if result.Error != nil {
		return 0, result.Error
	}
	return cred.ExpiresAt, nil
}
