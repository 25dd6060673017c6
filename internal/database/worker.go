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
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	WorkerStatusTbd  = "tbd"
	WorkerStatusUp   = "up"
	WorkerStatusDown = "down"

	ConnectionTypeDatacenter  = "datacenter"
	ConnectionTypeResidential = "residential"
	ConnectionTypeUnknown     = "unknown"

	// MiningPoolUidInternal marks workers provisioned by this node's own
	// pool, as opposed to records learned from downstream broadcasts
	MiningPoolUidInternal = "internal"
)

// Worker is one leaf node's record in the inventory. Natural key is
// (ip, mining_pool_uid): the same machine may serve multiple pools.
type Worker struct {
	ID                      uint   `gorm:"primaryKey"`
	Ip                      string `gorm:"uniqueIndex:idx_worker_ip_pool;not null"`
	MiningPoolUid           string `gorm:"uniqueIndex:idx_worker_ip_pool;index;not null"`
	PublicPort              uint
	CountryCode             string `gorm:"index"`
	ConnectionType          string
	MiningPoolUrl           string
	PaymentAddressEvm       string
	PaymentAddressBittensor string
	Status                  string `gorm:"index;default:tbd"`
	LastTestedAt            time.Time
	WireguardConfig         string
	Socks5Config            string
	Datacenter              bool
	Version                 string
	UpdatedAt               time.Time `gorm:"autoUpdateTime"`
}

func (Worker) TableName() string {
	return "workers"
}

// WorkerFilter narrows GetWorkers. Zero values mean "any".
type WorkerFilter struct {
	CountryCode    string
	Status         string
	MiningPoolUid  string
	ConnectionType string
	Randomize      bool
	Limit          int
}

func (d *Database) GetWorkers(filter WorkerFilter) ([]Worker, error) {
	query := d.db.Model(&Worker{})
	if filter.CountryCode != "" {
		query = query.Where("country_code = ?", filter.CountryCode)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.MiningPoolUid != "" {
		query = query.Where("mining_pool_uid = ?", filter.MiningPoolUid)
	}
	if filter.ConnectionType != "" {
		query = query.Where("connection_type = ?", filter.ConnectionType)
	}
	if filter.Randomize {
		query = query.Order("RANDOM()")
	} else {
		query = query.Order("id")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var ret []Worker
	if result := query.Find(&ret); result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// WriteWorkers replaces a pool's worker set in place. Each worker is
// upserted by natural key; rows for the pool absent from the incoming
// set are swept away. An empty set clears the pool's inventory.
func (d *Database) WriteWorkers(
	workers []Worker,
	miningPoolUid string,
	miningPoolIp string,
) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if len(workers) == 0 {
			result := tx.Where("mining_pool_uid = ?", miningPoolUid).
				Delete(&Worker{})
			return result.Error
		}
		ips := make([]string, 0, len(workers))
		for _, worker := range workers {
			worker.MiningPoolUid = miningPoolUid
			if worker.Ip == "" {
				worker.Ip = miningPoolIp
			}
			if worker.Status == "" {
				worker.Status = WorkerStatusTbd
			}
			ips = append(ips, worker.Ip)
			onConflict := clause.OnConflict{
				Columns: []clause.Column{
					{Name: "ip"},
					{Name: "mining_pool_uid"},
				},
				DoUpdates: clause.AssignmentColumns([]string{
					"public_port",
					"mining_pool_url",
					"payment_address_evm",
					"payment_address_bittensor",
					"wireguard_config",
					"socks5_config",
					"version",
					"updated_at",
				}),
			}
			worker.ID = 0
			if result := tx.Clauses(onConflict).Create(&worker); result.Error != nil {
				return result.Error
			}
		}
		result := tx.Where(
			"mining_pool_uid = ? AND ip NOT IN ?",
			miningPoolUid,
			ips,
		).Delete(&Worker{})
		return result.Error
	})
}

// UpsertWorker writes a single worker without sweeping the rest of its
// pool. Used by self-registration, where workers arrive one at a time.
func (d *Database) UpsertWorker(worker Worker) error {
	if worker.Status == "" {
		worker.Status = WorkerStatusTbd
	}
	worker.ID = 0
	onConflict := clause.OnConflict{
		Columns: []clause.Column{
			{Name: "ip"},
			{Name: "mining_pool_uid"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"public_port",
			"mining_pool_url",
			"payment_address_evm",
			"payment_address_bittensor",
			"wireguard_config",
			"socks5_config",
			"status",
			"country_code",
			"connection_type",
			"datacenter",
			"version",
			"updated_at",
		}),
	}
	result := d.db.Clauses(onConflict).Create(&worker)
	return result.Error
}

// WriteWorkerPerformance persists scorer results: status, geodata and
// version, keyed by natural key
func (d *Database) WriteWorkerPerformance(workers []Worker) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for _, worker := range workers {
			result := tx.Model(&Worker{}).
				Where(
					"ip = ? AND mining_pool_uid = ?",
					worker.Ip,
					worker.MiningPoolUid,
				).
				Updates(map[string]any{
					"status":          worker.Status,
					"last_tested_at":  worker.LastTestedAt,
					"country_code":    worker.CountryCode,
					"connection_type": worker.ConnectionType,
					"datacenter":      worker.Datacenter,
					"version":         worker.Version,
				})
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
}

// CountWorkers returns the number of workers for a pool, optionally only
// those currently up
func (d *Database) CountWorkers(
	miningPoolUid string,
	upOnly bool,
) (int64, error) {
	query := d.db.Model(&Worker{}).
		Where("mining_pool_uid = ?", miningPoolUid)
	if upOnly {
		query = query.Where("status = ?", WorkerStatusUp)
	}
	var count int64
	if result := query.Count(&count); result.Error != nil {
		return 0, result.Error
	}
	return count, nil
}
