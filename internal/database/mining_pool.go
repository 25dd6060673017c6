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

	"gorm.io/gorm/clause"
)

// MiningPool is one aggregator's record, updated by registration
// broadcasts and by the pool scorer
type MiningPool struct {
	MiningPoolUid           string `gorm:"primaryKey"`
	Url                     string
	Ip                      string
	LastKnownWorkerPoolSize uint
	LastScoredAt            time.Time
	ScoreStability          float64
	ScoreSize               float64
	ScorePerformance        float64
	ScoreGeo                float64
	ScoreComposite          float64
	UpdatedAt               time.Time `gorm:"autoUpdateTime"`
}

func (MiningPool) TableName() string {
	return "mining_pools"
}

// UpsertMiningPool records a pool's registration. Score fields are left
// alone; only the scorer writes those.
func (d *Database) UpsertMiningPool(
	miningPoolUid string,
	url string,
	ip string,
	workerPoolSize uint,
) error {
	tmpItem := MiningPool{
		MiningPoolUid:           miningPoolUid,
		Url:                     url,
		Ip:                      ip,
		LastKnownWorkerPoolSize: workerPoolSize,
	}
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "mining_pool_uid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"url",
			"ip",
			"last_known_worker_pool_size",
			"updated_at",
		}),
	}
	if result := d.db.Clauses(onConflict).Create(&tmpItem); result.Error != nil {
		return result.Error
	}
	return nil
}

func (d *Database) MiningPools() ([]MiningPool, error) {
	var ret []MiningPool
	result := d.db.Order("mining_pool_uid").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

func (d *Database) MiningPoolByUid(miningPoolUid string) (MiningPool, error) {
	var ret MiningPool
	result := d.db.
		Where("mining_pool_uid = ?", miningPoolUid).
		First(&ret)
	if result.Error != nil {
		return ret, result.Error
	}
	return ret, nil
}

// UpdateMiningPoolScore persists a scoring cycle's result for one pool
func (d *Database) UpdateMiningPoolScore(
	miningPoolUid string,
	stability float64,
	size float64,
	performance float64,
	geo float64,
	composite float64,
) error {
	result := d.db.Model(&MiningPool{}).
		Where("mining_pool_uid = ?", miningPoolUid).
		Updates(map[string]any{
			"score_stability":   stability,
			"score_size":        size,
			"score_performance": performance,
			"score_geo":         geo,
			"score_composite":   composite,
			"last_scored_at":    time.Now(),
		})
	return result.Error
}
