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
)

// ChallengeSolution anchors cross-node authenticity probes: a node mints
// a (challenge, solution) pair and a remote later proves it saw the
// challenge by presenting the solution
type ChallengeSolution struct {
	Challenge string `gorm:"primaryKey"`
	Solution  string `gorm:"not null"`
	Tag       string
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ChallengeSolution) TableName() string {
	return "challenge_response"
}

func (d *Database) AddChallengeSolution(
	challenge string,
	solution string,
	tag string,
) error {
	tmpItem := ChallengeSolution{
		Challenge: challenge,
		Solution:  solution,
		Tag:       tag,
	}
	if result := d.db.Create(&tmpItem); result.Error != nil {
		return result.Error
	}
	return nil
}

func (d *Database) ChallengeSolutionByChallenge(
	challenge string,
) (ChallengeSolution, error) {
	var ret ChallengeSolution
	result := d.db.
		Where("challenge = ?", challenge).
		First(&ret)
	if result.Error != nil {
		return ret, result.Error
	}
	return ret, nil
}

// DeleteExpiredChallengeSolutions prunes pairs older than ttl
func (d *Database) DeleteExpiredChallengeSolutions(
	ttl time.Duration,
) error {
	cutoff := time.Now().Add(-ttl)
	result := d.db.Where("created_at < ?", cutoff).
		Delete(&ChallengeSolution{})
	return result.Error
}
