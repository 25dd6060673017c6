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
	"fmt"
	"testing"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDatabase creates an in-memory SQLite database for testing
func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	cfg := &config.Config{}

	// Open in-memory SQLite database with shared cache to ensure migrations
	// and queries run against the same in-memory instance. Use unique name
	// per test to maintain test isolation.
	dbURI := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(
		sqlite.Open(dbURI),
		&gorm.Config{
			Logger: gormlogger.Discard,
		},
	)
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}

	// Disable connection pooling to prevent isolated connections
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get underlying sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	d := &Database{
		config: cfg,
		db:     db,
	}

	for _, model := range MigrateModels {
		if err := db.AutoMigrate(model); err != nil {
			t.Fatalf("failed to migrate tables: %v", err)
		}
	}

	return d
}
