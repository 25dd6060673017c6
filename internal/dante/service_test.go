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

package dante

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/container"
	"github.com/blinklabs-io/vpn-federation/internal/database"
)

func newTestService(t *testing.T) (*Service, *container.MockRunner) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			PublicHost: "203.0.113.10",
		},
		Dante: config.DanteConfig{
			Port:            1080,
			PasswordDir:     t.TempDir(),
			RegenRequestDir: t.TempDir(),
			ContainerName:   "dante",
		},
		Database: config.DatabaseConfig{
			Directory: t.TempDir(),
		},
	}
	db, err := database.New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	runner := container.NewMockRunner()
	return NewService(cfg, db, runner, nil), runner
}

func writePassword(t *testing.T, svc *Service, username, password string) {
	t.Helper()
	if err := os.WriteFile(
		svc.passwordPath(username),
		[]byte(password+"\n"),
		0o600,
	); err != nil {
		t.Fatalf("failed to write password file: %v", err)
	}
}

func TestLoadFromDisk(t *testing.T) {
	svc, _ := newTestService(t)

	writePassword(t, svc, "alice", "secret1")
	writePassword(t, svc, "bob", "secret2")
	// bob holds an active lease
	if err := svc.WriteUsedMarker("bob", 1999999999999); err != nil {
		t.Fatalf("failed to write used marker: %v", err)
	}

	if err := svc.LoadFromDisk(); err != nil {
		t.Fatalf("unexpected error loading from disk: %v", err)
	}
	if !svc.Initialised() {
		t.Fatal("expected service to be initialised after load")
	}

	creds, err := svc.db.PrioritySocks(10)
	if err != nil {
		t.Fatalf("unexpected error listing credentials: %v", err)
	}
	// Only alice is available
	if len(creds) != 1 {
		t.Fatalf("expected 1 available credential, got %d", len(creds))
	}
	if creds[0].Username != "alice" || creds[0].Password != "secret1" {
		t.Fatalf("unexpected credential: %+v", creds[0])
	}
	if creds[0].IpAddress != "203.0.113.10" || creds[0].Port != 1080 {
		t.Fatalf("expected public endpoint on credential, got %+v", creds[0])
	}
}

func TestLoadFromDiskIdempotent(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 1; i <= 5; i++ {
		writePassword(t, svc, fmt.Sprintf("user%03d", i), "secret")
	}
	if err := svc.LoadFromDisk(); err != nil {
		t.Fatalf("unexpected error loading from disk: %v", err)
	}
	if err := svc.LoadFromDisk(); err != nil {
		t.Fatalf("unexpected error reloading from disk: %v", err)
	}

	count, err := svc.db.CountAvailableSocks(0)
	if err != nil {
		t.Fatalf("unexpected error counting credentials: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected 5 credentials after reload, got %d", count)
	}
}

func TestLoadFromDiskPrunesRemoved(t *testing.T) {
	svc, _ := newTestService(t)

	writePassword(t, svc, "alice", "secret1")
	writePassword(t, svc, "bob", "secret2")
	if err := svc.LoadFromDisk(); err != nil {
		t.Fatalf("unexpected error loading from disk: %v", err)
	}

	// The daemon dropped bob; a reload must prune the row
	if err := os.Remove(svc.passwordPath("bob")); err != nil {
		t.Fatalf("failed to remove password file: %v", err)
	}
	if err := svc.LoadFromDisk(); err != nil {
		t.Fatalf("unexpected error reloading from disk: %v", err)
	}

	count, err := svc.db.CountAvailableSocks(0)
	if err != nil {
		t.Fatalf("unexpected error counting credentials: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 credential after prune, got %d", count)
	}
}

func TestRegenerate(t *testing.T) {
	svc, _ := newTestService(t)

	writePassword(t, svc, "alice", "oldpass")
	triggerPath := filepath.Join(svc.config.Dante.RegenRequestDir, "alice")

	// Play the daemon: consume the trigger and rewrite the password
	go func() {
		for {
			if _, err := os.Stat(triggerPath); err == nil {
				writePassword(t, svc, "alice", "newpass")
				_ = os.Remove(triggerPath)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	password, err := svc.Regenerate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error regenerating: %v", err)
	}
	if password != "newpass" {
		t.Fatalf("expected newpass, got %q", password)
	}
}

func TestRegenerateCancelled(t *testing.T) {
	svc, _ := newTestService(t)

	writePassword(t, svc, "alice", "oldpass")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// No daemon consumes the trigger, so cancellation wins
	_, err := svc.Regenerate(ctx, "alice")
	if err == nil {
		t.Fatal("expected error on cancelled regeneration")
	}

	// The stale trigger must not linger
	triggerPath := filepath.Join(svc.config.Dante.RegenRequestDir, "alice")
	if _, err := os.Stat(triggerPath); !os.IsNotExist(err) {
		t.Fatal("expected trigger file to be cleaned up")
	}
}

func TestUsedMarkerRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.WriteUsedMarker("alice", 1234567890123); err != nil {
		t.Fatalf("unexpected error writing marker: %v", err)
	}
	data, err := os.ReadFile(svc.usedPath("alice"))
	if err != nil {
		t.Fatalf("failed to read marker: %v", err)
	}
	if string(data) != "1234567890123" {
		t.Fatalf("expected expiry ms contents, got %q", string(data))
	}

	if err := svc.RemoveUsedMarker("alice"); err != nil {
		t.Fatalf("unexpected error removing marker: %v", err)
	}
	// Removing a missing marker is not an error
	if err := svc.RemoveUsedMarker("alice"); err != nil {
		t.Fatalf("expected idempotent remove, got %v", err)
	}
}

func TestRestartDropsInitialised(t *testing.T) {
	svc, runner := newTestService(t)

	if err := svc.LoadFromDisk(); err != nil {
		t.Fatalf("unexpected error loading from disk: %v", err)
	}
	if !svc.Initialised() {
		t.Fatal("expected initialised after load")
	}

	if err := svc.Restart(context.Background()); err != nil {
		t.Fatalf("unexpected error restarting: %v", err)
	}
	if svc.Initialised() {
		t.Fatal("expected initialised to drop after restart")
	}
	restarts := runner.RestartLog()
	if len(restarts) != 1 || restarts[0] != "dante" {
		t.Fatalf("expected one dante restart, got %v", restarts)
	}
}
