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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/database"
)

// seedSocksPool writes password files and the matching credential rows
func seedSocksPool(t *testing.T, m *Manager, count int) {
	t.Helper()
	creds := make([]database.Socks5Credential, 0, count)
	for i := 1; i <= count; i++ {
		username := fmt.Sprintf("user%03d", i)
		password := fmt.Sprintf("pass%03d", i)
		passwordPath := filepath.Join(
			m.config.Dante.PasswordDir,
			username+".password",
		)
		if err := os.WriteFile(
			passwordPath, []byte(password+"\n"), 0o600,
		); err != nil {
			t.Fatalf("failed to write password file: %v", err)
		}
		creds = append(creds, database.Socks5Credential{
			Username:  username,
			Password:  password,
			IpAddress: "127.0.0.1",
			Port:      1080,
			Available: true,
		})
	}
	if err := m.db.WriteSocks(creds); err != nil {
		t.Fatalf("failed to seed credentials: %v", err)
	}
}

// runRegenDaemon plays the Dante container: consume trigger files and
// rewrite the password file
func runRegenDaemon(t *testing.T, m *Manager, stop chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			entries, err := os.ReadDir(m.config.Dante.RegenRequestDir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				username := entry.Name()
				passwordPath := filepath.Join(
					m.config.Dante.PasswordDir,
					username+".password",
				)
				_ = os.WriteFile(
					passwordPath,
					[]byte("rotated-"+username+"\n"),
					0o600,
				)
				_ = os.Remove(filepath.Join(
					m.config.Dante.RegenRequestDir,
					username,
				))
			}
		}
	}()
}

func TestPrioritySocksShared(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	ctx := context.Background()
	seedSocksPool(t, m, 5)

	// Concurrent priority requests must all succeed without flipping
	// any row to unavailable
	var wg sync.WaitGroup
	seen := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.GetSocks5Config(ctx, 60, true)
			if err != nil {
				t.Errorf("unexpected error on priority lease: %v", err)
				return
			}
			seen <- cred.Username
		}()
	}
	wg.Wait()
	close(seen)

	counts := make(map[string]int)
	for username := range seen {
		if username != "user001" && username != "user002" {
			t.Fatalf("expected a priority-pool username, got %q", username)
		}
		counts[username]++
	}
	shared := false
	for _, n := range counts {
		if n > 1 {
			shared = true
		}
	}
	if !shared {
		t.Fatal("expected at least one credential shared across requesters")
	}

	rows, err := m.db.PrioritySocks(m.config.Lease.PrioritySlots)
	if err != nil {
		t.Fatalf("unexpected error listing priority rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected priority rows to stay available, got %d", len(rows))
	}
}

func TestStandardSocksExclusive(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	ctx := context.Background()
	seedSocksPool(t, m, 4)

	first, err := m.GetSocks5Config(ctx, 60, false)
	if err != nil {
		t.Fatalf("unexpected error on standard lease: %v", err)
	}
	second, err := m.GetSocks5Config(ctx, 60, false)
	if err != nil {
		t.Fatalf("unexpected error on second standard lease: %v", err)
	}
	if first.Username == second.Username {
		t.Fatalf("expected exclusive leases, both got %q", first.Username)
	}
	for _, cred := range []database.Socks5Credential{first, second} {
		if cred.Username == "user001" || cred.Username == "user002" {
			t.Fatalf(
				"expected standard lease outside priority pool, got %q",
				cred.Username,
			)
		}
		// Lease is mirrored on disk with the expiry in ms
		usedPath := filepath.Join(
			m.config.Dante.PasswordDir,
			cred.Username+".password.used",
		)
		data, err := os.ReadFile(usedPath)
		if err != nil {
			t.Fatalf("expected used marker for %s: %v", cred.Username, err)
		}
		if string(data) != fmt.Sprintf("%d", cred.ExpiresAt) {
			t.Fatalf(
				"expected marker contents %d, got %q",
				cred.ExpiresAt,
				string(data),
			)
		}
	}
}

func TestStandardSocksCleanupRetry(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	ctx := context.Background()
	seedSocksPool(t, m, 3)

	// The single standard credential holds an expired lease
	past := time.Now().Add(-time.Minute).UnixMilli()
	if err := m.db.LeaseSocks("user003", past); err != nil {
		t.Fatalf("failed to lease credential in setup: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	runRegenDaemon(t, m, stop)

	cred, err := m.GetSocks5Config(ctx, 60, false)
	if err != nil {
		t.Fatalf("expected cleanup retry to succeed, got %v", err)
	}
	if cred.Username != "user003" {
		t.Fatalf("expected reclaimed user003, got %q", cred.Username)
	}
	if cred.Password != "rotated-user003" {
		t.Fatalf("expected rotated password, got %q", cred.Password)
	}
}

func TestStandardSocksExhaustedDiagnostic(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	ctx := context.Background()
	seedSocksPool(t, m, 3)

	future := time.Now().Add(time.Hour).UnixMilli()
	if err := m.db.LeaseSocks("user003", future); err != nil {
		t.Fatalf("failed to lease credential in setup: %v", err)
	}

	_, err := m.GetSocks5Config(ctx, 60, false)
	if !errors.Is(err, database.ErrSocksPoolExhausted) {
		t.Fatalf("expected ErrSocksPoolExhausted, got %v", err)
	}
	if !strings.Contains(err.Error(), "soonest lease expires") {
		t.Fatalf("expected expiry diagnostic, got %v", err)
	}
}

func TestCleanupExpiredSocksDeletesOnFailure(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	ctx := context.Background()
	seedSocksPool(t, m, 3)

	past := time.Now().Add(-time.Minute).UnixMilli()
	if err := m.db.LeaseSocks("user003", past); err != nil {
		t.Fatalf("failed to lease credential in setup: %v", err)
	}

	// Remove the password file so the post-rotation read fails even if
	// something consumes the trigger; nothing does here, so this rides
	// the regeneration timeout via context cancellation
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	_ = m.CleanupExpiredSocks(ctx)

	// The failed username must be gone from the table
	count, err := m.db.CountAvailableSocks(0)
	if err != nil {
		t.Fatalf("unexpected error counting: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected failed credential dropped, got %d rows", count)
	}
	expired, err := m.db.ExpiredSocks()
	if err != nil {
		t.Fatalf("unexpected error listing expired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expired rows left, got %d", len(expired))
	}
}

func TestCountAvailableAfterLeases(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	ctx := context.Background()
	seedSocksPool(t, m, 5)

	if _, err := m.GetSocks5Config(ctx, 60, false); err != nil {
		t.Fatalf("unexpected error on standard lease: %v", err)
	}

	count, err := m.db.CountAvailableSocks(m.config.Lease.PrioritySlots)
	if err != nil {
		t.Fatalf("unexpected error counting: %v", err)
	}
	// 3 standard rows minus 1 leased
	if count != 2 {
		t.Fatalf("expected 2 standard credentials left, got %d", count)
	}
}
