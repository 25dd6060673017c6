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
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/container"
	"github.com/blinklabs-io/vpn-federation/internal/database"
)

const (
	passwordSuffix   = ".password"
	usedSuffix       = ".password.used"
	regenPollPeriod  = 250 * time.Millisecond
	regenWaitTimeout = 20 * time.Second
)

// Service drives the sibling Dante container. The daemon is a black box
// behind two filesystem protocols: it boots from the password dir and
// rotates a user when a trigger file shows up in the regen request dir.
type Service struct {
	config *config.Config
	db     *database.Database
	runner container.Runner
	logger *slog.Logger

	initMutex   sync.Mutex
	initialised bool
}

func NewService(
	cfg *config.Config,
	db *database.Database,
	runner container.Runner,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{
		config: cfg,
		db:     db,
		runner: runner,
		logger: logger,
	}
}

func (s *Service) passwordPath(username string) string {
	return filepath.Join(
		s.config.Dante.PasswordDir,
		username+passwordSuffix,
	)
}

func (s *Service) usedPath(username string) string {
	return filepath.Join(
		s.config.Dante.PasswordDir,
		username+usedSuffix,
	)
}

// Ready probes the public SOCKS5 TCP endpoint, polling until reachable
// or the wait budget is spent
func (s *Service) Ready(maxWait time.Duration) bool {
	addr := net.JoinHostPort(
		s.config.Server.PublicHost,
		fmt.Sprintf("%d", s.config.Dante.Port),
	)
	deadline := time.Now().Add(maxWait)
	for {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			_ = conn.Close()
			return true
		}
		if time.Now().After(deadline) {
			s.logger.Warn("dante endpoint unreachable", "error", err)
			return false
		}
		time.Sleep(regenPollPeriod)
	}
}

// Initialised reports whether credentials have been loaded since the
// last restart
func (s *Service) Initialised() bool {
	s.initMutex.Lock()
	defer s.initMutex.Unlock()
	return s.initialised
}

// LoadFromDisk reads the password dir and writes the credential set
// through to the database. Re-running it is idempotent: the table state
// is a function of the file set alone (plus surviving lease flags).
func (s *Service) LoadFromDisk() error {
	entries, err := os.ReadDir(s.config.Dante.PasswordDir)
	if err != nil {
		return fmt.Errorf("failed to read password dir: %w", err)
	}
	var creds []database.Socks5Credential
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, passwordSuffix) ||
			strings.HasSuffix(name, usedSuffix) {
			continue
		}
		username := strings.TrimSuffix(name, passwordSuffix)
		password, err := os.ReadFile(s.passwordPath(username))
		if err != nil {
			return fmt.Errorf(
				"failed to read password for %s: %w",
				username,
				err,
			)
		}
		cred := database.Socks5Credential{
			Username:  username,
			Password:  strings.TrimSpace(string(password)),
			IpAddress: s.config.Server.PublicHost,
			Port:      s.config.Dante.Port,
			Available: true,
		}
		if usedData, err := os.ReadFile(s.usedPath(username)); err == nil {
			cred.Available = false
			if expiresMs, err := strconv.ParseInt(
				strings.TrimSpace(string(usedData)), 10, 64,
			); err == nil {
				cred.ExpiresAt = expiresMs
			}
		}
		creds = append(creds, cred)
	}
	if err := s.db.WriteSocks(creds); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	s.initMutex.Lock()
	s.initialised = true
	s.initMutex.Unlock()
	s.logger.Info("loaded socks5 credentials", "count", len(creds))
	return nil
}

// Regenerate asks the daemon to rotate one user's password: drop a
// trigger file in the regen request dir, wait for the daemon to consume
// it, then read the rewritten password file
func (s *Service) Regenerate(
	ctx context.Context,
	username string,
) (string, error) {
	triggerPath := filepath.Join(
		s.config.Dante.RegenRequestDir,
		username,
	)
	if err := os.WriteFile(triggerPath, nil, 0o600); err != nil {
		return "", fmt.Errorf("failed to write trigger file: %w", err)
	}
	deadline := time.Now().Add(regenWaitTimeout)
	for {
		if _, err := os.Stat(triggerPath); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			// Best effort: don't leave a stale trigger behind
			_ = os.Remove(triggerPath)
			return "", fmt.Errorf(
				"timed out waiting for regeneration of %s",
				username,
			)
		}
		select {
		case <-ctx.Done():
			_ = os.Remove(triggerPath)
			return "", ctx.Err()
		case <-time.After(regenPollPeriod):
		}
	}
	password, err := os.ReadFile(s.passwordPath(username))
	if err != nil {
		return "", fmt.Errorf(
			"failed to read regenerated password for %s: %w",
			username,
			err,
		)
	}
	return strings.TrimSpace(string(password)), nil
}

// WriteUsedMarker records an exclusive lease on disk so the daemon's
// next boot sees the credential as taken
func (s *Service) WriteUsedMarker(username string, expiresMs int64) error {
	content := strconv.FormatInt(expiresMs, 10)
	if err := os.WriteFile(
		s.usedPath(username),
		[]byte(content),
		0o600,
	); err != nil {
		return fmt.Errorf("failed to write used marker: %w", err)
	}
	return nil
}

// RemoveUsedMarker clears a lease marker after reclamation
func (s *Service) RemoveUsedMarker(username string) error {
	if err := os.Remove(s.usedPath(username)); err != nil &&
		!os.IsNotExist(err) {
		return fmt.Errorf("failed to remove used marker: %w", err)
	}
	return nil
}

// Restart restarts the Dante container. The initialised flag drops so
// the next provisioning path reloads credentials from disk.
func (s *Service) Restart(ctx context.Context) error {
	s.logger.Info(
		"restarting dante container",
		"container", s.config.Dante.ContainerName,
	)
	if err := s.runner.Restart(ctx, s.config.Dante.ContainerName); err != nil {
		return fmt.Errorf("failed to restart dante container: %w", err)
	}
	s.initMutex.Lock()
	s.initialised = false
	s.initMutex.Unlock()
	return nil
}
