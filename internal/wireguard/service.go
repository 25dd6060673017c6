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

package wireguard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/container"
	"github.com/blinklabs-io/vpn-federation/internal/database"
)

const (
	// readyMarker is written by the WireGuard init once peer-config
	// generation is complete
	readyMarker = ".wg_ready"

	countCacheTtl = 10 * time.Second
)

// Service drives the sibling WireGuard container: readiness detection,
// config counting, per-peer key rotation, and restart. All filesystem
// state under the config dir is owned by this driver.
type Service struct {
	config *config.Config
	db     *database.Database
	runner container.Runner
	logger *slog.Logger

	countMutex     sync.Mutex
	countCached    int
	countFetchedAt time.Time
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

func (s *Service) peerName(peerID uint) string {
	return fmt.Sprintf("peer%d", peerID)
}

func (s *Service) peerDir(peerID uint) string {
	return filepath.Join(s.config.Wireguard.ConfigDir, s.peerName(peerID))
}

func (s *Service) clientConfPath(peerID uint) string {
	return filepath.Join(s.peerDir(peerID), s.peerName(peerID)+".conf")
}

func (s *Service) keyPath(kind string, peerID uint) string {
	return filepath.Join(s.peerDir(peerID), kind+"-"+s.peerName(peerID))
}

func (s *Service) serverConfPath() string {
	return filepath.Join(
		s.config.Wireguard.ConfigDir,
		"wg_confs",
		s.config.Wireguard.Interface+".conf",
	)
}

func (s *Service) ready(peerID uint) bool {
	if _, err := os.Stat(s.config.Wireguard.ConfigDir); err != nil {
		return false
	}
	marker := filepath.Join(s.config.Wireguard.ConfigDir, readyMarker)
	if _, err := os.Stat(marker); err != nil {
		return false
	}
	if _, err := os.Stat(s.clientConfPath(peerID)); err != nil {
		return false
	}
	return true
}

// ServerReady reports whether the WireGuard container has finished
// generating configs and the specific peer's config exists, polling
// until ready or the wait budget is spent
func (s *Service) ServerReady(
	ctx context.Context,
	peerID uint,
	maxWait time.Duration,
	poll time.Duration,
) bool {
	deadline := time.Now().Add(maxWait)
	for {
		if s.ready(peerID) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		s.logger.Debug(
			"waiting for wireguard server",
			"peerId", peerID,
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
}

// Reachable probes the public WireGuard UDP endpoint. UDP gives no
// positive confirmation; this only detects local socket or resolution
// failures.
func (s *Service) Reachable() bool {
	addr := net.JoinHostPort(
		s.config.Server.PublicHost,
		fmt.Sprintf("%d", s.config.Wireguard.ServerPort),
	)
	conn, err := net.DialTimeout("udp", addr, 5*time.Second)
	if err != nil {
		s.logger.Warn("wireguard endpoint unreachable", "error", err)
		return false
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte{0}); err != nil {
		return false
	}
	return true
}

// CountConfigs counts the peer config files on disk. The result is
// cached briefly since the request pipeline calls this on every lease.
func (s *Service) CountConfigs() int {
	s.countMutex.Lock()
	defer s.countMutex.Unlock()
	if time.Since(s.countFetchedAt) < countCacheTtl {
		return s.countCached
	}
	count := 0
	for id := uint(1); id <= s.config.Wireguard.PeerCount; id++ {
		if _, err := os.Stat(s.clientConfPath(id)); err == nil {
			count++
		}
	}
	s.countCached = count
	s.countFetchedAt = time.Now()
	return count
}

// ReadClientConfig returns the peer's client config text
func (s *Service) ReadClientConfig(peerID uint) (string, error) {
	data, err := os.ReadFile(s.clientConfPath(peerID))
	if err != nil {
		return "", fmt.Errorf(
			"failed to read config for peer %d: %w",
			peerID,
			err,
		)
	}
	return string(data), nil
}

// DeleteConfigs removes the on-disk config dirs for the given peers.
// The container regenerates them on its next restart.
func (s *Service) DeleteConfigs(peerIDs []uint) error {
	for _, peerID := range peerIDs {
		if err := os.RemoveAll(s.peerDir(peerID)); err != nil {
			return fmt.Errorf(
				"failed to delete config for peer %d: %w",
				peerID,
				err,
			)
		}
	}
	s.invalidateCountCache()
	return nil
}

func (s *Service) invalidateCountCache() {
	s.countMutex.Lock()
	defer s.countMutex.Unlock()
	s.countFetchedAt = time.Time{}
}

// Restart restarts the WireGuard container. Callers are responsible for
// checking open leases first: a restart drops every active tunnel.
func (s *Service) Restart(ctx context.Context) error {
	s.logger.Info(
		"restarting wireguard container",
		"container", s.config.Wireguard.ContainerName,
	)
	if err := s.runner.Restart(ctx, s.config.Wireguard.ContainerName); err != nil {
		return fmt.Errorf("failed to restart wireguard container: %w", err)
	}
	s.invalidateCountCache()
	return nil
}
