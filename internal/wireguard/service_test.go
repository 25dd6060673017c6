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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/container"
	"github.com/blinklabs-io/vpn-federation/internal/database"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func newTestService(
	t *testing.T,
) (*Service, *container.MockRunner, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Wireguard: config.WireguardConfig{
			ServerPort:    51820,
			PeerCount:     10,
			ConfigDir:     t.TempDir(),
			ContainerName: "wireguard",
			Interface:     "wg0",
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
	return NewService(cfg, db, runner, nil), runner, cfg
}

// writePeerFiles lays out a peer dir the way the WireGuard container
// does and returns the peer's public key
func writePeerFiles(
	t *testing.T,
	cfg *config.Config,
	peerID uint,
	clientIP string,
) string {
	t.Helper()
	privKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("failed to generate private key: %v", err)
	}
	pubKey := privKey.PublicKey()
	pskKey, err := wgtypes.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate preshared key: %v", err)
	}
	peerName := fmt.Sprintf("peer%d", peerID)
	peerDir := filepath.Join(cfg.Wireguard.ConfigDir, peerName)
	if err := os.MkdirAll(peerDir, 0o700); err != nil {
		t.Fatalf("failed to create peer dir: %v", err)
	}
	clientConf := fmt.Sprintf(
		"[Interface]\nAddress = %s\nPrivateKey = %s\nListenPort = 51820\n"+
			"\n[Peer]\nPublicKey = %s\nPresharedKey = %s\n"+
			"Endpoint = 203.0.113.10:51820\nAllowedIPs = 0.0.0.0/0\n",
		clientIP,
		privKey.String(),
		pubKey.String(), // stands in for the server pubkey
		pskKey.String(),
	)
	files := map[string]string{
		filepath.Join(peerDir, peerName+".conf"):         clientConf,
		filepath.Join(peerDir, "privatekey-"+peerName):   privKey.String() + "\n",
		filepath.Join(peerDir, "publickey-"+peerName):    pubKey.String() + "\n",
		filepath.Join(peerDir, "presharedkey-"+peerName): pskKey.String() + "\n",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
	// Append the peer to the server conf
	serverDir := filepath.Join(cfg.Wireguard.ConfigDir, "wg_confs")
	if err := os.MkdirAll(serverDir, 0o700); err != nil {
		t.Fatalf("failed to create server conf dir: %v", err)
	}
	serverConfPath := filepath.Join(
		serverDir,
		cfg.Wireguard.Interface+".conf",
	)
	existing, err := os.ReadFile(serverConfPath)
	if err != nil {
		existing = []byte(
			"[Interface]\nAddress = 10.13.13.1\n" +
				"PrivateKey = " + privKey.String() + "\nListenPort = 51820\n",
		)
	}
	stanza := fmt.Sprintf(
		"\n[Peer]\nPublicKey = %s\nPresharedKey = %s\nAllowedIPs = %s/32\n",
		pubKey.String(),
		pskKey.String(),
		clientIP,
	)
	if err := os.WriteFile(
		serverConfPath,
		append(existing, []byte(stanza)...),
		0o600,
	); err != nil {
		t.Fatalf("failed to write server conf: %v", err)
	}
	return pubKey.String()
}

func markReady(t *testing.T, cfg *config.Config) {
	t.Helper()
	marker := filepath.Join(cfg.Wireguard.ConfigDir, ".wg_ready")
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		t.Fatalf("failed to write readiness marker: %v", err)
	}
}

func TestServerReady(t *testing.T) {
	svc, _, cfg := newTestService(t)
	ctx := context.Background()

	// Not ready: no marker, no peer conf
	if svc.ServerReady(ctx, 1, 20*time.Millisecond, 5*time.Millisecond) {
		t.Fatal("expected not ready before marker exists")
	}

	writePeerFiles(t, cfg, 1, "10.13.13.2")

	// Still not ready without the marker
	if svc.ServerReady(ctx, 1, 20*time.Millisecond, 5*time.Millisecond) {
		t.Fatal("expected not ready without readiness marker")
	}

	markReady(t, cfg)

	if !svc.ServerReady(ctx, 1, 20*time.Millisecond, 5*time.Millisecond) {
		t.Fatal("expected ready with marker and peer conf")
	}

	// A different peer's conf does not exist
	if svc.ServerReady(ctx, 2, 20*time.Millisecond, 5*time.Millisecond) {
		t.Fatal("expected not ready for missing peer conf")
	}
}

func TestCountConfigs(t *testing.T) {
	svc, _, cfg := newTestService(t)

	writePeerFiles(t, cfg, 1, "10.13.13.2")
	writePeerFiles(t, cfg, 2, "10.13.13.3")
	writePeerFiles(t, cfg, 3, "10.13.13.4")

	if got := svc.CountConfigs(); got != 3 {
		t.Fatalf("expected 3 configs, got %d", got)
	}

	// Cached: a new config does not show up yet
	writePeerFiles(t, cfg, 4, "10.13.13.5")
	if got := svc.CountConfigs(); got != 3 {
		t.Fatalf("expected cached count 3, got %d", got)
	}

	// Deleting invalidates the cache
	if err := svc.DeleteConfigs([]uint{3}); err != nil {
		t.Fatalf("unexpected error deleting configs: %v", err)
	}
	if got := svc.CountConfigs(); got != 3 {
		t.Fatalf("expected recount of 3 after delete, got %d", got)
	}
}

func TestDeleteConfigs(t *testing.T) {
	svc, _, cfg := newTestService(t)

	writePeerFiles(t, cfg, 1, "10.13.13.2")
	writePeerFiles(t, cfg, 2, "10.13.13.3")

	if err := svc.DeleteConfigs([]uint{1}); err != nil {
		t.Fatalf("unexpected error deleting configs: %v", err)
	}

	if _, err := os.Stat(svc.peerDir(1)); !os.IsNotExist(err) {
		t.Fatal("expected peer1 dir to be removed")
	}
	if _, err := os.Stat(svc.peerDir(2)); err != nil {
		t.Fatalf("expected peer2 dir to survive: %v", err)
	}
}

func TestRestart(t *testing.T) {
	svc, runner, _ := newTestService(t)

	if err := svc.Restart(context.Background()); err != nil {
		t.Fatalf("unexpected error restarting: %v", err)
	}
	restarts := runner.RestartLog()
	if len(restarts) != 1 || restarts[0] != "wireguard" {
		t.Fatalf("expected one wireguard restart, got %v", restarts)
	}
}
