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

package scoring

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	canaryUrl    = "https://checkip.amazonaws.com"
	probeTimeout = 30 * time.Second
)

// Prober measures the observable egress address of a tunnel. Worker
// mode expects the tunnel egress to match the direct egress (the worker
// verifies its own exit); every other role expects them to differ.
type Prober interface {
	DirectEgress(ctx context.Context) (string, error)
	WireguardEgress(ctx context.Context, wgConfig string) (string, error)
	Socks5Egress(ctx context.Context, socksConfig string) (string, error)
}

// NetnsProber brings tunnels up for real: WireGuard configs in a
// throwaway network namespace, SOCKS5 through curl's proxy support
type NetnsProber struct{}

func (p *NetnsProber) DirectEgress(ctx context.Context) (string, error) {
	return runProbe(ctx, fmt.Sprintf("curl -sf --max-time 10 %s", canaryUrl))
}

func (p *NetnsProber) WireguardEgress(
	ctx context.Context,
	wgConfig string,
) (string, error) {
	tmpDir, err := os.MkdirTemp("", "wgprobe")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)
	confPath := filepath.Join(tmpDir, "probe0.conf")
	if err := os.WriteFile(confPath, []byte(wgConfig), 0o600); err != nil {
		return "", err
	}
	// The namespace isolates the probe tunnel from the host routing
	// table; teardown runs even when the curl fails
	script := fmt.Sprintf(
		"ip netns add probe0 2>/dev/null;"+
			" ip netns exec probe0 wg-quick up %s"+
			" && ip netns exec probe0 curl -sf --max-time 10 %s;"+
			" status=$?;"+
			" ip netns exec probe0 wg-quick down %s 2>/dev/null;"+
			" ip netns del probe0 2>/dev/null;"+
			" exit $status",
		confPath,
		canaryUrl,
		confPath,
	)
	return runProbe(ctx, script)
}

func (p *NetnsProber) Socks5Egress(
	ctx context.Context,
	socksConfig string,
) (string, error) {
	return runProbe(ctx, fmt.Sprintf(
		"curl -sf --max-time 10 --proxy socks5h://%s %s",
		socksConfig,
		canaryUrl,
	))
}

func runProbe(ctx context.Context, script string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("egress probe failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// MockProber answers canned egress addresses without touching the
// network. Used when the CI mock flags are set.
type MockProber struct {
	DirectIp    string
	WireguardIp string
	Socks5Ip    string
	Err         error
}

func (p *MockProber) DirectEgress(ctx context.Context) (string, error) {
	return p.DirectIp, p.Err
}

func (p *MockProber) WireguardEgress(
	ctx context.Context,
	wgConfig string,
) (string, error) {
	return p.WireguardIp, p.Err
}

func (p *MockProber) Socks5Egress(
	ctx context.Context,
	socksConfig string,
) (string, error) {
	return p.Socks5Ip, p.Err
}
