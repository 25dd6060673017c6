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
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Rotation is the result of a successful per-peer key rotation
type Rotation struct {
	PeerID       uint
	PublicKey    string
	PresharedKey string
}

// rotationSnapshot captures everything ReplaceConfig mutates so a
// mid-flight failure can be fully undone
type rotationSnapshot struct {
	files        map[string][]byte
	oldPublicKey string
	oldPskPath   string
	clientIP     string
	newPublicKey string
	addedNewPeer bool
}

func (s *Service) snapshotFile(
	snap *rotationSnapshot,
	path string,
) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", path, err)
	}
	snap.files[path] = data
	return nil
}

func (s *Service) restoreSnapshot(
	ctx context.Context,
	snap *rotationSnapshot,
) {
	for path, data := range snap.files {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			s.logger.Error(
				"rollback: failed to restore file",
				"path", path,
				"error", err,
			)
		}
	}
	if snap.addedNewPeer {
		// Remove the new peer and put the old one back on the interface
		iface := s.config.Wireguard.Interface
		wgContainer := s.config.Wireguard.ContainerName
		if _, err := s.runner.Exec(
			ctx,
			wgContainer,
			"wg", "set", iface, "peer", snap.newPublicKey, "remove",
		); err != nil {
			s.logger.Error(
				"rollback: failed to remove new peer",
				"error", err,
			)
		}
		if _, err := s.runner.Exec(
			ctx,
			wgContainer,
			"wg", "set", iface,
			"peer", snap.oldPublicKey,
			"preshared-key", snap.oldPskPath,
			"allowed-ips", snap.clientIP+"/32",
		); err != nil {
			s.logger.Error(
				"rollback: failed to re-add old peer",
				"error", err,
			)
		}
	}
}

// ReplaceConfig rotates a peer's keys: new key files, new client conf,
// live interface update, server conf rewrite, then lease-row delete, in
// that order. Any failure rolls back every prior step, so the on-disk
// confs, the running interface, and the lease row never diverge.
func (s *Service) ReplaceConfig(
	ctx context.Context,
	peerID uint,
) (Rotation, error) {
	snap := &rotationSnapshot{
		files:      make(map[string][]byte),
		oldPskPath: s.keyPath("presharedkey", peerID),
	}

	clientConfPath := s.clientConfPath(peerID)
	serverConfPath := s.serverConfPath()
	privPath := s.keyPath("privatekey", peerID)
	pubPath := s.keyPath("publickey", peerID)
	pskPath := s.keyPath("presharedkey", peerID)

	// Snapshot everything we are about to touch
	for _, path := range []string{
		clientConfPath,
		serverConfPath,
		privPath,
		pubPath,
		pskPath,
	} {
		if err := s.snapshotFile(snap, path); err != nil {
			return Rotation{}, err
		}
	}
	snap.oldPublicKey = strings.TrimSpace(string(snap.files[pubPath]))

	clientConf, err := ParseConfig(string(snap.files[clientConfPath]))
	if err != nil {
		return Rotation{}, fmt.Errorf(
			"failed to parse client config for peer %d: %w",
			peerID,
			err,
		)
	}
	serverConf, err := ParseConfig(string(snap.files[serverConfPath]))
	if err != nil {
		return Rotation{}, fmt.Errorf(
			"failed to parse server config: %w",
			err,
		)
	}
	clientIP, err := clientConf.clientAddress()
	if err != nil {
		return Rotation{}, err
	}
	snap.clientIP = clientIP

	// Generate the replacement keys
	privKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return Rotation{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	pubKey := privKey.PublicKey()
	pskKey, err := wgtypes.GenerateKey()
	if err != nil {
		return Rotation{}, fmt.Errorf("failed to generate preshared key: %w", err)
	}
	snap.newPublicKey = pubKey.String()

	if err := s.rotate(
		ctx, snap, peerID,
		clientConf, serverConf,
		privKey, pubKey, pskKey,
	); err != nil {
		s.restoreSnapshot(ctx, snap)
		return Rotation{}, err
	}

	return Rotation{
		PeerID:       peerID,
		PublicKey:    pubKey.String(),
		PresharedKey: pskKey.String(),
	}, nil
}

func (s *Service) rotate(
	ctx context.Context,
	snap *rotationSnapshot,
	peerID uint,
	clientConf *Config,
	serverConf *Config,
	privKey wgtypes.Key,
	pubKey wgtypes.Key,
	pskKey wgtypes.Key,
) error {
	clientConfPath := s.clientConfPath(peerID)
	serverConfPath := s.serverConfPath()
	privPath := s.keyPath("privatekey", peerID)
	pubPath := s.keyPath("publickey", peerID)
	pskPath := s.keyPath("presharedkey", peerID)

	// New key files
	for _, kf := range []struct {
		path string
		key  wgtypes.Key
	}{
		{privPath, privKey},
		{pubPath, pubKey},
		{pskPath, pskKey},
	} {
		if err := os.WriteFile(kf.path, []byte(kf.key.String()+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write key file %s: %w", kf.path, err)
		}
	}

	// New client conf
	clientConf.Interface.Set("PrivateKey", privKey.String())
	if len(clientConf.Peers) > 0 {
		clientConf.Peers[0].Set("PresharedKey", pskKey.String())
	}
	if err := os.WriteFile(clientConfPath, []byte(clientConf.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write client config: %w", err)
	}

	// Swap the peer on the running interface. The old entry is removed
	// by its public key; the replacement keeps the same allowed IP.
	iface := s.config.Wireguard.Interface
	wgContainer := s.config.Wireguard.ContainerName
	if _, err := s.runner.Exec(
		ctx,
		wgContainer,
		"wg", "set", iface, "peer", snap.oldPublicKey, "remove",
	); err != nil {
		return fmt.Errorf("failed to remove old peer from interface: %w", err)
	}
	if _, err := s.runner.Exec(
		ctx,
		wgContainer,
		"wg", "set", iface,
		"peer", pubKey.String(),
		"preshared-key", pskPath,
		"allowed-ips", snap.clientIP+"/32",
	); err != nil {
		snap.addedNewPeer = true
		return fmt.Errorf("failed to add new peer to interface: %w", err)
	}
	snap.addedNewPeer = true

	// Server conf for restart persistence
	found := false
	for i := range serverConf.Peers {
		if serverConf.Peers[i].Get("PublicKey") == snap.oldPublicKey {
			serverConf.Peers[i].Set("PublicKey", pubKey.String())
			serverConf.Peers[i].Set("PresharedKey", pskKey.String())
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf(
			"server config has no peer with public key %s",
			snap.oldPublicKey,
		)
	}
	if err := os.WriteFile(serverConfPath, []byte(serverConf.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write server config: %w", err)
	}

	// The slot is only offered for lease again once its keys are stable
	if err := s.db.DeleteWireguardLease(peerID); err != nil {
		return fmt.Errorf("failed to delete lease row: %w", err)
	}

	return nil
}

// ReplaceConfigs rotates the given peers, or every peer with an on-disk
// config when none are given. Rotation is strictly sequential: parallel
// rotations would race on the shared interface and server conf.
func (s *Service) ReplaceConfigs(
	ctx context.Context,
	peerIDs []uint,
) ([]Rotation, error) {
	if len(peerIDs) == 0 {
		for id := uint(1); id <= s.config.Wireguard.PeerCount; id++ {
			if _, err := os.Stat(s.clientConfPath(id)); err == nil {
				peerIDs = append(peerIDs, id)
			}
		}
	}
	var rotations []Rotation
	var errs []error
	for _, peerID := range peerIDs {
		rotation, err := s.ReplaceConfig(ctx, peerID)
		if err != nil {
			s.logger.Warn(
				"failed to rotate peer keys",
				"peerId", peerID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("peer %d: %w", peerID, err))
			continue
		}
		rotations = append(rotations, rotation)
	}
	return rotations, errors.Join(errs...)
}
