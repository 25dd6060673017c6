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

package main

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/spf13/cobra"
)

var (
	flagLeaseType     string
	flagLeaseGeo      string
	flagLeaseSeconds  uint
	flagLeasePriority bool
	flagLeaseFormat   string
)

func init() {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Request a VPN lease from the node",
		RunE:  runLease,
	}
	cmd.Flags().StringVar(
		&flagLeaseType, "type", federation.VpnTypeWireguard,
		"lease type: wireguard|socks5",
	)
	cmd.Flags().StringVar(
		&flagLeaseGeo, "geo", "", "country code filter",
	)
	cmd.Flags().UintVar(
		&flagLeaseSeconds, "lease-seconds", 3600, "lease duration in seconds",
	)
	cmd.Flags().BoolVar(
		&flagLeasePriority, "priority", false, "request a priority lease",
	)
	cmd.Flags().StringVar(
		&flagLeaseFormat, "format", "json", "output format: json|text",
	)
	rootCmd.AddCommand(cmd)
}

func runLease(cmd *cobra.Command, _ []string) error {
	switch flagLeaseType {
	case federation.VpnTypeWireguard, federation.VpnTypeSocks5:
	default:
		return fmt.Errorf(
			"invalid --type %q (must be wireguard|socks5)", flagLeaseType,
		)
	}
	switch flagLeaseFormat {
	case "json", "text":
	default:
		return errors.New("invalid --format (must be json|text)")
	}
	query := url.Values{}
	query.Set("type", flagLeaseType)
	query.Set("format", flagLeaseFormat)
	query.Set("lease_seconds", fmt.Sprintf("%d", flagLeaseSeconds))
	if flagLeaseGeo != "" {
		query.Set("geo", flagLeaseGeo)
	}
	if flagLeasePriority {
		query.Set("priority", "true")
	}
	body, err := fetch(cmd.Context(), "/vpn?"+query.Encode())
	if err != nil {
		return err
	}
	if flagLeaseFormat == "text" {
		return writeOut(outPath, body)
	}
	return writePretty(body)
}
