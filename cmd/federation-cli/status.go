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
	"net/url"

	"github.com/spf13/cobra"
)

var (
	flagStatsApiKey string
	flagStatsScope  string
)

func init() {
	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Probe the node's identity endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := fetch(cmd.Context(), "/")
			if err != nil {
				return err
			}
			return writePretty(body)
		},
	}
	rootCmd.AddCommand(identityCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Fetch node statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().StringVar(
		&flagStatsApiKey, "api-key", "", "admin API key",
	)
	statsCmd.Flags().StringVar(
		&flagStatsScope, "scope", "summary",
		"stats scope: summary|pools|workers",
	)
	rootCmd.AddCommand(statsCmd)

	challengeCmd := &cobra.Command{
		Use:   "challenge [challenge-id]",
		Short: "Mint a challenge pair, or look one up by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/protocol/challenge/new"
			if len(args) == 1 {
				path = "/protocol/challenge/" + args[0]
			}
			body, err := fetch(cmd.Context(), path)
			if err != nil {
				return err
			}
			return writePretty(body)
		},
	}
	rootCmd.AddCommand(challengeCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	var path string
	switch flagStatsScope {
	case "summary":
		path = "/api/stats"
	case "pools":
		path = "/api/stats/pools"
	case "workers":
		path = "/api/stats/workers"
	default:
		return errors.New("invalid --scope (must be summary|pools|workers)")
	}
	if flagStatsApiKey != "" {
		query := url.Values{}
		query.Set("api_key", flagStatsApiKey)
		path += "?" + query.Encode()
	}
	body, err := fetch(cmd.Context(), path)
	if err != nil {
		return err
	}
	return writePretty(body)
}
