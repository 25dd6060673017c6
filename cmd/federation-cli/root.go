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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	outPath string
	nodeUrl string
)

var rootCmd = &cobra.Command{
	Use:   "federation-cli",
	Short: "Operate against a running federation node",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&outPath, "out", "o", "", "output file (default: stdout)",
	)
	rootCmd.PersistentFlags().StringVar(
		&nodeUrl, "url", "http://localhost:3000", "node base URL",
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fetch performs one GET against the node and returns the body. Non-2xx
// responses become errors carrying the body text.
func fetch(ctx context.Context, path string) ([]byte, error) {
	url := strings.TrimSuffix(nodeUrl, "/") + path
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf(
			"%s returned %d: %s",
			url,
			resp.StatusCode,
			strings.TrimSpace(string(body)),
		)
	}
	return body, nil
}

// writePretty re-indents a JSON body before writing it out, falling
// back to the raw bytes for non-JSON payloads
func writePretty(data []byte) error {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err == nil {
		if pretty, err := json.MarshalIndent(decoded, "", "  "); err == nil {
			data = append(pretty, '\n')
		}
	}
	return writeOut(outPath, data)
}

func writeOut(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
