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

package api

import (
	"encoding/json"
	"net/http"

	"github.com/blinklabs-io/vpn-federation/internal/federation"
	"github.com/blinklabs-io/vpn-federation/internal/version"
)

// handleIdentity godoc
//
//	@Summary		Identity
//	@Description	Describe this node: build info and public endpoint
//	@Produce		json
//	@Success		200	{object}	federation.Identity	"Node identity"
//	@Failure		405	{object}	string				"Method Not Allowed"
//	@Router			/ [get]
func (a *Api) handleIdentity(w http.ResponseWriter, r *http.Request) {
	// The root pattern catches everything without a better match
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ident := federation.Identity{
		Branch:               version.Branch,
		Version:              version.Version,
		Hash:                 version.CommitHash,
		PublicProtocol:       a.cfg.Server.PublicProtocol,
		PublicHost:           a.cfg.Server.PublicHost,
		PublicPort:           a.cfg.Server.PublicPort,
		MiningPoolUrl:        a.cfg.Federation.MiningPoolUrl,
		MiningPoolRewards:    a.cfg.Federation.MiningPoolRewards,
		MiningPoolWebsiteUrl: a.cfg.Federation.MiningPoolWebsiteUrl,
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(ident)
	_, _ = w.Write(resp)
}
