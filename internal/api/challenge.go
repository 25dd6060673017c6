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
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/google/uuid"
)

// challengeTtl bounds how long a minted challenge stays answerable
const challengeTtl = time.Hour

// ChallengeResponse is a freshly minted challenge/solution pair
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
	Solution  string `json:"solution"`
	Tag       string `json:"tag,omitempty"`
}

// handleChallengeNew godoc
//
//	@Summary		ChallengeNew
//	@Description	Mint a challenge/solution pair for cross-node authenticity probes
//	@Produce		json
//	@Param			tag	query		string				false	"Caller-chosen label"
//	@Success		200	{object}	ChallengeResponse	"Minted pair"
//	@Failure		405	{object}	string				"Method Not Allowed"
//	@Failure		500	{object}	string				"Server Error"
//	@Router			/protocol/challenge/new [get]
func (a *Api) handleChallengeNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Opportunistic prune keeps the table bounded without a timer
	if err := a.db.DeleteExpiredChallengeSolutions(challengeTtl); err != nil {
		a.logger.Warn("failed to prune expired challenges", "error", err)
	}
	pair := ChallengeResponse{
		Challenge: uuid.NewString(),
		Solution:  uuid.NewString(),
		Tag:       r.URL.Query().Get("tag"),
	}
	if err := a.db.AddChallengeSolution(
		pair.Challenge, pair.Solution, pair.Tag,
	); err != nil {
		a.logger.Error("failed to persist challenge", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(pair)
	_, _ = w.Write(resp)
}

// handleChallenge godoc
//
//	@Summary		Challenge
//	@Description	Look up the solution for a previously minted challenge
//	@Produce		json
//	@Success		200	{object}	ChallengeResponse	"Known pair"
//	@Failure		404	{object}	string				"Not Found"
//	@Failure		405	{object}	string				"Method Not Allowed"
//	@Failure		500	{object}	string				"Server Error"
//	@Router			/protocol/challenge/{challenge} [get]
func (a *Api) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	challenge := strings.TrimPrefix(r.URL.Path, "/protocol/challenge/")
	if challenge == "" || strings.Contains(challenge, "/") {
		http.NotFound(w, r)
		return
	}
	pair, err := a.db.ChallengeSolutionByChallenge(challenge)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			http.NotFound(w, r)
			return
		}
		a.logger.Error("failed to look up challenge", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp, _ := json.Marshal(ChallengeResponse{
		Challenge: pair.Challenge,
		Solution:  pair.Solution,
		Tag:       pair.Tag,
	})
	_, _ = w.Write(resp)
}
