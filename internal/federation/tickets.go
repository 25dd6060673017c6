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

package federation

import (
	"sync"
	"time"
)

const (
	TicketStatusPending  = "pending"
	TicketStatusComplete = "complete"

	ticketTtl = 60 * time.Second
)

type ticket struct {
	status    string
	expiresAt time.Time
}

// Tickets tracks in-flight config requests so that racing workers can
// learn that another racer already won. Entries expire after a minute;
// an expired or unknown ticket reads as pending, which lets a late
// racer finish normally instead of cancelling against stale state.
type Tickets struct {
	mutex   sync.Mutex
	entries map[string]ticket
}

func NewTickets() *Tickets {
	return &Tickets{
		entries: make(map[string]ticket),
	}
}

// Create registers a pending ticket for a freshly minted request id
func (t *Tickets) Create(requestId string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.prune()
	t.entries[requestId] = ticket{
		status:    TicketStatusPending,
		expiresAt: time.Now().Add(ticketTtl),
	}
}

// Complete marks the request as won. The TTL restarts so that slower
// racers still observe the completion.
func (t *Tickets) Complete(requestId string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.prune()
	t.entries[requestId] = ticket{
		status:    TicketStatusComplete,
		expiresAt: time.Now().Add(ticketTtl),
	}
}

// Status returns the ticket state, defaulting to pending for unknown or
// expired ids
func (t *Tickets) Status(requestId string) string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	entry, ok := t.entries[requestId]
	if !ok || time.Now().After(entry.expiresAt) {
		return TicketStatusPending
	}
	return entry.status
}

// prune drops expired entries. Callers hold the mutex.
func (t *Tickets) prune() {
	now := time.Now()
	for requestId, entry := range t.entries {
		if now.After(entry.expiresAt) {
			delete(t.entries, requestId)
		}
	}
}
