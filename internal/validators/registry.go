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

package validators

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

// Descriptor identifies one validator. A nil Uid marks a testnet entry:
// retained for request-source checks but excluded from the count.
type Descriptor struct {
	Uid *uint  `json:"uid"`
	Ip  string `json:"ip"`
}

func uidPtr(uid uint) *uint {
	return &uid
}

// fallbackValidators is the bootstrap list used until the upstream
// neuron pushes a fresh one, and to patch unresolved entries
var fallbackValidators = []Descriptor{
	{Uid: uidPtr(0), Ip: "185.141.218.102"},
	{Uid: uidPtr(1), Ip: "152.53.254.12"},
	{Uid: uidPtr(28), Ip: "45.135.180.48"},
	{Ip: "165.232.93.107"},
}

// Registry caches the last-known validator list. Request-source checks
// only ever consult the unspoofable remote address.
type Registry struct {
	mutex      sync.RWMutex
	validators []Descriptor
	logger     *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	r := &Registry{
		logger: logger,
	}
	r.validators = append(r.validators, fallbackValidators...)
	return r
}

// Update replaces the cached list with a neuron-pushed one. Entries
// whose ip is 0.0.0.0 (the neuron could not resolve them) are patched
// from the fallback list by uid, or dropped when no fallback matches.
// An empty push keeps the current list.
func (r *Registry) Update(descriptors []Descriptor) {
	if len(descriptors) == 0 {
		r.logger.Warn("ignoring empty validator list push")
		return
	}
	patched := make([]Descriptor, 0, len(descriptors))
	for _, desc := range descriptors {
		if desc.Ip == "0.0.0.0" {
			found := false
			if desc.Uid != nil {
				for _, fb := range fallbackValidators {
					if fb.Uid != nil && *fb.Uid == *desc.Uid {
						desc.Ip = fb.Ip
						found = true
						break
					}
				}
			}
			if !found {
				r.logger.Warn(
					"dropping unresolvable validator",
					"uid", desc.Uid,
				)
				continue
			}
		}
		patched = append(patched, desc)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.validators = patched
	r.logger.Info("updated validator list", "count", len(patched))
}

// ValidatorIps returns all known validator addresses, testnet entries
// included
func (r *Registry) ValidatorIps() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	ret := make([]string, 0, len(r.validators))
	for _, desc := range r.validators {
		ret = append(ret, desc.Ip)
	}
	return ret
}

// Count returns the number of mainnet validators
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	count := 0
	for _, desc := range r.validators {
		if desc.Uid != nil {
			count++
		}
	}
	return count
}

// RemoteIp extracts the connection's source address from a request,
// normalizing v4-mapped-v6 forms. Forwarding headers are deliberately
// ignored: they are attacker-controlled.
func RemoteIp(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// IsValidator reports whether the request originates from a known
// validator address, and which one
func (r *Registry) IsValidator(req *http.Request) (Descriptor, bool) {
	remoteIp := RemoteIp(req)
	if remoteIp == "" {
		return Descriptor{}, false
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for _, desc := range r.validators {
		if desc.Ip == remoteIp {
			return desc, true
		}
	}
	return Descriptor{}, false
}
