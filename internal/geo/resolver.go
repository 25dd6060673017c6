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

package geo

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/oschwald/geoip2-golang"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const mapConcurrency = 8

// Data is the resolved view of one worker address
type Data struct {
	CountryCode    string `json:"country_code"`
	ConnectionType string `json:"connection_type"`
	Datacenter     bool   `json:"datacenter"`
}

// Unknown is returned whenever a lookup cannot be answered. It is a
// valid result and gets cached like any other.
var Unknown = Data{
	ConnectionType: database.ConnectionTypeUnknown,
}

// datacenterMarkers are matched against the lowercased ASN organization
// name. An address announced by a hosting provider is treated as a
// datacenter egress.
var datacenterMarkers = []string{
	"amazon",
	"google",
	"microsoft",
	"azure",
	"oracle",
	"alibaba",
	"tencent",
	"ovh",
	"hetzner",
	"digitalocean",
	"linode",
	"akamai",
	"vultr",
	"choopa",
	"contabo",
	"leaseweb",
	"scaleway",
	"ionos",
	"hosting",
	"datacenter",
	"data center",
	"server",
	"cloud",
	"vps",
	"colocation",
	"colo",
}

type cacheEntry struct {
	data      Data
	expiresAt time.Time
}

// Resolver answers country and connection-type questions about worker
// addresses from local mmdb files. Either database may be absent, in
// which case the affected fields degrade to unknown.
type Resolver struct {
	config    *config.Config
	logger    *slog.Logger
	countryDb *geoip2.Reader
	asnDb     *geoip2.Reader
	cacheTtl  time.Duration
	mutex     sync.RWMutex
	cache     map[string]cacheEntry
	sf        singleflight.Group
}

func NewResolver(
	cfg *config.Config,
	logger *slog.Logger,
) (*Resolver, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	r := &Resolver{
		config:   cfg,
		logger:   logger,
		cacheTtl: time.Duration(cfg.Geo.CacheTtl) * time.Second,
		cache:    make(map[string]cacheEntry),
	}
	var err error
	r.countryDb, err = openDb(cfg.Geo.CountryDb, "country", logger)
	if err != nil {
		return nil, err
	}
	r.asnDb, err = openDb(cfg.Geo.AsnDb, "asn", logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// openDb opens an mmdb file. A missing path or file degrades to a nil
// reader rather than an error; lookups against it answer unknown.
func openDb(
	path string,
	kind string,
	logger *slog.Logger,
) (*geoip2.Reader, error) {
	if path == "" {
		logger.Warn("geo database not configured", "kind", kind)
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			logger.Warn(
				"geo database missing, lookups degraded",
				"kind", kind,
				"path", path,
			)
			return nil, nil
		}
		return nil, err
	}
	return db, nil
}

func (r *Resolver) Close() {
	if r.countryDb != nil {
		_ = r.countryDb.Close()
	}
	if r.asnDb != nil {
		_ = r.asnDb.Close()
	}
}

// Resolve looks up one address, serving from the TTL cache when it can.
// Concurrent misses for the same address share a single lookup.
func (r *Resolver) Resolve(ipStr string) Data {
	r.mutex.RLock()
	entry, ok := r.cache[ipStr]
	r.mutex.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.data
	}
	result, _, _ := r.sf.Do(ipStr, func() (any, error) {
		data := r.lookup(ipStr)
		r.mutex.Lock()
		r.cache[ipStr] = cacheEntry{
			data:      data,
			expiresAt: time.Now().Add(r.cacheTtl),
		}
		r.mutex.Unlock()
		return data, nil
	})
	return result.(Data)
}

func (r *Resolver) lookup(ipStr string) Data {
	// Accept ip:port forms
	host, _, err := net.SplitHostPort(ipStr)
	if err != nil {
		host = ipStr
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() {
		return Unknown
	}
	ret := Unknown
	if r.countryDb != nil {
		if record, err := r.countryDb.Country(ip); err == nil {
			ret.CountryCode = record.Country.IsoCode
		}
	}
	if r.asnDb != nil {
		if record, err := r.asnDb.ASN(ip); err == nil {
			ret.Datacenter = isDatacenterOrg(
				record.AutonomousSystemOrganization,
			)
			if ret.Datacenter {
				ret.ConnectionType = database.ConnectionTypeDatacenter
			} else {
				ret.ConnectionType = database.ConnectionTypeResidential
			}
		}
	}
	return ret
}

func isDatacenterOrg(org string) bool {
	if org == "" {
		return false
	}
	org = strings.ToLower(org)
	for _, marker := range datacenterMarkers {
		if strings.Contains(org, marker) {
			return true
		}
	}
	return false
}

// MapIPs resolves a batch of addresses concurrently, warming the cache.
// The result always holds an entry for every input.
func (r *Resolver) MapIPs(ctx context.Context, ips []string) map[string]Data {
	ret := make(map[string]Data, len(ips))
	var retMutex sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(mapConcurrency)
	for _, ip := range ips {
		g.Go(func() error {
			data := r.Resolve(ip)
			retMutex.Lock()
			ret[ip] = data
			retMutex.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ret
}
