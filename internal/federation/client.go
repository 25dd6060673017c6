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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/blinklabs-io/vpn-federation/internal/config"
	"github.com/blinklabs-io/vpn-federation/internal/database"
	"github.com/blinklabs-io/vpn-federation/internal/validators"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFanoutWins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_fanout_wins_total",
		Help: "Fan-out races that produced a usable lease",
	})
	metricFanoutExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_fanout_exhausted_total",
		Help: "Fan-out races that ran out of targets without a lease",
	})
)

const (
	// Per-attempt timeout budget by request class
	identityTimeout     = 5 * time.Second
	feedbackTimeout     = 10 * time.Second
	registrationTimeout = 30 * time.Second
	broadcastTimeout    = 60 * time.Second

	inventoryLimit     = 50
	minerChunkSize     = 10
	validatorChunkSize = 3

	defaultValidatorPort = 3000

	VpnTypeWireguard = "wireguard"
	VpnTypeSocks5    = "socks5"
)

var ErrNoWorkerAvailable = errors.New("no worker could satisfy the request")

// errRejected marks 4xx responses: the peer understood us and said no,
// so retrying the same request is pointless
var errRejected = errors.New("request rejected")

// Identity is the payload of a node's GET / endpoint. Field names match
// the wire protocol shared across the federation.
type Identity struct {
	Branch               string `json:"branch"`
	Version              string `json:"version"`
	Hash                 string `json:"hash"`
	PublicProtocol       string `json:"SERVER_PUBLIC_PROTOCOL"`
	PublicHost           string `json:"SERVER_PUBLIC_HOST"`
	PublicPort           uint   `json:"SERVER_PUBLIC_PORT"`
	MiningPoolUrl        string `json:"MINING_POOL_URL,omitempty"`
	MiningPoolRewards    string `json:"MINING_POOL_REWARDS,omitempty"`
	MiningPoolWebsiteUrl string `json:"MINING_POOL_WEBSITE_URL,omitempty"`
}

// ConfigRequest describes one end-user lease request flowing down the
// federation. FeedbackUrl carries the originator's race feedback URL on
// relayed requests; workers anywhere downstream poll it so a win on one
// machine cancels leases on every other.
type ConfigRequest struct {
	Geo          string
	Type         string
	Whitelist    []string
	Blacklist    []string
	LeaseSeconds uint
	Priority     bool
	FeedbackUrl  string
}

// LeaseResponse is the provisioned lease as returned by a worker's /vpn
// endpoint (possibly relayed through a mining pool)
type LeaseResponse struct {
	Cancelled       bool   `json:"cancelled,omitempty"`
	WireguardConfig string `json:"wireguard_config,omitempty"`
	Socks5Config    string `json:"socks5_config,omitempty"`
	PeerId          uint   `json:"peer_id,omitempty"`
	PeerSlots       uint   `json:"peer_slots,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	WorkerIp        string `json:"worker_ip,omitempty"`
}

// Config returns the lease payload matching the requested type
func (l LeaseResponse) Config(vpnType string) string {
	if vpnType == VpnTypeSocks5 {
		return l.Socks5Config
	}
	return l.WireguardConfig
}

// Client is the outbound half of the federation: config fan-out for
// miners and validators, and registration pushes toward validators.
type Client struct {
	config        *config.Config
	db            *database.Database
	registry      *validators.Registry
	tickets       *Tickets
	logger        *slog.Logger
	httpClient    *http.Client
	executor      failsafe.Executor[[]byte]
	validatorPort uint
}

func NewClient(
	cfg *config.Config,
	db *database.Database,
	registry *validators.Registry,
	tickets *Tickets,
	logger *slog.Logger,
) *Client {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	retry := retrypolicy.NewBuilder[[]byte]().
		WithBackoff(time.Second, 30*time.Second).
		WithMaxRetries(2).
		WithJitterFactor(0.1).
		AbortOnErrors(errRejected).
		Build()
	return &Client{
		config:        cfg,
		db:            db,
		registry:      registry,
		tickets:       tickets,
		logger:        logger,
		httpClient:    &http.Client{},
		executor:      failsafe.With(retry),
		validatorPort: defaultValidatorPort,
	}
}

// doJSON runs one logical request through the retry executor. Each
// attempt carries its own timeout; non-2xx statuses count as failures
// and are retried like transport errors.
func (c *Client) doJSON(
	ctx context.Context,
	method string,
	requestUrl string,
	timeout time.Duration,
	payload any,
	out any,
) error {
	body, err := c.executor.WithContext(ctx).Get(func() ([]byte, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var reqBody io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			reqBody = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(
			attemptCtx, method, requestUrl, reqBody,
		)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// FetchIdentity probes a node's GET / endpoint
func (c *Client) FetchIdentity(
	ctx context.Context,
	baseUrl string,
) (Identity, error) {
	var ident Identity
	err := c.doJSON(
		ctx,
		http.MethodGet,
		strings.TrimSuffix(baseUrl, "/")+"/",
		identityTimeout,
		nil,
		&ident,
	)
	return ident, err
}

// FeedbackComplete polls a feedback URL and reports whether the
// originating request has already been satisfied by another racer. Any
// fetch failure reads as not-complete so provisioning proceeds.
func (c *Client) FeedbackComplete(
	ctx context.Context,
	feedbackUrl string,
) bool {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(
		ctx, http.MethodGet, feedbackUrl, feedbackTimeout, nil, &status,
	); err != nil {
		c.logger.Debug(
			"feedback poll failed",
			"url", feedbackUrl,
			"error", err,
		)
		return false
	}
	return status.Status == TicketStatusComplete
}

// FetchWorkerLease requests a lease directly from a single worker,
// outside any race. Used by the scorer and by pools relaying a request
// to a specific worker.
func (c *Client) FetchWorkerLease(
	ctx context.Context,
	ip string,
	port uint,
	req ConfigRequest,
) (*LeaseResponse, error) {
	query := url.Values{}
	query.Set("type", req.Type)
	query.Set("format", "json")
	if req.LeaseSeconds > 0 {
		query.Set("lease_seconds", fmt.Sprintf("%d", req.LeaseSeconds))
	}
	if req.Priority {
		query.Set("priority", "true")
	}
	var lease LeaseResponse
	err := c.doJSON(
		ctx,
		http.MethodGet,
		fmt.Sprintf("http://%s:%d/vpn?%s", ip, port, query.Encode()),
		broadcastTimeout,
		nil,
		&lease,
	)
	if err != nil {
		return nil, err
	}
	lease.WorkerIp = ip
	return &lease, nil
}

// target is one candidate endpoint in a fan-out
type target struct {
	url string
	ip  string
}

// GetWorkerConfigAsMiner races the miner's own worker fleet for a lease
func (c *Client) GetWorkerConfigAsMiner(
	ctx context.Context,
	req ConfigRequest,
) (*LeaseResponse, error) {
	workers, err := c.db.GetWorkers(database.WorkerFilter{
		CountryCode:   req.Geo,
		Status:        database.WorkerStatusUp,
		MiningPoolUid: database.MiningPoolUidInternal,
		Limit:         inventoryLimit,
	})
	if err != nil {
		return nil, err
	}
	workers = filterWorkers(workers, req.Whitelist, req.Blacklist)
	requestId := uuid.NewString()
	c.tickets.Create(requestId)
	query := c.leaseQuery(req, requestId)
	targets := make([]target, 0, len(workers))
	for _, worker := range workers {
		if !isIpv4(worker.Ip) {
			continue
		}
		targets = append(targets, target{
			url: fmt.Sprintf(
				"http://%s:%d/vpn?%s",
				worker.Ip,
				worker.PublicPort,
				query,
			),
			ip: worker.Ip,
		})
	}
	lease, err := c.firstSuccess(ctx, targets, minerChunkSize, req.Type)
	if err != nil {
		return nil, err
	}
	c.tickets.Complete(requestId)
	return lease, nil
}

// GetWorkerConfigAsValidator races the known mining pools; each pool
// relays the request to one of its own workers and honors the feedback
// URL on our behalf.
func (c *Client) GetWorkerConfigAsValidator(
	ctx context.Context,
	req ConfigRequest,
) (*LeaseResponse, error) {
	pools, err := c.db.MiningPools()
	if err != nil {
		return nil, err
	}
	requestId := uuid.NewString()
	c.tickets.Create(requestId)
	query := c.leaseQuery(req, requestId)
	targets := make([]target, 0, len(pools))
	for _, pool := range pools {
		if !isIpv4(pool.Ip) {
			continue
		}
		targets = append(targets, target{
			url: strings.TrimSuffix(pool.Url, "/") + "/vpn?" + query,
			ip:  pool.Ip,
		})
	}
	lease, err := c.firstSuccess(ctx, targets, validatorChunkSize, req.Type)
	if err != nil {
		return nil, err
	}
	c.tickets.Complete(requestId)
	return lease, nil
}

func (c *Client) leaseQuery(req ConfigRequest, requestId string) string {
	query := url.Values{}
	query.Set("type", req.Type)
	query.Set("format", "json")
	if req.Geo != "" {
		query.Set("geo", req.Geo)
	}
	if req.LeaseSeconds > 0 {
		query.Set("lease_seconds", fmt.Sprintf("%d", req.LeaseSeconds))
	}
	if req.Priority {
		query.Set("priority", "true")
	}
	// A relayed request keeps the originator's feedback URL; only a
	// request starting here mints its own
	feedbackUrl := req.FeedbackUrl
	if feedbackUrl == "" {
		feedbackUrl = fmt.Sprintf(
			"%s/api/status/request/%s", c.config.PublicUrl(), requestId,
		)
	}
	query.Set("feedback_url", feedbackUrl)
	return query.Encode()
}

// firstSuccess fires targets chunk by chunk. Within a chunk all members
// run in parallel and the first non-empty config wins; losing siblings
// are cancelled and release their leases via the feedback URL.
func (c *Client) firstSuccess(
	ctx context.Context,
	targets []target,
	chunkSize int,
	vpnType string,
) (*LeaseResponse, error) {
	rand.Shuffle(len(targets), func(i, j int) {
		targets[i], targets[j] = targets[j], targets[i]
	})
	for start := 0; start < len(targets); start += chunkSize {
		end := start + chunkSize
		if end > len(targets) {
			end = len(targets)
		}
		chunk := targets[start:end]
		chunkCtx, cancel := context.WithCancel(ctx)
		results := make(chan *LeaseResponse, len(chunk))
		var wg sync.WaitGroup
		for _, member := range chunk {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var lease LeaseResponse
				err := c.doJSON(
					chunkCtx,
					http.MethodGet,
					member.url,
					broadcastTimeout,
					nil,
					&lease,
				)
				if err != nil {
					c.logger.Debug(
						"config fetch failed",
						"url", member.url,
						"error", err,
					)
					results <- nil
					return
				}
				if lease.Cancelled || lease.Config(vpnType) == "" {
					results <- nil
					return
				}
				lease.WorkerIp = member.ip
				results <- &lease
			}()
		}
		var winner *LeaseResponse
		for range chunk {
			if lease := <-results; lease != nil {
				winner = lease
				break
			}
		}
		cancel()
		wg.Wait()
		if winner != nil {
			metricFanoutWins.Inc()
			return winner, nil
		}
	}
	metricFanoutExhausted.Inc()
	return nil, ErrNoWorkerAvailable
}

// filterWorkers applies the caller's whitelist and blacklist by worker
// address
func filterWorkers(
	workers []database.Worker,
	whitelist []string,
	blacklist []string,
) []database.Worker {
	ret := make([]database.Worker, 0, len(workers))
	for _, worker := range workers {
		if len(whitelist) > 0 && !containsString(whitelist, worker.Ip) {
			continue
		}
		if containsString(blacklist, worker.Ip) {
			continue
		}
		ret = append(ret, worker)
	}
	return ret
}

func containsString(haystack []string, needle string) bool {
	for _, item := range haystack {
		if item == needle {
			return true
		}
	}
	return false
}

func isIpv4(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.To4() != nil
}
