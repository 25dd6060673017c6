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

package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	RunModeWorker    = "worker"
	RunModeMiner     = "miner"
	RunModeValidator = "validator"
)

type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Debug      DebugConfig      `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Wireguard  WireguardConfig  `yaml:"wireguard"`
	Dante      DanteConfig      `yaml:"dante"`
	Lease      LeaseConfig      `yaml:"lease"`
	Database   DatabaseConfig   `yaml:"database"`
	Geo        GeoConfig        `yaml:"geo"`
	Federation FederationConfig `yaml:"federation"`
	Ci         CiConfig         `yaml:"ci"`
}

type LoggingConfig struct {
	Debug bool `yaml:"debug"    envconfig:"LOGGING_DEBUG"`
}

type DebugConfig struct {
	ListenAddress string `yaml:"address" envconfig:"DEBUG_ADDRESS"`
	ListenPort    uint   `yaml:"port"    envconfig:"DEBUG_PORT"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"address" envconfig:"METRICS_ADDRESS"`
	ListenPort    uint   `yaml:"port"    envconfig:"METRICS_PORT"`
}

type ServerConfig struct {
	// RunMode selects the role dispatch: worker, miner or validator
	RunMode        string `yaml:"runMode"        envconfig:"RUN_MODE"`
	ListenAddress  string `yaml:"address"        envconfig:"SERVER_ADDRESS"`
	ListenPort     uint   `yaml:"port"           envconfig:"SERVER_PORT"`
	PublicProtocol string `yaml:"publicProtocol" envconfig:"SERVER_PUBLIC_PROTOCOL"`
	PublicHost     string `yaml:"publicHost"     envconfig:"SERVER_PUBLIC_HOST"`
	PublicPort     uint   `yaml:"publicPort"     envconfig:"SERVER_PUBLIC_PORT"`
	AdminApiKey    string `yaml:"adminApiKey"    envconfig:"ADMIN_API_KEY"`
	LogHealthcheck bool   `yaml:"logHealthcheck" envconfig:"LOG_HEALTHCHECK"`
}

type WireguardConfig struct {
	ServerPort    uint   `yaml:"serverPort"    envconfig:"WIREGUARD_SERVERPORT"`
	PeerCount     uint   `yaml:"peerCount"     envconfig:"WIREGUARD_PEER_COUNT"`
	ConfigDir     string `yaml:"configDir"     envconfig:"WIREGUARD_CONFIG_DIR"`
	ContainerName string `yaml:"containerName" envconfig:"WIREGUARD_CONTAINER_NAME"`
	Interface     string `yaml:"interface"     envconfig:"WIREGUARD_INTERFACE"`
}

type DanteConfig struct {
	Port            uint   `yaml:"port"            envconfig:"DANTE_PORT"`
	PasswordDir     string `yaml:"passwordDir"     envconfig:"PASSWORD_DIR"`
	RegenRequestDir string `yaml:"regenRequestDir" envconfig:"DANTE_REGEN_REQUEST_DIR"`
	UserCount       uint   `yaml:"userCount"       envconfig:"USER_COUNT"`
	ContainerName   string `yaml:"containerName"   envconfig:"DANTE_CONTAINER_NAME"`
}

type LeaseConfig struct {
	// PrioritySlots is the size of the reserved priority range in both
	// pools: WireGuard peer ids [1..P] and the first P SOCKS5 credentials
	PrioritySlots uint `yaml:"prioritySlots" envconfig:"PRIORITY_SLOTS"`
	// RefreshInsteadOfDelete switches expired-lease cleanup from the
	// delete-and-maybe-restart mode to in-place key rotation
	RefreshInsteadOfDelete bool `yaml:"refreshInsteadOfDelete" envconfig:"BETA_REFRESH_LEASE_INSTEAD_OF_DELETE"`
}

type DatabaseConfig struct {
	Directory        string `yaml:"dir"              envconfig:"DATABASE_DIR"`
	PostgresHost     string `yaml:"postgresHost"     envconfig:"POSTGRES_HOST"`
	PostgresPort     uint   `yaml:"postgresPort"     envconfig:"POSTGRES_PORT"`
	PostgresUser     string `yaml:"postgresUser"     envconfig:"POSTGRES_USER"`
	PostgresPassword string `yaml:"postgresPassword" envconfig:"POSTGRES_PASSWORD"`
	PostgresName     string `yaml:"postgresName"     envconfig:"POSTGRES_DB"`
}

type GeoConfig struct {
	CountryDb      string `yaml:"countryDb"      envconfig:"GEO_COUNTRY_DB"`
	AsnDb          string `yaml:"asnDb"          envconfig:"GEO_ASN_DB"`
	MaxmindLicense string `yaml:"maxmindLicense" envconfig:"MAXMIND_LICENSE_KEY"`
	Ip2lToken      string `yaml:"ip2lToken"      envconfig:"IP2LOCATION_DOWNLOAD_TOKEN"`
	CacheTtl       uint   `yaml:"cacheTtl"       envconfig:"GEO_CACHE_TTL"`
}

type FederationConfig struct {
	MiningPoolUrl        string `yaml:"miningPoolUrl"        envconfig:"MINING_POOL_URL"`
	MiningPoolRewards    string `yaml:"miningPoolRewards"    envconfig:"MINING_POOL_REWARDS"`
	MiningPoolWebsiteUrl string `yaml:"miningPoolWebsiteUrl" envconfig:"MINING_POOL_WEBSITE_URL"`
}

type CiConfig struct {
	Mode                    bool `yaml:"mode"                    envconfig:"CI_MODE"`
	MockWorkerResponses     bool `yaml:"mockWorkerResponses"     envconfig:"CI_MOCK_WORKER_RESPONSES"`
	MockMiningPoolResponses bool `yaml:"mockMiningPoolResponses" envconfig:"CI_MOCK_MINING_POOL_RESPONSES"`
	MockWgContainer         bool `yaml:"mockWgContainer"         envconfig:"CI_MOCK_WG_CONTAINER"`
}

// Singleton config instance with default values
var globalConfig = &Config{
	Logging: LoggingConfig{
		Debug: false,
	},
	Debug: DebugConfig{
		ListenAddress: "localhost",
		ListenPort:    0,
	},
	Metrics: MetricsConfig{
		ListenAddress: "",
		ListenPort:    8081,
	},
	Server: ServerConfig{
		RunMode:        RunModeWorker,
		ListenAddress:  "",
		ListenPort:     3000,
		PublicProtocol: "http",
		PublicPort:     3000,
	},
	Wireguard: WireguardConfig{
		ServerPort:    51820,
		PeerCount:     254,
		ConfigDir:     "/config",
		ContainerName: "wireguard",
		Interface:     "wg0",
	},
	Dante: DanteConfig{
		Port:            1080,
		PasswordDir:     "/passwords",
		RegenRequestDir: "/dante_regen_requests",
		UserCount:       1024,
		ContainerName:   "dante",
	},
	Lease: LeaseConfig{
		PrioritySlots: 5,
	},
	Database: DatabaseConfig{
		Directory:    "./.vpn-federation",
		PostgresPort: 5432,
		PostgresName: "vpn_federation",
	},
	Geo: GeoConfig{
		CacheTtl: 86400,
	},
}

func Load(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Load config values from environment variables
	// We use "dummy" as the app name here to (mostly) prevent picking up env
	// vars that we hadn't explicitly specified in annotations above
	err := envconfig.Process("dummy", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := globalConfig.validate(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

func (c *Config) validate() error {
	switch c.Server.RunMode {
	case RunModeWorker, RunModeMiner, RunModeValidator:
	default:
		return fmt.Errorf(
			"invalid RUN_MODE %q (must be worker|miner|validator)",
			c.Server.RunMode,
		)
	}
	if c.Lease.PrioritySlots >= c.Wireguard.PeerCount {
		// A priority range that swallows the whole pool leaves nothing
		// for standard leases; callers fall back to the full range
		c.Lease.PrioritySlots = 0
	}
	return nil
}

// GetConfig returns the global config instance
func GetConfig() *Config {
	return globalConfig
}

// PublicUrl returns the node's own advertised base URL
func (c *Config) PublicUrl() string {
	return fmt.Sprintf(
		"%s://%s:%d",
		c.Server.PublicProtocol,
		c.Server.PublicHost,
		c.Server.PublicPort,
	)
}
