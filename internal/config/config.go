// Package config loads Ponder's koanf-based configuration: per-network RPC
// transport and rate limits, per-contract source declarations, and
// database connection settings (spec.md §6). Adapted from the teacher's
// internal/util.InitConfig (koanf + toml + env overlay) merged with
// pkg/config.LoadConfig's declarative contract layout, generalized from a
// single hardcoded chain to an arbitrary network/contract map.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// NetworkConfig is one networks[name] entry.
type NetworkConfig struct {
	Name                  string
	ChainID               int64
	Transport             string
	PollingInterval       time.Duration
	MaxRequestsPerSecond  float64
	DisableCache          bool
}

// ContractFilter mirrors contracts[name].filter.
type ContractFilter struct {
	Event string
	Args  map[string][]string
}

// ContractConfig is one contracts[name] entry.
type ContractConfig struct {
	Name                       string
	Network                    string
	ABIPath                    string
	Address                    string
	FactoryAddress             string
	FactoryEvent               string
	FactoryChildField          string
	Filter                     *ContractFilter
	StartBlock                 uint64
	EndBlock                   *uint64
	IncludeTransactionReceipts bool
}

// IsFactory reports whether this contract resolves addresses dynamically.
func (c ContractConfig) IsFactory() bool { return c.FactoryAddress != "" }

// DatabaseConfig is the database.* section.
type DatabaseConfig struct {
	Kind             string
	ConnectionString string
	Schema           string
}

// Config is the fully resolved, validated configuration for one Ponder
// deployment.
type Config struct {
	Networks  map[string]NetworkConfig
	Contracts map[string]ContractConfig
	Database  DatabaseConfig
}

// Load reads tomlPath, overlays environment variables using the teacher's
// underscore-to-dot convention, interpolates DATABASE_URL and
// PONDER_RPC_URL_{chainId}, and validates the result.
func Load(tomlPath string, logger zerolog.Logger) (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(tomlPath), toml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", tomlPath, err)
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("config: failed to overlay environment variables")
	}

	cfg := &Config{
		Networks:  make(map[string]NetworkConfig),
		Contracts: make(map[string]ContractConfig),
	}

	for name := range ko.StringMap("networks") {
		prefix := fmt.Sprintf("networks.%s.", name)
		net := NetworkConfig{
			Name:                 name,
			ChainID:              ko.Int64(prefix + "chainId"),
			Transport:            ko.String(prefix + "transport"),
			PollingInterval:      durationOrDefault(ko, prefix+"pollingInterval", time.Second),
			MaxRequestsPerSecond: floatOrDefault(ko, prefix+"maxRequestsPerSecond", 50),
			DisableCache:         ko.Bool(prefix + "disableCache"),
		}
		net.Transport = interpolateRPCURL(net.Transport, net.ChainID)
		cfg.Networks[name] = net
	}

	for name := range ko.StringMap("contracts") {
		prefix := fmt.Sprintf("contracts.%s.", name)
		contract := ContractConfig{
			Name:                       name,
			Network:                    ko.String(prefix + "network"),
			ABIPath:                    ko.String(prefix + "abi"),
			Address:                    ko.String(prefix + "address"),
			FactoryAddress:             ko.String(prefix + "factory.address"),
			FactoryEvent:               ko.String(prefix + "factory.event"),
			FactoryChildField:          ko.String(prefix + "factory.childField"),
			StartBlock:                 uint64(ko.Int64(prefix + "startBlock")),
			IncludeTransactionReceipts: ko.Bool(prefix + "includeTransactionReceipts"),
		}
		if ko.Exists(prefix + "endBlock") {
			end := uint64(ko.Int64(prefix + "endBlock"))
			contract.EndBlock = &end
		}
		if ko.Exists(prefix+"filter.event") || ko.Exists(prefix+"filter.args") {
			contract.Filter = &ContractFilter{
				Event: ko.String(prefix + "filter.event"),
				Args:  ko.StringsMap(prefix + "filter.args"),
			}
		}
		cfg.Contracts[name] = contract
	}

	cfg.Database = DatabaseConfig{
		Kind:             orDefault(ko.String("database.kind"), "postgres"),
		ConnectionString: orDefault(ko.String("database.connectionString"), os.Getenv("DATABASE_URL")),
		Schema:           orDefault(ko.String("database.schema"), "public"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger.Info().
		Int("networks", len(cfg.Networks)).
		Int("contracts", len(cfg.Contracts)).
		Str("database_kind", cfg.Database.Kind).
		Msg("configuration loaded")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.ConnectionString == "" {
		return fmt.Errorf("config: database.connectionString is required (or DATABASE_URL)")
	}
	for name, contract := range c.Contracts {
		if _, ok := c.Networks[contract.Network]; !ok {
			return fmt.Errorf("config: contract %q references undefined network %q", name, contract.Network)
		}
		if contract.Address != "" && contract.IsFactory() {
			return fmt.Errorf("config: contract %q specifies both address and factory", name)
		}
		if contract.Address == "" && !contract.IsFactory() {
			return fmt.Errorf("config: contract %q must specify address or factory", name)
		}
	}
	return nil
}

// interpolateRPCURL substitutes ${PONDER_RPC_URL_<chainId>} style
// placeholders, and falls back to that environment variable entirely when
// transport is empty, per spec.md §6's "interpolated by convention" note.
func interpolateRPCURL(transport string, chainID int64) string {
	envKey := fmt.Sprintf("PONDER_RPC_URL_%d", chainID)
	if transport == "" {
		return os.Getenv(envKey)
	}
	placeholder := "${" + envKey + "}"
	if strings.Contains(transport, placeholder) {
		return strings.ReplaceAll(transport, placeholder, os.Getenv(envKey))
	}
	return transport
}

func durationOrDefault(ko *koanf.Koanf, key string, def time.Duration) time.Duration {
	if !ko.Exists(key) {
		return def
	}
	ms := ko.Int64(key)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func floatOrDefault(ko *koanf.Koanf, key string, def float64) float64 {
	if !ko.Exists(key) {
		return def
	}
	v := ko.Float64(key)
	if v <= 0 {
		return def
	}
	return v
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
