// Package config loads the peer-service manager's configuration: an
// optional YAML file layered under PEERSVC_* environment variables (the
// environment always wins), matching the config-file-plus-env shape the
// rest of this codebase's deployment tooling uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"peersvc/internal/membership"
)

// Config holds every key from the spec's configuration table plus the
// ambient additions SPEC_FULL carries (data dir, listen addresses).
type Config struct {
	MaxActiveSize  int           `yaml:"max_active_size"`
	MinActiveSize  int           `yaml:"min_active_size"`
	MaxPassiveSize int           `yaml:"max_passive_size"`
	ARWL           int           `yaml:"arwl"`
	PRWL           int           `yaml:"prwl"`
	Tag            string        `yaml:"tag"`
	Reservations   []string      `yaml:"reservations"`
	RandomPromotion bool         `yaml:"random_promotion"`
	PassiveViewShufflePeriod time.Duration `yaml:"passive_view_shuffle_period"`
	TreeRefresh    time.Duration `yaml:"tree_refresh"`
	RelayTTL       int           `yaml:"relay_ttl"`
	Broadcast      bool          `yaml:"broadcast"`
	DataDir        string        `yaml:"partisan_data_dir"`
	DisableFastReceive bool      `yaml:"disable_fast_receive"`

	// Demo-daemon ambient additions, not part of spec.md's table.
	GossipListenAddr string `yaml:"gossip_listen_addr"`
	HTTPListenAddr   string `yaml:"http_listen_addr"`
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		MaxActiveSize:            6,
		MinActiveSize:            3,
		MaxPassiveSize:           30,
		ARWL:                     6,
		PRWL:                     6,
		RandomPromotion:          true,
		PassiveViewShufflePeriod: 10_000 * time.Millisecond,
		TreeRefresh:              1_000 * time.Millisecond,
		RelayTTL:                 6,
		Broadcast:                false,
		DisableFastReceive:       true,
		GossipListenAddr:         ":9090",
		HTTPListenAddr:           ":8080",
	}
}

// Load builds a Config starting from Default, layering an optional YAML
// file (path from PEERSVC_CONFIG_FILE, if set and present), then
// overriding with PEERSVC_* environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("PEERSVC_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.MaxActiveSize = envInt("PEERSVC_MAX_ACTIVE_SIZE", cfg.MaxActiveSize)
	cfg.MinActiveSize = envInt("PEERSVC_MIN_ACTIVE_SIZE", cfg.MinActiveSize)
	cfg.MaxPassiveSize = envInt("PEERSVC_MAX_PASSIVE_SIZE", cfg.MaxPassiveSize)
	cfg.ARWL = envInt("PEERSVC_ARWL", cfg.ARWL)
	cfg.PRWL = envInt("PEERSVC_PRWL", cfg.PRWL)
	cfg.Tag = envString("PEERSVC_TAG", cfg.Tag)
	if reservations := os.Getenv("PEERSVC_RESERVATIONS"); reservations != "" {
		cfg.Reservations = splitCSV(reservations)
	}
	cfg.RandomPromotion = envBool("PEERSVC_RANDOM_PROMOTION", cfg.RandomPromotion)
	cfg.PassiveViewShufflePeriod = envDuration("PEERSVC_PASSIVE_VIEW_SHUFFLE_PERIOD", cfg.PassiveViewShufflePeriod)
	cfg.TreeRefresh = envDuration("PEERSVC_TREE_REFRESH", cfg.TreeRefresh)
	cfg.RelayTTL = envInt("PEERSVC_RELAY_TTL", cfg.RelayTTL)
	cfg.Broadcast = envBool("PEERSVC_BROADCAST", cfg.Broadcast)
	cfg.DataDir = envString("PEERSVC_DATA_DIR", cfg.DataDir)
	cfg.DisableFastReceive = envBool("PEERSVC_DISABLE_FAST_RECEIVE", cfg.DisableFastReceive)
	cfg.GossipListenAddr = envString("PEERSVC_GOSSIP_LISTEN_ADDR", cfg.GossipListenAddr)
	cfg.HTTPListenAddr = envString("PEERSVC_HTTP_LISTEN_ADDR", cfg.HTTPListenAddr)

	return cfg, cfg.Validate()
}

// Validate enforces the one fatal startup invariant: the reserved-tag
// table can never exceed the active-view capacity.
func (c Config) Validate() error {
	if len(c.Reservations) > c.MaxActiveSize {
		return membership.ErrReservationLimitExceeded
	}
	return nil
}

// Tags converts the configured reservation strings to membership.Tag.
func (c Config) Tags() []membership.Tag {
	out := make([]membership.Tag, len(c.Reservations))
	for i, r := range c.Reservations {
		out[i] = membership.Tag(r)
	}
	return out
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
