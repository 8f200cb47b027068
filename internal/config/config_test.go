package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PEERSVC_CONFIG_FILE", "PEERSVC_MAX_ACTIVE_SIZE", "PEERSVC_MIN_ACTIVE_SIZE",
		"PEERSVC_MAX_PASSIVE_SIZE", "PEERSVC_ARWL", "PEERSVC_PRWL", "PEERSVC_TAG",
		"PEERSVC_RESERVATIONS", "PEERSVC_RANDOM_PROMOTION", "PEERSVC_PASSIVE_VIEW_SHUFFLE_PERIOD",
		"PEERSVC_TREE_REFRESH", "PEERSVC_RELAY_TTL", "PEERSVC_BROADCAST", "PEERSVC_DATA_DIR",
		"PEERSVC_DISABLE_FAST_RECEIVE", "PEERSVC_GOSSIP_LISTEN_ADDR", "PEERSVC_HTTP_LISTEN_ADDR",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.MaxActiveSize != want.MaxActiveSize || cfg.MinActiveSize != want.MinActiveSize ||
		cfg.MaxPassiveSize != want.MaxPassiveSize || cfg.ARWL != want.ARWL || cfg.PRWL != want.PRWL ||
		cfg.Broadcast != want.Broadcast || cfg.DisableFastReceive != want.DisableFastReceive ||
		cfg.GossipListenAddr != want.GossipListenAddr || cfg.HTTPListenAddr != want.HTTPListenAddr {
		t.Fatalf("expected Load() with no overrides to equal Default(), got %+v", cfg)
	}
	if len(cfg.Reservations) != 0 {
		t.Fatalf("expected no default reservations, got %v", cfg.Reservations)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PEERSVC_MAX_ACTIVE_SIZE", "10")
	t.Setenv("PEERSVC_BROADCAST", "true")
	t.Setenv("PEERSVC_TREE_REFRESH", "2500")
	t.Setenv("PEERSVC_RESERVATIONS", "storage, router")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxActiveSize != 10 {
		t.Errorf("expected MaxActiveSize 10, got %d", cfg.MaxActiveSize)
	}
	if !cfg.Broadcast {
		t.Errorf("expected Broadcast true")
	}
	if cfg.TreeRefresh != 2500*time.Millisecond {
		t.Errorf("expected TreeRefresh 2500ms, got %v", cfg.TreeRefresh)
	}
	if len(cfg.Reservations) != 2 || cfg.Reservations[0] != "storage" || cfg.Reservations[1] != "router" {
		t.Errorf("expected reservations [storage router], got %v", cfg.Reservations)
	}
}

func TestLoadEnvOverridesConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "peersvc.yaml")
	writeFile(t, path, "max_active_size: 8\nbroadcast: true\n")

	t.Setenv("PEERSVC_CONFIG_FILE", path)
	t.Setenv("PEERSVC_MAX_ACTIVE_SIZE", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxActiveSize != 20 {
		t.Errorf("expected env to win over file, got MaxActiveSize=%d", cfg.MaxActiveSize)
	}
	if !cfg.Broadcast {
		t.Errorf("expected file's broadcast: true to survive with no env override")
	}
}

func TestValidateRejectsOversizedReservations(t *testing.T) {
	cfg := Default()
	cfg.MaxActiveSize = 1
	cfg.Reservations = []string{"storage", "router"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject reservations exceeding MaxActiveSize")
	}
}

func TestTagsConvertsReservations(t *testing.T) {
	cfg := Default()
	cfg.Reservations = []string{"storage", "router"}
	tags := cfg.Tags()
	if len(tags) != 2 || tags[0] != "storage" || tags[1] != "router" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
