// Package config describes one rank's view of the cluster it joins. It
// is loaded from a flat YAML file into a single struct and validated
// before use.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind selects the byte-sending primitive a rank uses.
type TransportKind string

const (
	// TransportLocal is an in-process transport for simulating many
	// ranks inside one OS process (tests, single-box demos).
	TransportLocal TransportKind = "local"
	// TransportWebsocket is a real network transport: a full mesh of
	// gorilla/websocket connections between rank processes.
	TransportWebsocket TransportKind = "ws"
)

// Config is one rank's configuration.
type Config struct {
	// Rank is this process's rank id (0-indexed).
	Rank int `yaml:"rank"`
	// Size is the total number of ranks in the job.
	Size int `yaml:"size"`
	// Transport selects the byte-sending primitive.
	Transport TransportKind `yaml:"transport"`
	// Peers lists, for a websocket transport, the "host:port" address
	// of every rank indexed by rank id. Peers[Rank] is this rank's own
	// listen address.
	Peers []string `yaml:"peers,omitempty"`
	// BootstrapAddr is rank 0's "host:port" for the gRPC bootstrap
	// handshake: every other rank dials it once and blocks until all
	// ranks have announced, confirming the fleet is reachable before
	// any rank dials the websocket mesh itself. Empty skips the
	// handshake (e.g. the local transport, or single-process tests).
	BootstrapAddr string `yaml:"bootstrap_addr,omitempty"`

	// PrioritiesEnabled is loaded and defaulted but nothing reads it: the
	// scheduler always orders work units by priority, FIFO among equal
	// priorities, whatever this is set to.
	PrioritiesEnabled bool `yaml:"priorities_enabled"`
	// Workers is loaded but nothing reads it: the runtime starts no
	// worker threads, whatever this is set to.
	Workers int `yaml:"workers"`
	// SmallMessageMaxSize is the eager/non-eager routing threshold used
	// by LocationManager.routeMsg.
	SmallMessageMaxSize int `yaml:"small_message_max_size"`
	// LocationCacheSize bounds the LocationManager's LRU cache.
	LocationCacheSize int `yaml:"location_cache_size"`

	// MetricsBindAddr, if non-empty, serves Prometheus metrics.
	MetricsBindAddr string `yaml:"metrics_bind_addr,omitempty"`
	// StackDumpDir is where an aborting rank writes its stack file.
	StackDumpDir string `yaml:"stack_dump_dir,omitempty"`
	// SetupBarrierTimeout bounds the pre/post-setup collective barrier.
	SetupBarrierTimeout time.Duration `yaml:"setup_barrier_timeout"`
}

// Default returns the configuration defaults applied before a YAML file
// or flags override them, mirroring newServeContext()'s defaulting.
func Default() Config {
	return Config{
		Transport:           TransportLocal,
		PrioritiesEnabled:   true,
		SmallMessageMaxSize: 4096,
		LocationCacheSize:   4096,
		SetupBarrierTimeout: 30 * time.Second,
	}
}

// Load reads a YAML config file and applies it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the invariants Runtime.Startup relies on.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", c.Size)
	}
	if c.Rank < 0 || c.Rank >= c.Size {
		return fmt.Errorf("rank %d out of range [0,%d)", c.Rank, c.Size)
	}
	switch c.Transport {
	case TransportLocal:
	case TransportWebsocket:
		if len(c.Peers) != c.Size {
			return fmt.Errorf("ws transport requires %d peer addresses, got %d", c.Size, len(c.Peers))
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport)
	}
	if c.SmallMessageMaxSize <= 0 {
		return fmt.Errorf("small_message_max_size must be positive")
	}
	if c.LocationCacheSize <= 0 {
		return fmt.Errorf("location_cache_size must be positive")
	}
	return nil
}
