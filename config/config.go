// Package config loads the broker's own process configuration — listen
// address, TLS, session persistence backend, queue limits and the
// bridge endpoint list — from a YAML file, the way Pyr33x-goqtt's
// cmd/goqtt loads its broker config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TLS mirrors network.TLSConfig's fields in YAML form; Build converts
// it once the file has been parsed.
type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
	Required bool   `yaml:"client_cert_required"`
}

// Listener configures the broker's TCP accept side.
type Listener struct {
	Address string `yaml:"address"`
	TLS     *TLS   `yaml:"tls"`
}

// Session configures session persistence. Backend selects which
// session.Store NewStore builds: "memory" (default), "pebble" or
// "redis".
type Session struct {
	Backend          string `yaml:"backend"`
	AssignedIDPrefix string `yaml:"assigned_id_prefix"`
	ExpiryInterval   uint32 `yaml:"expiry_interval_seconds"`
	Pebble           Pebble `yaml:"pebble"`
	Redis            Redis  `yaml:"redis"`
}

// Pebble configures the on-disk session store.
type Pebble struct {
	Path string `yaml:"path"`
}

// Redis configures the shared session directory store.
type Redis struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// Queue bounds each session's offline publication queue.
type Queue struct {
	MaxLen  int    `yaml:"max_len"`
	MaxSize int    `yaml:"max_size"`
	Policy  string `yaml:"policy"` // "drop_new" (default) or "drop_old"
}

// Logging configures the broker's slog output.
type Logging struct {
	Level string `yaml:"level"` // "debug", "info" (default), "warn", "error"
}

// Outbox configures one pump's ring-buffer backing file.
type Outbox struct {
	Path     string `yaml:"path"`
	Capacity uint64 `yaml:"capacity_bytes"`
}

// Backoff configures a bridge pump's reconnect backoff.
type Backoff struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Multiplier float64  `yaml:"multiplier"`
	Jitter     bool     `yaml:"jitter"`
}

// Rule is one topic-forwarding rule entry of a Bridge. Direction is
// "in" (upstream to embedded broker), "out" (embedded broker to
// upstream) or "both".
type Rule struct {
	Direction string `yaml:"direction"`
	Topic     string `yaml:"topic"`
	InPrefix  string `yaml:"in_prefix"`
	OutPrefix string `yaml:"out_prefix"`
}

// Bridge configures one store-and-forward link to a parent broker.
type Bridge struct {
	Endpoint  string   `yaml:"endpoint"`
	ClientID  string   `yaml:"client_id"`
	TLS       *TLS     `yaml:"tls"`
	Forward   Outbox   `yaml:"forward_outbox"`
	Subscribe Outbox   `yaml:"subscribe_outbox"`
	Backoff   *Backoff `yaml:"backoff"`
	Rules     []Rule   `yaml:"rules"`
}

// Config is the broker process's complete static configuration.
type Config struct {
	Listen       Listener `yaml:"listen"`
	Session      Session  `yaml:"session"`
	Queue        Queue    `yaml:"queue"`
	MaxInflight  int      `yaml:"max_inflight"`
	Housekeeping Duration `yaml:"housekeeping_every"`
	Logging      Logging  `yaml:"logging"`
	Bridges      []Bridge `yaml:"bridges"`
}

// defaults fills in zero-valued fields the way DefaultListenerConfig
// and DefaultBackoffConfig do for their own packages.
func (c *Config) defaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = ":1883"
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
	if c.Session.AssignedIDPrefix == "" {
		c.Session.AssignedIDPrefix = "auto-"
	}
	if c.Queue.Policy == "" {
		c.Queue.Policy = "drop_new"
	}
	if c.Housekeeping == 0 {
		c.Housekeeping = Duration(30_000_000_000) // 30s, in ns
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Bridges {
		if c.Bridges[i].ClientID == "" {
			c.Bridges[i].ClientID = fmt.Sprintf("bridge-%d", i)
		}
	}
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML configuration already read into memory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations that would fail later in a more
// confusing way: an unknown session backend, an unknown queue policy,
// a pebble or redis backend without its path or address, a bridge with
// no endpoint, or a bridge rule with an unknown direction or no topic.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "memory", "pebble", "redis":
	default:
		return fmt.Errorf("config: unknown session backend %q", c.Session.Backend)
	}
	switch c.Queue.Policy {
	case "drop_new", "drop_old":
	default:
		return fmt.Errorf("config: unknown queue policy %q", c.Queue.Policy)
	}
	if c.Session.Backend == "pebble" && c.Session.Pebble.Path == "" {
		return fmt.Errorf("config: session.pebble.path is required for backend %q", "pebble")
	}
	if c.Session.Backend == "redis" && c.Session.Redis.Addr == "" {
		return fmt.Errorf("config: session.redis.addr is required for backend %q", "redis")
	}
	for i, b := range c.Bridges {
		if b.Endpoint == "" {
			return fmt.Errorf("config: bridges[%d]: endpoint is required", i)
		}
		for j, r := range b.Rules {
			switch r.Direction {
			case "in", "out", "both":
			default:
				return fmt.Errorf("config: bridges[%d].rules[%d]: unknown direction %q", i, j, r.Direction)
			}
			if r.Topic == "" {
				return fmt.Errorf("config: bridges[%d].rules[%d]: topic is required", i, j)
			}
		}
	}
	return nil
}
