package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/edgecore/mqttedge/bridge"
	"github.com/edgecore/mqttedge/network"
	"github.com/edgecore/mqttedge/session"
)

// Build converts a parsed TLS section into network's own TLSConfig,
// returning nil if no TLS section was configured (plain TCP).
func (t *TLS) Build() (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}
	nc := network.DefaultTLSConfig()
	nc.CertFile = t.CertFile
	nc.KeyFile = t.KeyFile
	nc.CAFile = t.CAFile
	if t.Required {
		nc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return nc.Build()
}

// NewStore builds the session.Store the Session section selects.
func (s *Session) NewStore() (session.Store, error) {
	switch s.Backend {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "pebble":
		return session.NewPebbleStore(session.PebbleStoreConfig{Path: s.Pebble.Path})
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
			TTL:      s.Redis.TTL.Value(),
		})
	default:
		return nil, fmt.Errorf("config: unknown session backend %q", s.Backend)
	}
}

// BuildBackoff converts a Backoff section into network's own
// BackoffConfig, applying network's defaults for any zero fields.
func (b *Backoff) BuildBackoff() *network.BackoffConfig {
	cfg := network.DefaultBackoffConfig()
	if b == nil {
		return cfg
	}
	if b.Initial > 0 {
		cfg.InitialInterval = b.Initial.Value()
	}
	if b.Max > 0 {
		cfg.MaxInterval = b.Max.Value()
	}
	if b.Multiplier > 0 {
		cfg.Multiplier = b.Multiplier
	}
	cfg.Jitter = b.Jitter
	return cfg
}

// Rules splits a Bridge's rule list into bridge.RuleSetting values a
// bridge.ConfigUpdater or bridge.BridgeUpdate can consume directly.
func (b *Bridge) Rules() []bridge.RuleSetting {
	settings := make([]bridge.RuleSetting, 0, len(b.Rules))
	for _, r := range b.Rules {
		var dir bridge.Direction
		switch r.Direction {
		case "in":
			dir = bridge.DirectionIn
		case "out":
			dir = bridge.DirectionOut
		case "both":
			dir = bridge.DirectionBoth
		}
		settings = append(settings, bridge.RuleSetting{
			Direction: dir,
			Rule:      bridge.TopicRule{Topic: r.Topic, InPrefix: r.InPrefix, OutPrefix: r.OutPrefix},
		})
	}
	return settings
}

// Update renders a Bridge's current rule set as a bridge.BridgeUpdate,
// ready to hand to a bridge.ConfigUpdater.
func (b *Bridge) Update() bridge.BridgeUpdate {
	return bridge.BridgeUpdate{Endpoint: b.Endpoint, Settings: b.Rules()}
}

// Dialer builds the bridge.Dialer this bridge's pumps should connect
// with: a TLS dial if TLS is configured, otherwise plain TCP.
func (b *Bridge) Dialer() (bridge.Dialer, error) {
	tlsConfig, err := b.TLS.Build()
	if err != nil {
		return nil, fmt.Errorf("config: bridge %s: %w", b.Endpoint, err)
	}
	if tlsConfig == nil {
		return bridge.TCPDialer(b.Endpoint), nil
	}
	endpoint := b.Endpoint
	return func(ctx context.Context) (net.Conn, error) {
		var d tls.Dialer
		d.Config = tlsConfig
		return d.DialContext(ctx, "tcp", endpoint)
	}, nil
}
