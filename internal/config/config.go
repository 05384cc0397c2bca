package config

import (
	"fmt"
	"time"
)

const (
	DefaultLivenessInterval  = 20 * time.Second
	DefaultCompositeInterval = time.Second
	DefaultRoomLinger        = time.Minute
	DefaultReadTimeout       = 400 * time.Millisecond
	DefaultHandshakeTimeout  = time.Minute
	DefaultCleanupInterval   = 20 * time.Second
	DefaultIdleSleep         = 50 * time.Millisecond
)

type Config struct {
	// Addr is the TCP listen address for drawing clients.
	Addr string
	// HTTPAddr serves the websocket gateway and debug vars.
	HTTPAddr string
	// LivenessInterval throttles the per-room dead-peer sweep.
	LivenessInterval time.Duration
	// CompositeInterval throttles middleground creation.
	CompositeInterval time.Duration
	// RoomLinger is how long an empty room stays alive.
	RoomLinger time.Duration
	// ReadTimeout bounds a single connection read so room loops
	// never stall on a silent peer.
	ReadTimeout time.Duration
	// HandshakeTimeout bounds the nickname/room exchange.
	HandshakeTimeout time.Duration
	// CleanupInterval throttles the stopped-room registry scan.
	CleanupInterval time.Duration
	// IdleSleep is the minimum pause between room loop passes.
	IdleSleep time.Duration
}

// NewConfig returns a validated Config with defaults applied to every
// interval.
func NewConfig(addr, httpAddr string) (*Config, error) {
	if addr == "" {
		return nil, fmt.Errorf("listen address cannot be empty")
	}

	cfg := &Config{
		Addr:              addr,
		HTTPAddr:          httpAddr,
		LivenessInterval:  DefaultLivenessInterval,
		CompositeInterval: DefaultCompositeInterval,
		RoomLinger:        DefaultRoomLinger,
		ReadTimeout:       DefaultReadTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		CleanupInterval:   DefaultCleanupInterval,
		IdleSleep:         DefaultIdleSleep,
	}

	return cfg, cfg.Validate()
}

// Validate checks that every interval is positive.
func (c *Config) Validate() error {
	for _, iv := range []struct {
		name string
		val  time.Duration
	}{
		{"liveness interval", c.LivenessInterval},
		{"composite interval", c.CompositeInterval},
		{"room linger", c.RoomLinger},
		{"read timeout", c.ReadTimeout},
		{"handshake timeout", c.HandshakeTimeout},
		{"cleanup interval", c.CleanupInterval},
		{"idle sleep", c.IdleSleep},
	} {
		if iv.val <= 0 {
			return fmt.Errorf("%s must be positive", iv.name)
		}
	}

	return nil
}
