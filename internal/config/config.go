// Package config loads relay and peer settings from command-line flags and an
// optional YAML file. Flags given explicitly on the command line override
// values read from the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/rendezvous/internal/negotiation"
	"github.com/1ureka/rendezvous/internal/relay"
	"github.com/1ureka/rendezvous/internal/transport"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// RelayConfig is the configuration of the relay binary.
type RelayConfig struct {
	// Addr is the TCP address the relay listens on.
	Addr string `yaml:"addr"`

	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	OutboxSize      int           `yaml:"outbox_size"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`

	// StatsInterval is the period of the traffic report. Zero disables it.
	StatsInterval time.Duration `yaml:"stats_interval"`

	Debug bool `yaml:"debug"`
}

// PeerConfig is the configuration of the chat peer binary.
type PeerConfig struct {
	// Relay is the relay URL. A bare host is accepted and normalised.
	Relay string `yaml:"relay"`

	// Target, when set, is the identity to send an offer to right away.
	Target string `yaml:"target"`

	ICEServers     []string      `yaml:"ice_servers"`
	Timeout        time.Duration `yaml:"timeout"`
	CandidateLimit int           `yaml:"candidate_limit"`

	// IdleTimeout drops the relay connection after this long without any
	// frame from the relay. It must exceed the relay's ping interval.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	Debug bool `yaml:"debug"`
}

// DefaultRelay returns the relay defaults.
func DefaultRelay() RelayConfig {
	opts := relay.DefaultOptions()
	return RelayConfig{
		Addr:            ":8080",
		MaxMessageBytes: opts.MaxMessageBytes,
		OutboxSize:      opts.OutboxSize,
		PingInterval:    opts.PingInterval,
		PongTimeout:     opts.PongTimeout,
		WriteTimeout:    opts.WriteTimeout,
		StatsInterval:   10 * time.Second,
	}
}

// DefaultPeer returns the peer defaults.
func DefaultPeer() PeerConfig {
	opts := negotiation.DefaultOptions()
	return PeerConfig{
		Relay:          "ws://localhost:8080/ws",
		ICEServers:     append([]string(nil), transport.DefaultSTUNServers...),
		Timeout:        opts.Timeout,
		CandidateLimit: opts.CandidateLimit,
		IdleTimeout:    60 * time.Second,
	}
}

// Options converts the config into relay server options.
func (c RelayConfig) Options() relay.Options {
	return relay.Options{
		MaxMessageBytes: c.MaxMessageBytes,
		OutboxSize:      c.OutboxSize,
		PingInterval:    c.PingInterval,
		PongTimeout:     c.PongTimeout,
		WriteTimeout:    c.WriteTimeout,
	}
}

// Options converts the config into session options.
func (c PeerConfig) Options() negotiation.Options {
	opts := negotiation.DefaultOptions()
	opts.Timeout = c.Timeout
	opts.CandidateLimit = c.CandidateLimit
	return opts
}

// Transport returns the transport settings.
func (c PeerConfig) Transport() transport.Config {
	return transport.Config{ICEServers: c.ICEServers}
}

// Validate reports the first invalid setting.
func (c RelayConfig) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr is empty", ErrInvalidConfig)
	case c.MaxMessageBytes <= 0:
		return fmt.Errorf("%w: max_message_bytes must be positive, got %d", ErrInvalidConfig, c.MaxMessageBytes)
	case c.OutboxSize <= 0:
		return fmt.Errorf("%w: outbox_size must be positive, got %d", ErrInvalidConfig, c.OutboxSize)
	case c.PingInterval <= 0:
		return fmt.Errorf("%w: ping_interval must be positive, got %s", ErrInvalidConfig, c.PingInterval)
	case c.PongTimeout <= 0:
		return fmt.Errorf("%w: pong_timeout must be positive, got %s", ErrInvalidConfig, c.PongTimeout)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: write_timeout must be positive, got %s", ErrInvalidConfig, c.WriteTimeout)
	case c.StatsInterval < 0:
		return fmt.Errorf("%w: stats_interval must not be negative, got %s", ErrInvalidConfig, c.StatsInterval)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c PeerConfig) Validate() error {
	switch {
	case c.Relay == "":
		return fmt.Errorf("%w: relay is empty", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	case c.CandidateLimit <= 0:
		return fmt.Errorf("%w: candidate_limit must be positive, got %d", ErrInvalidConfig, c.CandidateLimit)
	case c.IdleTimeout < 0:
		return fmt.Errorf("%w: idle_timeout must not be negative, got %s", ErrInvalidConfig, c.IdleTimeout)
	}
	return nil
}

// LoadRelay parses args (without the program name). It returns pflag.ErrHelp
// when help was requested.
func LoadRelay(args []string) (RelayConfig, error) {
	cfg := DefaultRelay()
	flags := cfg

	fs := pflag.NewFlagSet("rendezvous-relay", pflag.ContinueOnError)
	path := fs.String("config", "", "YAML config file")
	fs.StringVar(&flags.Addr, "addr", cfg.Addr, "listen address")
	fs.Int64Var(&flags.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest accepted inbound frame")
	fs.IntVar(&flags.OutboxSize, "outbox-size", cfg.OutboxSize, "queued messages per connection before the oldest is dropped")
	fs.DurationVar(&flags.PingInterval, "ping-interval", cfg.PingInterval, "keepalive ping period")
	fs.DurationVar(&flags.PongTimeout, "pong-timeout", cfg.PongTimeout, "grace for a late pong")
	fs.DurationVar(&flags.WriteTimeout, "write-timeout", cfg.WriteTimeout, "deadline for one frame write")
	fs.DurationVar(&flags.StatsInterval, "stats-interval", cfg.StatsInterval, "traffic report period, 0 disables")
	fs.BoolVar(&flags.Debug, "debug", cfg.Debug, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if *path != "" {
		if err := loadFile(*path, &cfg); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = flags.Addr
		case "max-message-bytes":
			cfg.MaxMessageBytes = flags.MaxMessageBytes
		case "outbox-size":
			cfg.OutboxSize = flags.OutboxSize
		case "ping-interval":
			cfg.PingInterval = flags.PingInterval
		case "pong-timeout":
			cfg.PongTimeout = flags.PongTimeout
		case "write-timeout":
			cfg.WriteTimeout = flags.WriteTimeout
		case "stats-interval":
			cfg.StatsInterval = flags.StatsInterval
		case "debug":
			cfg.Debug = flags.Debug
		}
	})

	return cfg, cfg.Validate()
}

// LoadPeer parses args (without the program name). It returns pflag.ErrHelp
// when help was requested.
func LoadPeer(args []string) (PeerConfig, error) {
	cfg := DefaultPeer()
	flags := cfg

	fs := pflag.NewFlagSet("rendezvous-peer", pflag.ContinueOnError)
	path := fs.String("config", "", "YAML config file")
	fs.StringVar(&flags.Relay, "relay", cfg.Relay, "relay URL or host")
	fs.StringVar(&flags.Target, "target", cfg.Target, "identity to connect to")
	fs.StringSliceVar(&flags.ICEServers, "ice", cfg.ICEServers, "STUN server URLs, empty for host candidates only")
	fs.DurationVar(&flags.Timeout, "timeout", cfg.Timeout, "negotiation timeout")
	fs.IntVar(&flags.CandidateLimit, "candidate-limit", cfg.CandidateLimit, "early candidates buffered per session")
	fs.DurationVar(&flags.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "relay silence before the connection counts as lost, 0 disables")
	fs.BoolVar(&flags.Debug, "debug", cfg.Debug, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if *path != "" {
		if err := loadFile(*path, &cfg); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "relay":
			cfg.Relay = flags.Relay
		case "target":
			cfg.Target = flags.Target
		case "ice":
			cfg.ICEServers = flags.ICEServers
		case "timeout":
			cfg.Timeout = flags.Timeout
		case "candidate-limit":
			cfg.CandidateLimit = flags.CandidateLimit
		case "idle-timeout":
			cfg.IdleTimeout = flags.IdleTimeout
		case "debug":
			cfg.Debug = flags.Debug
		}
	})

	return cfg, cfg.Validate()
}

// loadFile decodes the YAML file at path over cfg. Keys absent from the file
// keep their current values.
func loadFile(path string, cfg interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
