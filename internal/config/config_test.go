package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRelayDefaults(t *testing.T) {
	cfg, err := LoadRelay(nil)
	if err != nil {
		t.Fatalf("LoadRelay failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultRelay()) {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, DefaultRelay())
	}
	if cfg.Options().MaxMessageBytes != 64*1024 {
		t.Errorf("MaxMessageBytes = %d, want 64KiB", cfg.Options().MaxMessageBytes)
	}
}

func TestLoadRelayFileThenFlags(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
outbox_size: 16
ping_interval: 5s
debug: true
`)

	cfg, err := LoadRelay([]string{"--config", path, "--addr", ":9100"})
	if err != nil {
		t.Fatalf("LoadRelay failed: %v", err)
	}

	if cfg.Addr != ":9100" {
		t.Errorf("Addr = %q, want flag value :9100", cfg.Addr)
	}
	if cfg.OutboxSize != 16 {
		t.Errorf("OutboxSize = %d, want file value 16", cfg.OutboxSize)
	}
	if cfg.PingInterval != 5*time.Second {
		t.Errorf("PingInterval = %s, want 5s", cfg.PingInterval)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true from file")
	}
	if cfg.PongTimeout != DefaultRelay().PongTimeout {
		t.Errorf("PongTimeout = %s, want default", cfg.PongTimeout)
	}
}

func TestLoadPeerFlags(t *testing.T) {
	cfg, err := LoadPeer([]string{
		"--relay", "relay.example.com",
		"--target", "01HZX",
		"--ice", "stun:a:3478,stun:b:3478",
		"--timeout", "10s",
	})
	if err != nil {
		t.Fatalf("LoadPeer failed: %v", err)
	}

	if cfg.Relay != "relay.example.com" || cfg.Target != "01HZX" {
		t.Errorf("relay/target = %q/%q", cfg.Relay, cfg.Target)
	}
	if want := []string{"stun:a:3478", "stun:b:3478"}; !reflect.DeepEqual(cfg.ICEServers, want) {
		t.Errorf("ICEServers = %v, want %v", cfg.ICEServers, want)
	}
	if cfg.Options().Timeout != 10*time.Second {
		t.Errorf("Timeout = %s, want 10s", cfg.Options().Timeout)
	}
	if cfg.Options().CandidateLimit != DefaultPeer().CandidateLimit {
		t.Errorf("CandidateLimit = %d, want default", cfg.Options().CandidateLimit)
	}
}

func TestLoadPeerFile(t *testing.T) {
	path := writeConfig(t, `
relay: wss://relay.example.com/ws
ice_servers: []
candidate_limit: 8
`)

	cfg, err := LoadPeer([]string{"--config", path})
	if err != nil {
		t.Fatalf("LoadPeer failed: %v", err)
	}
	if cfg.Relay != "wss://relay.example.com/ws" {
		t.Errorf("Relay = %q", cfg.Relay)
	}
	if len(cfg.Transport().ICEServers) != 0 {
		t.Errorf("ICEServers = %v, want empty", cfg.Transport().ICEServers)
	}
	if cfg.CandidateLimit != 8 {
		t.Errorf("CandidateLimit = %d, want 8", cfg.CandidateLimit)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		load func() error
		want error
	}{
		{
			name: "help",
			load: func() error { _, err := LoadRelay([]string{"--help"}); return err },
			want: pflag.ErrHelp,
		},
		{
			name: "negative outbox",
			load: func() error { _, err := LoadRelay([]string{"--outbox-size", "-1"}); return err },
			want: ErrInvalidConfig,
		},
		{
			name: "zero timeout",
			load: func() error { _, err := LoadPeer([]string{"--timeout", "0s"}); return err },
			want: ErrInvalidConfig,
		},
		{
			name: "empty relay from file",
			load: func() error {
				_, err := LoadPeer([]string{"--config", writeConfig(t, `relay: ""`)})
				return err
			},
			want: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.load(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadRelay([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}
