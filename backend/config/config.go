// Package config loads client and relay settings. Values are layered:
// built-in defaults, then an optional TOML file, then ALERTBOX_* environment
// variables. Command line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

const (
	EnvLogLevel        = "ALERTBOX_LOG_LEVEL"
	EnvAddress         = "ALERTBOX_ADDRESS"
	EnvRelayListenAddr = "ALERTBOX_RELAY_LISTEN_ADDR"
)

var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

type Config struct {
	LogLevel string
	Client   Client
	Relay    Relay
}

type Client struct {
	Address        string
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxBufferBytes int
	Username       string
	DevMode        bool
	APIListenAddr  string
	WSListenAddr   string
}

type Relay struct {
	ListenAddr string
	// MaxPeers of zero means no limit.
	MaxPeers int
}

type fileConfig struct {
	LogLevel string           `toml:"log_level"`
	Client   clientFileConfig `toml:"client"`
	Relay    relayFileConfig  `toml:"relay"`
}

type clientFileConfig struct {
	Address        string `toml:"address"`
	DialTimeout    string `toml:"dial_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	MaxBufferBytes int    `toml:"max_buffer_bytes"`
	Username       string `toml:"username"`
	DevMode        bool   `toml:"dev_mode"`
	APIListenAddr  string `toml:"api_listen_addr"`
	WSListenAddr   string `toml:"ws_listen_addr"`
}

type relayFileConfig struct {
	ListenAddr string `toml:"listen_addr"`
	MaxPeers   int    `toml:"max_peers"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Client: Client{
			Address:        "10.32.73.31:12345",
			DialTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			MaxBufferBytes: 1 << 20,
			APIListenAddr:  ":8080",
			WSListenAddr:   ":8888",
		},
		Relay: Relay{
			ListenAddr: ":12345",
		},
	}
}

// Load returns the defaults overlaid with the file at path (skipped when path is
// empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("client", "address") {
		cfg.Client.Address = strings.TrimSpace(raw.Client.Address)
	}
	if meta.IsDefined("client", "dial_timeout") {
		if cfg.Client.DialTimeout, err = parseDuration("dial_timeout", raw.Client.DialTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("client", "write_timeout") {
		if cfg.Client.WriteTimeout, err = parseDuration("write_timeout", raw.Client.WriteTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("client", "max_buffer_bytes") {
		cfg.Client.MaxBufferBytes = raw.Client.MaxBufferBytes
	}
	if meta.IsDefined("client", "username") {
		cfg.Client.Username = strings.TrimSpace(raw.Client.Username)
	}
	if meta.IsDefined("client", "dev_mode") {
		cfg.Client.DevMode = raw.Client.DevMode
	}
	if meta.IsDefined("client", "api_listen_addr") {
		cfg.Client.APIListenAddr = strings.TrimSpace(raw.Client.APIListenAddr)
	}
	if meta.IsDefined("client", "ws_listen_addr") {
		cfg.Client.WSListenAddr = strings.TrimSpace(raw.Client.WSListenAddr)
	}

	if meta.IsDefined("relay", "listen_addr") {
		cfg.Relay.ListenAddr = strings.TrimSpace(raw.Relay.ListenAddr)
	}
	if meta.IsDefined("relay", "max_peers") {
		cfg.Relay.MaxPeers = raw.Relay.MaxPeers
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAddress); ok && strings.TrimSpace(v) != "" {
		cfg.Client.Address = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvRelayListenAddr); ok && strings.TrimSpace(v) != "" {
		cfg.Relay.ListenAddr = strings.TrimSpace(v)
	}
}

func (cfg *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if cfg.Client.Address == "" {
		errs = append(errs, errors.New("client.address is empty"))
	}
	if cfg.Client.DialTimeout <= 0 {
		errs = append(errs, errors.New("client.dial_timeout must be positive"))
	}
	if cfg.Client.WriteTimeout <= 0 {
		errs = append(errs, errors.New("client.write_timeout must be positive"))
	}
	if cfg.Client.MaxBufferBytes <= 0 {
		errs = append(errs, errors.New("client.max_buffer_bytes must be positive"))
	}
	if cfg.Relay.ListenAddr == "" {
		errs = append(errs, errors.New("relay.listen_addr is empty"))
	}
	if cfg.Relay.MaxPeers < 0 {
		errs = append(errs, errors.New("relay.max_peers must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, key, err)
	}
	return d, nil
}
