// Package config loads trenches settings from defaults, a TOML file,
// TRENCHES_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/omochice/trenches-chat/internal/observability"
	"github.com/omochice/trenches-chat/internal/session"
	"github.com/omochice/trenches-chat/internal/transport/sim"
	"github.com/omochice/trenches-chat/internal/transport/ws"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TRENCHES"

const (
	configName = "config"
	configType = "toml"
	configDir  = "trenches"
	fileMode   = 0o644
	dirMode    = 0o755
)

// Keys understood by Load.
const (
	KeyRelayURL         = "relay_url"
	KeyListen           = "listen"
	KeyRetryDelay       = "retry_delay"
	KeyFallbackDelay    = "fallback_delay"
	KeyRetryThreshold   = "retry_threshold"
	KeyHandshakeTimeout = "handshake_timeout"
	KeyEchoDelay        = "echo_delay"
	KeyGhostProbability = "ghost_probability"
	KeyLogLevel         = "log_level"
	KeyLogFile          = "log_file"
)

// ErrExists is returned by WriteDefault when the target file already exists.
var ErrExists = errors.New("config file already exists")

// Config is the resolved configuration.
type Config struct {
	RelayURL         string        `mapstructure:"relay_url"`
	Listen           string        `mapstructure:"listen"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	FallbackDelay    time.Duration `mapstructure:"fallback_delay"`
	RetryThreshold   int           `mapstructure:"retry_threshold"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	EchoDelay        time.Duration `mapstructure:"echo_delay"`
	GhostProbability float64       `mapstructure:"ghost_probability"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFile          string        `mapstructure:"log_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := session.DefaultConfig()
	dc := sim.DefaultConfig()
	return Config{
		RelayURL:         sc.RelayURL,
		Listen:           ":8080",
		RetryDelay:       sc.RetryDelay,
		FallbackDelay:    sc.FallbackDelay,
		RetryThreshold:   sc.RetryThreshold,
		HandshakeTimeout: ws.DefaultHandshakeTimeout,
		EchoDelay:        dc.EchoDelay,
		GhostProbability: dc.GhostProbability,
		LogLevel:         "info",
		LogFile:          "",
	}
}

// SetDefaults registers the defaults on v. Keys must be known to v for
// environment variables to be picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyRelayURL, d.RelayURL)
	v.SetDefault(KeyListen, d.Listen)
	v.SetDefault(KeyRetryDelay, d.RetryDelay)
	v.SetDefault(KeyFallbackDelay, d.FallbackDelay)
	v.SetDefault(KeyRetryThreshold, d.RetryThreshold)
	v.SetDefault(KeyHandshakeTimeout, d.HandshakeTimeout)
	v.SetDefault(KeyEchoDelay, d.EchoDelay)
	v.SetDefault(KeyGhostProbability, d.GhostProbability)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFile, d.LogFile)
}

// Load resolves the configuration held by v. path names an explicit config
// file that must exist; when empty, the default location is searched and a
// missing file is not an error. Flags should be bound to v before calling.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetConfigType(configType)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, configDir))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", KeyRelayURL, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid %s %q: want ws://host or wss://host", KeyRelayURL, c.RelayURL)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("invalid %s %s: must be positive", KeyRetryDelay, c.RetryDelay)
	}
	if c.FallbackDelay <= 0 {
		return fmt.Errorf("invalid %s %s: must be positive", KeyFallbackDelay, c.FallbackDelay)
	}
	if c.RetryThreshold < 0 {
		return fmt.Errorf("invalid %s %d: must not be negative", KeyRetryThreshold, c.RetryThreshold)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("invalid %s %s: must be positive", KeyHandshakeTimeout, c.HandshakeTimeout)
	}
	if c.EchoDelay < 0 {
		return fmt.Errorf("invalid %s %s: must not be negative", KeyEchoDelay, c.EchoDelay)
	}
	if c.GhostProbability < 0 || c.GhostProbability > 1 {
		return fmt.Errorf("invalid %s %v: must be between 0 and 1", KeyGhostProbability, c.GhostProbability)
	}
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
	}
	return nil
}

// Session returns the lifecycle settings.
func (c Config) Session() session.Config {
	return session.Config{
		RelayURL:       c.RelayURL,
		RetryDelay:     c.RetryDelay,
		FallbackDelay:  c.FallbackDelay,
		RetryThreshold: c.RetryThreshold,
	}
}

// Sim returns the demo transport settings.
func (c Config) Sim() sim.Config {
	sc := sim.DefaultConfig()
	sc.EchoDelay = c.EchoDelay
	sc.GhostProbability = c.GhostProbability
	return sc
}

// DefaultPath returns the config file searched by Load when no path is given.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(dir, configDir, configName+"."+configType), nil
}

// file is the on-disk layout. Durations are written in time.Duration syntax.
type file struct {
	RelayURL         string  `toml:"relay_url" comment:"WebSocket address of the chat relay"`
	Listen           string  `toml:"listen" comment:"Address the relay command listens on"`
	RetryDelay       string  `toml:"retry_delay" comment:"Pause before reconnecting"`
	FallbackDelay    string  `toml:"fallback_delay" comment:"Pause before demo mode when the relay address is unusable"`
	RetryThreshold   int     `toml:"retry_threshold" comment:"Failures tolerated before switching to demo mode"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	EchoDelay        string  `toml:"echo_delay" comment:"Demo mode echo delay"`
	GhostProbability float64 `toml:"ghost_probability" comment:"Chance of a made-up reply per message in demo mode"`
	LogLevel         string  `toml:"log_level"`
	LogFile          string  `toml:"log_file" comment:"Chat logs go here; empty disables them"`
}

// Marshal renders c as TOML.
func Marshal(c Config) ([]byte, error) {
	data, err := toml.Marshal(file{
		RelayURL:         c.RelayURL,
		Listen:           c.Listen,
		RetryDelay:       c.RetryDelay.String(),
		FallbackDelay:    c.FallbackDelay.String(),
		RetryThreshold:   c.RetryThreshold,
		HandshakeTimeout: c.HandshakeTimeout.String(),
		EchoDelay:        c.EchoDelay.String(),
		GhostProbability: c.GhostProbability,
		LogLevel:         c.LogLevel,
		LogFile:          c.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// WriteDefault writes the default configuration to path, creating its
// directory. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config file: %w", err)
	}

	data, err := Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
