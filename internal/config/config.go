// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package config holds the settings of the rcon command line tool.
//
// Precedence order (highest wins):
//  1. command line flags
//  2. RCON_* environment variables
//  3. a TOML or YAML profile file
//  4. defaults
package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/schultz-is/rcon-session"
	"github.com/schultz-is/rcon-session/internal/sshdial"
)

// DefaultPort is the conventional Source RCON port.
const DefaultPort = 27015

// Config is one connection profile.
type Config struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	Password string `toml:"password" yaml:"password"`

	// Encoding is a WHATWG encoding label, "utf-8" by default.
	Encoding string `toml:"encoding" yaml:"encoding"`

	// Timeout is a Go duration string bounding each exchange. Empty means no limit.
	Timeout string `toml:"timeout" yaml:"timeout"`

	StrictCorrelation bool `toml:"strict_correlation" yaml:"strict_correlation"`

	// LogPackets dumps every packet at debug level, authorization packets included.
	LogPackets bool `toml:"log_packets" yaml:"log_packets"`

	SSH SSHConfig `toml:"ssh" yaml:"ssh"`
}

// SSHConfig routes the RCON connection through an SSH jump host when Gateway is set.
type SSHConfig struct {
	// Gateway is [user@]host[:port].
	Gateway       string `toml:"gateway" yaml:"gateway"`
	KeyPath       string `toml:"key" yaml:"key"`
	UseAgent      bool   `toml:"agent" yaml:"agent"`
	Password      bool   `toml:"password" yaml:"password"`
	StrictHostKey bool   `toml:"strict_host_key" yaml:"strict_host_key"`
	KnownHosts    string `toml:"known_hosts" yaml:"known_hosts"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Port:     DefaultPort,
		Encoding: "utf-8",
	}
}

// Load reads the profile at path on top of cfg. Files ending in .yaml or .yml are parsed as YAML,
// anything else as TOML.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config load failed (%s)", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		_, err = toml.Decode(string(data), cfg)
	}
	if err != nil {
		return errors.Wrapf(err, "config parse failed (%s)", path)
	}
	return nil
}

// LoadFromEnv overlays RCON_* environment variables onto cfg. Only non-empty variables override.
// Malformed numeric or boolean values are reported rather than ignored.
func LoadFromEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := getenv("RCON_HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("RCON_PORT"); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return errors.Wrap(err, "RCON_PORT")
		}
		cfg.Port = port
	}
	if v := getenv("RCON_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := getenv("RCON_ENCODING"); v != "" {
		cfg.Encoding = v
	}
	if v := getenv("RCON_TIMEOUT"); v != "" {
		cfg.Timeout = v
	}
	if v := getenv("RCON_STRICT_CORRELATION"); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return errors.Wrap(err, "RCON_STRICT_CORRELATION")
		}
		cfg.StrictCorrelation = b
	}
	if v := getenv("RCON_SSH_GATEWAY"); v != "" {
		cfg.SSH.Gateway = v
	}
	if v := getenv("RCON_SSH_KEY"); v != "" {
		cfg.SSH.KeyPath = v
	}
	return nil
}

// Validate checks cfg for values the client would reject, so mistakes are reported with the name
// of the setting that caused them.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Host) == "" {
		return errors.New("host is required")
	}
	if cfg.Port < 1 || cfg.Port > math.MaxUint16 {
		return errors.Errorf("port %d is out of range [1, %d]", cfg.Port, math.MaxUint16)
	}
	if _, err := rcon.EncodingByName(cfg.Encoding); err != nil {
		return errors.Wrap(err, "encoding")
	}
	if _, err := cfg.TimeoutDuration(); err != nil {
		return err
	}
	if cfg.SSH.Gateway != "" {
		if _, err := sshdial.ParseSpec(cfg.SSH.Gateway); err != nil {
			return errors.Wrap(err, "ssh gateway")
		}
	}
	return nil
}

// TimeoutDuration parses Timeout. An empty value is zero.
func (cfg Config) TimeoutDuration() (time.Duration, error) {
	if cfg.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return 0, errors.Wrap(err, "timeout")
	}
	if d < 0 {
		return 0, errors.Errorf("timeout %s is negative", d)
	}
	return d, nil
}

// ClientConfig translates cfg into the library configuration. Fields the CLI owns, such as the
// logger and dialer, are left for the caller.
func (cfg Config) ClientConfig() (rcon.ClientConfig, error) {
	enc, err := rcon.EncodingByName(cfg.Encoding)
	if err != nil {
		return rcon.ClientConfig{}, errors.Wrap(err, "encoding")
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return rcon.ClientConfig{}, err
	}
	return rcon.ClientConfig{
		Timeout:                timeout,
		Encoding:               enc,
		StrictCorrelation:      cfg.StrictCorrelation,
		LogOutboundAuthPackets: cfg.LogPackets,
	}, nil
}
