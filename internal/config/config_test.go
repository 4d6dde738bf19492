// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/schultz-is/rcon-session"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, "utf-8", cfg.Encoding)
	require.Error(t, cfg.Validate(), "defaults have no host")

	cfg.Host = "localhost"
	require.NoError(t, cfg.Validate())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "server.toml", `
host = "game.example.com"
port = 25575
password = "hunter2"
encoding = "windows-1252"
timeout = "3s"
strict_correlation = true

[ssh]
gateway = "admin@bastion:2222"
key = "/home/admin/.ssh/id_ed25519"
strict_host_key = true
`)

	cfg := Default()
	require.NoError(t, Load(path, &cfg))
	require.Equal(t, Config{
		Host:              "game.example.com",
		Port:              25575,
		Password:          "hunter2",
		Encoding:          "windows-1252",
		Timeout:           "3s",
		StrictCorrelation: true,
		SSH: SSHConfig{
			Gateway:       "admin@bastion:2222",
			KeyPath:       "/home/admin/.ssh/id_ed25519",
			StrictHostKey: true,
		},
	}, cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	path := writeFile(t, "server.yml", "host: game.example.com\nssh:\n  agent: true\n")

	cfg := Default()
	require.NoError(t, Load(path, &cfg))
	require.Equal(t, "game.example.com", cfg.Host)
	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, "utf-8", cfg.Encoding)
	require.True(t, cfg.SSH.UseAgent)
}

func TestLoadErrors(t *testing.T) {
	cfg := Default()
	require.Error(t, Load(filepath.Join(t.TempDir(), "missing.toml"), &cfg))
	require.Error(t, Load(writeFile(t, "bad.toml", "host = "), &cfg))
	require.Error(t, Load(writeFile(t, "bad.yaml", "host: [unterminated"), &cfg))
}

func TestLoadFromEnv(t *testing.T) {
	vars := map[string]string{
		"RCON_HOST":               "env.example.com",
		"RCON_PORT":               "27016",
		"RCON_PASSWORD":           "from-env",
		"RCON_ENCODING":           "iso-8859-1",
		"RCON_TIMEOUT":            "250ms",
		"RCON_STRICT_CORRELATION": "yes",
		"RCON_SSH_GATEWAY":        "bastion",
	}
	getenv := func(k string) string { return vars[k] }

	cfg := Default()
	cfg.Host = "file.example.com"
	require.NoError(t, LoadFromEnv(&cfg, getenv))
	require.Equal(t, "env.example.com", cfg.Host)
	require.Equal(t, 27016, cfg.Port)
	require.Equal(t, "from-env", cfg.Password)
	require.Equal(t, "iso-8859-1", cfg.Encoding)
	require.Equal(t, "250ms", cfg.Timeout)
	require.True(t, cfg.StrictCorrelation)
	require.Equal(t, "bastion", cfg.SSH.Gateway)

	unset := Default()
	require.NoError(t, LoadFromEnv(&unset, func(string) string { return "" }))
	require.Equal(t, Default(), unset)

	vars = map[string]string{"RCON_PORT": "lots"}
	require.Error(t, LoadFromEnv(&cfg, getenv))

	vars = map[string]string{"RCON_STRICT_CORRELATION": "maybe"}
	require.Error(t, LoadFromEnv(&cfg, getenv))
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Host = "localhost"

	cases := map[string]func(*Config){
		"blank host":       func(c *Config) { c.Host = "  " },
		"port too low":     func(c *Config) { c.Port = 0 },
		"port too high":    func(c *Config) { c.Port = 65536 },
		"unknown encoding": func(c *Config) { c.Encoding = "klingon-8" },
		"bad timeout":      func(c *Config) { c.Timeout = "soon" },
		"negative timeout": func(c *Config) { c.Timeout = "-1s" },
		"bad ssh gateway":  func(c *Config) { c.SSH.Gateway = "admin@" },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestClientConfig(t *testing.T) {
	cfg := Default()
	cfg.Host = "localhost"
	cfg.Encoding = "windows-1252"
	cfg.Timeout = "2s"
	cfg.StrictCorrelation = true
	cfg.LogPackets = true

	cc, err := cfg.ClientConfig()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cc.Timeout)
	require.Equal(t, charmap.Windows1252, cc.Encoding)
	require.True(t, cc.StrictCorrelation)
	require.True(t, cc.LogOutboundAuthPackets)

	cfg.Encoding = "klingon-8"
	_, err = cfg.ClientConfig()
	require.True(t, errors.Is(err, rcon.ErrConfiguration))
}
