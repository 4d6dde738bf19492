// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package sshdial reaches RCON servers that are only listening on a private network by forwarding
// the connection through an SSH jump host.
package sshdial

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// DefaultPort is the SSH port used when a gateway spec omits one.
const DefaultPort = 22

// DefaultTimeout bounds the SSH handshake when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config holds everything needed to reach an SSH gateway.
type Config struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	UseAgent      bool
	PromptPass    bool
	StrictHostKey bool
	KnownHosts    string
	Timeout       time.Duration

	// Prompt reads a secret from the user without echo. Nil uses the terminal on stdin.
	Prompt func(prompt string) ([]byte, error)
}

// ParseSpec parses a gateway in the form [user@]host[:port]. IPv6 hosts must be bracketed.
func ParseSpec(spec string) (Config, error) {
	var cfg Config

	spec = strings.TrimSpace(spec)
	if spec == "" {
		return cfg, errors.New("empty gateway")
	}

	if i := strings.LastIndex(spec, "@"); i >= 0 {
		cfg.User = spec[:i]
		spec = spec[i+1:]
		if cfg.User == "" {
			return cfg, errors.New("empty user in gateway")
		}
	}

	cfg.Host = spec
	cfg.Port = DefaultPort
	if host, port, err := net.SplitHostPort(spec); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return cfg, errors.Errorf("invalid gateway port %q", port)
		}
		cfg.Host, cfg.Port = host, n
	}
	cfg.Host = strings.TrimSuffix(strings.TrimPrefix(cfg.Host, "["), "]")
	if cfg.Host == "" {
		return cfg, errors.New("empty host in gateway")
	}
	return cfg, nil
}

// Dialer satisfies the rcon client's dialer contract by opening connections from the far side of
// an SSH gateway. The gateway connection is established lazily on the first DialContext and shared
// by every connection dialed afterwards.
type Dialer struct {
	config Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewDialer returns a [Dialer] for cfg. Nothing is dialed until [Dialer.DialContext]. An empty
// user falls back to $USER.
func NewDialer(cfg Config) *Dialer {
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dialer{config: cfg}
}

// DialContext connects to address as seen from the gateway. Only TCP networks are supported.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "ssh tunnel dial %s", address)
	}
	return conn, nil
}

// Close tears down the gateway connection, if one was made.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *Dialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	auth, err := AuthMethods(d.config)
	if err != nil {
		return nil, errors.Wrap(err, "ssh auth")
	}
	hostKey, err := HostKeyCallback(d.config)
	if err != nil {
		return nil, errors.Wrap(err, "ssh host key")
	}

	sshCfg := &ssh.ClientConfig{
		User:            d.config.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.config.Timeout,
	}

	addr := net.JoinHostPort(d.config.Host, strconv.Itoa(d.config.Port))
	var nd net.Dialer
	tcpConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "ssh dial %s", addr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		_ = tcpConn.Close()
		return nil, errors.Wrapf(err, "ssh handshake %s", addr)
	}

	d.client = ssh.NewClient(sshConn, chans, reqs)
	return d.client, nil
}
