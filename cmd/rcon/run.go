// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/schultz-is/rcon-session"
	"github.com/schultz-is/rcon-session/internal/config"
	"github.com/schultz-is/rcon-session/internal/logging"
	"github.com/schultz-is/rcon-session/internal/sshdial"
)

// errHelp signals that usage or version output was requested and nothing else should happen.
var errHelp = errors.New("help requested")

// run parses args, connects, and executes each positional argument as a command. Without
// positional arguments commands are read line by line from env.in.
func run(ctx context.Context, args []string, env stdio) error {
	cfg, verbose, commands, err := parseArgs(args, env)
	if err != nil {
		if errors.Is(err, errHelp) {
			return nil
		}
		return &rcon.Error{Kind: rcon.KindConfiguration, Op: "config", Err: err}
	}

	logger := logging.New(env.err, verbose)

	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return &rcon.Error{Kind: rcon.KindConfiguration, Op: "config", Err: err}
	}
	clientCfg.Logger = logger

	if cfg.SSH.Gateway != "" {
		d, err := newSSHDialer(cfg.SSH, env)
		if err != nil {
			return &rcon.Error{Kind: rcon.KindConfiguration, Op: "ssh", Err: err}
		}
		defer d.Close()
		clientCfg.Dialer = d
	}

	password := cfg.Password
	if password == "" && env.prompt != nil {
		p, err := env.prompt(fmt.Sprintf("RCON password for %s: ", cfg.Host))
		if err != nil {
			return &rcon.Error{Kind: rcon.KindConfiguration, Op: "password", Err: err}
		}
		password = string(p)
	}

	c, err := rcon.Dial(ctx, cfg.Host, cfg.Port, []byte(password), clientCfg)
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Info("connected", "host", cfg.Host, "port", cfg.Port)

	if len(commands) > 0 {
		for _, cmd := range commands {
			if err := execute(ctx, c, env, cmd); err != nil {
				return err
			}
		}
		return nil
	}
	return console(ctx, c, env)
}

// console reads commands from env.in until EOF. Blank lines are skipped.
func console(ctx context.Context, c *rcon.Client, env stdio) error {
	scanner := bufio.NewScanner(env.in)
	for {
		if env.console {
			fmt.Fprint(env.out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := execute(ctx, c, env, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading commands")
	}
	return nil
}

func execute(ctx context.Context, c *rcon.Client, env stdio, cmd string) error {
	resp, err := c.Command(ctx, cmd)
	if err != nil {
		return err
	}
	if resp == "" {
		return nil
	}
	if !strings.HasSuffix(resp, "\n") {
		resp += "\n"
	}
	_, err = fmt.Fprint(env.out, resp)
	return err
}

func newSSHDialer(cfg config.SSHConfig, env stdio) (*sshdial.Dialer, error) {
	spec, err := sshdial.ParseSpec(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	spec.KeyPath = cfg.KeyPath
	spec.UseAgent = cfg.UseAgent
	spec.PromptPass = cfg.Password
	spec.StrictHostKey = cfg.StrictHostKey
	spec.KnownHosts = cfg.KnownHosts
	spec.Prompt = env.prompt
	return sshdial.NewDialer(spec), nil
}

// parseArgs resolves the configuration from defaults, an optional profile file, the environment
// and flags, in increasing order of precedence.
func parseArgs(args []string, env stdio) (config.Config, int, []string, error) {
	cfg := config.Default()
	fs := flag.NewFlagSet("rcon", flag.ContinueOnError)
	fs.SetOutput(env.err)

	var (
		path     string
		host     string
		port     int
		password string
		encoding string
		timeout  time.Duration
		strict   bool
		logPkts  bool
		sshCfg   config.SSHConfig
		verbose  int
		showVer  bool
	)

	// ── connection ───────────────────────────────────────────────
	fs.StringVarP(&path, "config", "c", "", "TOML or YAML profile file")
	fs.StringVarP(&host, "host", "H", "", "Server host")
	fs.IntVarP(&port, "port", "P", config.DefaultPort, "Server RCON port")
	fs.StringVarP(&password, "password", "p", "", "RCON password (prompted for when empty)")
	fs.StringVarP(&encoding, "encoding", "e", "utf-8", "Text encoding of commands and replies")
	fs.DurationVarP(&timeout, "timeout", "t", 0, "Limit on each exchange, e.g. 10s (0 for none)")
	fs.BoolVar(&strict, "strict-correlation", false, "Use a fresh ID per command and verify replies")

	// ── SSH jump host ────────────────────────────────────────────
	fs.StringVarP(&sshCfg.Gateway, "ssh", "J", "", "Reach the server through [user@]host[:port]")
	fs.StringVar(&sshCfg.KeyPath, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&sshCfg.UseAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&sshCfg.Password, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&sshCfg.StrictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&sshCfg.KnownHosts, "known-hosts", "", "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&logPkts, "log-auth-packets", false, "Include the password in debug packet dumps")
	fs.BoolVar(&showVer, "version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(env.err, "Usage: rcon [options] [command ...]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, 0, nil, errHelp
		}
		return cfg, 0, nil, err
	}
	if showVer {
		fmt.Fprintf(env.out, "rcon %s\n", version)
		return cfg, 0, nil, errHelp
	}

	if path == "" {
		path = env.getenv("RCON_CONFIG")
	}
	if path != "" {
		if err := config.Load(path, &cfg); err != nil {
			return cfg, 0, nil, err
		}
	}
	if err := config.LoadFromEnv(&cfg, env.getenv); err != nil {
		return cfg, 0, nil, err
	}

	changed := fs.Changed
	if changed("host") {
		cfg.Host = host
	}
	if changed("port") {
		cfg.Port = port
	}
	if changed("password") {
		cfg.Password = password
	}
	if changed("encoding") {
		cfg.Encoding = encoding
	}
	if changed("timeout") {
		cfg.Timeout = timeout.String()
	}
	if changed("strict-correlation") {
		cfg.StrictCorrelation = strict
	}
	if changed("log-auth-packets") {
		cfg.LogPackets = logPkts
	}
	if changed("ssh") {
		cfg.SSH.Gateway = sshCfg.Gateway
	}
	if changed("ssh-key") {
		cfg.SSH.KeyPath = sshCfg.KeyPath
	}
	if changed("ssh-agent") {
		cfg.SSH.UseAgent = sshCfg.UseAgent
	}
	if changed("ssh-password") {
		cfg.SSH.Password = sshCfg.Password
	}
	if changed("strict-hostkey") {
		cfg.SSH.StrictHostKey = sshCfg.StrictHostKey
	}
	if changed("known-hosts") {
		cfg.SSH.KnownHosts = sshCfg.KnownHosts
	}

	if err := cfg.Validate(); err != nil {
		return cfg, 0, nil, err
	}
	return cfg, verbose, fs.Args(), nil
}
