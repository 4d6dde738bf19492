// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Command rcon runs commands on a Source RCON server.
//
//	rcon -H game.example.com -p secret status
//	rcon -c server.toml            # interactive console
//	rcon -J admin@bastion -H 10.0.0.5 -p secret "say hello"
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/schultz-is/rcon-session"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.2.0"
var version = "dev" //nolint:gochecknoglobals

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := stdio{
		in:      os.Stdin,
		out:     os.Stdout,
		err:     os.Stderr,
		getenv:  os.Getenv,
		prompt:  terminalPrompt,
		console: term.IsTerminal(int(os.Stdin.Fd())),
	}

	err := run(ctx, os.Args[1:], env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rcon: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// stdio is the process environment run operates in.
type stdio struct {
	in     io.Reader
	out    io.Writer
	err    io.Writer
	getenv func(string) string

	// prompt reads a secret without echo; nil disables prompting.
	prompt func(msg string) ([]byte, error)

	// console is set when in is an interactive terminal.
	console bool
}

func terminalPrompt(msg string) ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, nil
	}
	fmt.Fprint(os.Stderr, msg)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(int(os.Stdin.Fd()))
}

// exitCode maps errors onto distinct process exit statuses so scripts can tell a wrong password
// from an unreachable server.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch rcon.KindOf(err) {
	case rcon.KindConfiguration:
		return 2
	case rcon.KindAuthRejected:
		return 3
	case rcon.KindTransport:
		return 4
	case rcon.KindMalformedFrame, rcon.KindProtocolMismatch:
		return 5
	}
	return 1
}
