// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
)

// State is the negotiation state of a [Client].
type State int32

const (
	// StateDisconnected means the client holds no authenticated session. A connection may still be
	// held after a rejected authorization until [Client.Disconnect] releases it.
	StateDisconnected State = iota

	// StateAuthenticating means a [Client.Connect] call is in progress.
	StateAuthenticating

	// StateReady means the server accepted the password and commands may be executed.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// aLongTimeAgo is a non-zero time in the past, used to abort blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Client is an RCON session: it owns a single connection to an RCON server, drives the
// authorization handshake, and executes commands over it.
//
// All operations that touch the connection are serialized under one mutex, so at most one request
// and response exchange is ever in flight. Clients are safe for concurrent use, but should likely
// be pooled to avoid contention in high-throughput scenarios.
//
// A correlation ID is drawn once per successful [Client.Connect] and reused for every command on
// that connection. Replies to commands are not checked against it unless
// [ClientConfig.StrictCorrelation] is set.
//
// RCON does not specify any keep alive functionality, so a client may return an EOF or similar
// error when idle for an extended period.
type Client struct {
	// mu controls access to conn, id and seq, and is held for the whole of every exchange.
	mu sync.Mutex

	// conn is the underlying connection RCON messages are sent and received over. It is nil when no
	// connection is held.
	conn net.Conn

	// id is the correlation ID drawn for the current connection.
	id int32

	// seq is the last ID handed out to a command when strict correlation is enabled.
	seq int32

	// state is read without holding mu so it can be observed while an exchange is running.
	state atomic.Int32

	encMu sync.RWMutex
	enc   encoding.Encoding

	dialer        Dialer
	timeout       time.Duration
	maxBodyLength int32
	strict        bool
	idSource      func() int32

	// logger receives any log output from a client.
	logger *slog.Logger

	// logOutboundAuthPackets enables debug logging of outbound authorization request packets,
	// exposing server passwords in plaintext. See [ClientConfig.LogOutboundAuthPackets].
	logOutboundAuthPackets bool
}

// NewClient creates a disconnected [Client] configured by the provided config.
func NewClient(config ClientConfig) *Client {
	c := &Client{
		dialer:                 config.Dialer,
		timeout:                config.Timeout,
		maxBodyLength:          config.MaxResponseSize,
		strict:                 config.StrictCorrelation,
		idSource:               config.IDSource,
		logger:                 config.Logger,
		logOutboundAuthPackets: config.LogOutboundAuthPackets,
	}
	if c.dialer == nil {
		c.dialer = defaultDialer
	}
	if c.idSource == nil {
		c.idSource = randomID
	}
	c.SetEncoding(config.Encoding)
	return c
}

// Dial creates a [Client] and connects it to host:port with the provided password. On any failure
// the connection is released and a nil client is returned.
func Dial(ctx context.Context, host string, port int, password []byte, config ClientConfig) (*Client, error) {
	c := NewClient(config)
	if err := c.Connect(ctx, host, port, password); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	return c, nil
}

// Connect opens a connection to host:port and authorizes it with password. Any connection already
// held by the client is closed first.
//
// Invalid arguments are reported as a [KindConfiguration] error before any network activity.
// A rejected password yields [ErrAuthRejected] and a reply for a different ID yields
// [ErrProtocolMismatch]; in both cases the client is left disconnected but still holds the
// connection, which [Client.Disconnect] releases.
func (c *Client) Connect(ctx context.Context, host string, port int, password []byte) error {
	if strings.TrimSpace(host) == "" {
		return configError("connect", "host must not be empty")
	}
	if port < 1 || port > math.MaxUint16 {
		return configError("connect", "port %d is out of range [1, %d]", port, math.MaxUint16)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log(ctx, slog.LevelDebug, "failed to close previous connection", slog.String("error", err.Error()))
		}
		c.conn = nil
	}

	c.id = c.drawID()
	c.seq = c.id
	c.setState(StateAuthenticating)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(StateDisconnected)
		return newError(KindTransport, "connect", errors.Wrapf(err, "dial %s", addr))
	}
	c.conn = conn

	release := c.bindContext(ctx)
	defer release()

	err = c.send(ctx, "connect", Packet{ID: c.id, Type: PacketTypeAuth, Body: password})
	if err != nil {
		return err
	}

	// Servers acknowledge an authorization request with an empty packet before the real reply.
	if _, err := c.receive(ctx, "connect"); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	resp, err := c.receive(ctx, "connect")
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	switch resp.ID {
	case c.id:
		c.setState(StateReady)
		c.log(ctx, slog.LevelDebug, "authorized", slog.String("addr", addr), slog.Int("id", int(c.id)))
		return nil

	case -1:
		c.setState(StateDisconnected)
		c.log(ctx, slog.LevelWarn, "authorization rejected", slog.String("addr", addr))
		return newError(KindAuthRejected, "connect", errors.New("password rejected by server"))

	default:
		c.setState(StateDisconnected)
		c.log(ctx, slog.LevelWarn, "authorization reply ID mismatch", slog.String("addr", addr), slog.Int("want", int(c.id)), slog.Int("got", int(resp.ID)))
		return newError(KindProtocolMismatch, "connect", errors.Errorf("reply ID %d does not match request ID %d", resp.ID, c.id))
	}
}

// Disconnect closes the connection held by the client, if any, and leaves it disconnected. It is
// safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(StateDisconnected)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return newError(KindTransport, "disconnect", err)
	}
	return nil
}

// Close is an alias for [Client.Disconnect] that satisfies [io.Closer].
func (c *Client) Close() error {
	return c.Disconnect()
}

// Command executes text on the server and returns the reply decoded with the client's text
// encoding. Only a single reply packet is read, so output the server splits across several packets
// is truncated to the first.
func (c *Client) Command(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", configError("command", "command must not be empty")
	}
	enc := c.Encoding()
	body, err := encodeText(enc, text)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.State() != StateReady {
		return "", newError(KindTransport, "command", ErrNotConnected)
	}

	release := c.bindContext(ctx)
	defer release()

	id := c.id
	if c.strict {
		id = c.nextSeq()
	}
	if err := c.send(ctx, "command", Packet{ID: id, Type: PacketTypeExecCommand, Body: body}); err != nil {
		return "", err
	}
	resp, err := c.receive(ctx, "command")
	if err != nil {
		return "", err
	}
	if c.strict && resp.ID != id {
		return "", newError(KindProtocolMismatch, "command", errors.Errorf("reply ID %d does not match request ID %d", resp.ID, id))
	}

	return decodeText(enc, resp.Body), nil
}

// SetEncoding changes the text encoding used for subsequent commands and replies. A nil enc
// restores [DefaultEncoding].
func (c *Client) SetEncoding(enc encoding.Encoding) {
	if enc == nil {
		enc = DefaultEncoding
	}
	c.encMu.Lock()
	c.enc = enc
	c.encMu.Unlock()
}

// Encoding returns the text encoding used for commands and replies.
func (c *Client) Encoding() encoding.Encoding {
	c.encMu.RLock()
	defer c.encMu.RUnlock()
	return c.enc
}

// State returns the current negotiation state without waiting for an exchange in progress.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ID returns the correlation ID drawn by the most recent [Client.Connect].
func (c *Client) ID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// send writes p to the connection. A failed write closes the connection, since the peer may have
// seen a partial frame.
func (c *Client) send(ctx context.Context, op string, p Packet) error {
	bs, err := p.MarshalBinary()
	if err != nil {
		return err
	}

	c.logPacket(ctx, "sending packet", p)
	if _, err := c.conn.Write(bs); err != nil {
		c.drop()
		return c.ioError(ctx, op, KindTransport, errors.Wrap(err, "write"))
	}
	return nil
}

// receive reads exactly one packet from the connection. A transport failure drops the connection:
// after a timeout or cancellation the server may still deliver the abandoned reply, and it must
// not be taken as the answer to a later request.
func (c *Client) receive(ctx context.Context, op string) (Packet, error) {
	p, err := ReadPacket(c.conn, c.maxBodyLength)
	if err != nil {
		kind, cause := KindTransport, err
		var e *Error
		if errors.As(err, &e) {
			kind, cause = e.Kind, e.Err
		}
		ioErr := c.ioError(ctx, op, kind, cause)
		if ioErr.Kind == KindTransport {
			c.drop()
		}
		return Packet{}, ioErr
	}
	c.logPacket(ctx, "received packet", p)
	return p, nil
}

// drop closes the connection and leaves the client disconnected.
func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(StateDisconnected)
}

// ioError builds the error for a failed exchange. Failures caused by ctx ending are always
// transport errors that wrap both the context's error and the I/O failure.
func (c *Client) ioError(ctx context.Context, op string, kind Kind, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(KindTransport, op, fmt.Errorf("%w: %w", ctxErr, err))
	}
	return newError(kind, op, err)
}

// bindContext applies the client timeout and the deadline of ctx to the connection, and arranges
// for cancellation of ctx to abort blocked I/O. The returned function undoes both and must be
// called before mu is released.
func (c *Client) bindContext(ctx context.Context) func() {
	conn := c.conn

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		c.log(ctx, slog.LevelDebug, "connection does not support deadlines", slog.String("error", err.Error()))
	}

	expired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(expired)
		_ = conn.SetDeadline(aLongTimeAgo)
	})

	return func() {
		if !stop() {
			<-expired
		}
		_ = conn.SetDeadline(time.Time{})
	}
}

// drawID returns a fresh correlation ID, never the -1 rejection sentinel.
func (c *Client) drawID() int32 {
	id := c.idSource()
	if id == -1 {
		id = 0
	}
	return id
}

// nextSeq returns the ID for the next command under strict correlation, wrapping around to zero
// when [math.MaxInt32] is reached so the sentinel is never produced.
func (c *Client) nextSeq() int32 {
	if c.seq < 0 || c.seq == math.MaxInt32 {
		c.seq = 0
	} else {
		c.seq++
	}
	return c.seq
}

func randomID() int32 {
	return int32(rand.Uint32())
}

func (c *Client) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if c.logger == nil {
		return
	}
	c.logger.LogAttrs(ctx, level, msg, attrs...)
}

// logPacket sends a log record containing the provided log message and packet to the client's
// logger for handling. When the logger is nil or is not level set for debug records, this function
// is essentially a NOP. If the provided packet is an outbound authorization packet, its body and
// length are obfuscated to prevent leaking a plaintext password into logs.
func (c *Client) logPacket(ctx context.Context, logMsg string, packet Packet) {
	if c.logger == nil || !c.logger.Handler().Enabled(ctx, slog.LevelDebug) {
		return
	}

	if packet.Type == PacketTypeAuth && !c.logOutboundAuthPackets {
		packet.Body = []byte{'x', 'x', 'x', 'x', 'x'}
	}

	bs, err := packet.MarshalBinary()
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelError, "failed to marshal packet for logging", slog.String("error", err.Error()))
		return
	}

	c.logger.LogAttrs(ctx, slog.LevelDebug, logMsg, slog.String("packet", hex.EncodeToString(bs)))
}

// ClientConfig contains settings to control [Client] instances. The zero value is usable.
type ClientConfig struct {
	// Dialer opens connections. A nil Dialer uses a zero [net.Dialer].
	Dialer Dialer

	// Timeout bounds each exchange, the full authorization handshake or a single command round
	// trip. Expiry is reported as a [KindTransport] error. Zero means no limit beyond any deadline
	// carried by the context.
	Timeout time.Duration

	// Encoding is the text encoding for commands and replies. Nil means [DefaultEncoding].
	Encoding encoding.Encoding

	// MaxResponseSize rejects reply frames whose declared body length exceeds it, before the
	// payload is read. Zero means no limit.
	MaxResponseSize int32

	// StrictCorrelation gives every command a fresh ID and checks it against the reply, reporting
	// a mismatch as [ErrProtocolMismatch]. By default all commands reuse the connection's ID and
	// replies are not checked, which is what some servers expect.
	StrictCorrelation bool

	// IDSource draws the correlation ID for each connection. Nil means a pseudo-random source.
	IDSource func() int32

	// Logger receives log entries from a client.
	Logger *slog.Logger

	// LogOutboundAuthPackets is a flag that must be explicitly enabled when the client is created.
	// This field enables debug logging to include outbound authorization request packets, exposing
	// server passwords in plaintext. When this field is false (the default value,) outbound
	// authorization packets will be sanitized to hide both the password text and packet length.
	//
	// WARNING: Only enable this flag if you are aware of the implications and are willing to accept
	// the risks!
	LogOutboundAuthPackets bool
}
