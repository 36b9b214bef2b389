// Package kv implements the QOP's KV client fleet: a reconnecting async
// client per connection (C1, spec.md §4.1) multiplexed across a control
// connection and K worker connections per endpoint (C2, spec.md §4.2).
package kv

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toha10/contrail-analytics/internal/config"
)

// State is a KV connection's lifecycle state (spec.md §3 Connection).
type State int32

const (
	StateDown State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "down"
	}
}

// ReplyFunc receives a command's reply (nil on transport failure or
// disconnect, exactly once per Send) along with the opaque value the
// caller passed to Send.
type ReplyFunc func(reply any, opaque any)

type pendingCmd struct {
	opaque any
	done   ReplyFunc
}

// Conn is one async KV connection: either the per-endpoint control
// connection (BRPOPLPUSH only, never assigned a pipeline) or a worker
// connection multiplexed across in-flight queries.
type Conn struct {
	endpoint  config.Endpoint
	password  string
	tlsCfg    config.TLSConfig
	isControl bool
	index     int // 0 for control, 1..K for workers

	log *slog.Logger

	state atomic.Int32
	load  atomic.Int32 // worker connections only; unused on control

	mu      sync.Mutex
	conn    net.Conn
	bw      *bufio.Writer
	pending []pendingCmd

	backoff time.Duration
}

// NewConn builds a connection; call Run to start its reconnect loop.
func NewConn(ep config.Endpoint, password string, tlsCfg config.TLSConfig, isControl bool, index int, log *slog.Logger) *Conn {
	return &Conn{
		endpoint:  ep,
		password:  password,
		tlsCfg:    tlsCfg,
		isControl: isControl,
		index:     index,
		log:       log,
		backoff:   config.ReconnectBackoff,
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Load returns the current number of pipelines assigned to this worker
// connection. Meaningless (and unused) for the control connection.
func (c *Conn) Load() int32 { return c.load.Load() }

func (c *Conn) addLoad(delta int32) { c.load.Add(delta) }

// Run drives the connect -> authenticate -> serve -> (disconnect ->
// reconnect) loop until ctx is canceled. It never returns early on a
// transport error: reconnection is automatic, per spec.md §7.
func (c *Conn) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndServe(ctx); err != nil {
			c.log.Warn("kv connection error", "endpoint", c.endpoint.String(), "control", c.isControl, "err", err)
		}
		c.failAllPending()
		c.state.Store(int32(StateDown))
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
	}
}

func (c *Conn) connectAndServe(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.state.Store(int32(StateAuthenticating))
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	if err := c.authenticate(br, bw); err != nil {
		conn.Close()
		return fmt.Errorf("auth: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.bw = bw
	c.mu.Unlock()
	c.state.Store(int32(StateReady))
	c.log.Info("kv connection ready", "endpoint", c.endpoint.String(), "control", c.isControl, "index", c.index)

	err = c.readLoop(br)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()
	return err
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	addr := c.endpoint.String()
	if !c.tlsCfg.Enabled {
		return d.DialContext(ctx, "tcp", addr)
	}

	tlsConf := &tls.Config{}
	if c.tlsCfg.CACert != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(c.tlsCfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read cacert: %w", err)
		}
		pool.AppendCertsFromPEM(pem)
		tlsConf.RootCAs = pool
	}
	if c.tlsCfg.CertFile != "" && c.tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.tlsCfg.CertFile, c.tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(rawConn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// authenticate performs AUTH (if a password is configured) or PING
// otherwise, synchronously, before the connection is considered Ready
// (spec.md §4.1). A failure here is fatal for the socket.
func (c *Conn) authenticate(br *bufio.Reader, bw *bufio.Writer) error {
	if c.password != "" {
		if err := writeCommand(bw, "AUTH", []string{c.password}); err != nil {
			return err
		}
	} else {
		if err := writeCommand(bw, "PING", nil); err != nil {
			return err
		}
	}
	reply, err := readReply(br)
	if err != nil {
		return err
	}
	if _, isErr := reply.(error); isErr {
		return reply.(error)
	}
	return nil
}

// readLoop reads replies in FIFO order relative to Sends on this
// connection and dispatches each to the oldest pending callback.
func (c *Conn) readLoop(br *bufio.Reader) error {
	for {
		reply, err := readReply(br)
		if err != nil {
			// A RESP error reply answers the oldest pending command; only a
			// read failure ends the connection.
			var kvErr *ReplyError
			if !errors.As(err, &kvErr) {
				return err
			}
			reply = kvErr
		}
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			continue
		}
		p := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if replyErr, ok := reply.(error); ok {
			p.done(replyErr, p.opaque)
		} else {
			p.done(reply, p.opaque)
		}
	}
}

// failAllPending completes every outstanding Send on this connection with
// a nil reply exactly once, per spec.md §4.1: "On disconnect, all pending
// opaque values must be invoked with a null reply exactly once; no silent
// drops."
func (c *Conn) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.done(nil, p.opaque)
	}
}

// Send issues cmd with the given arguments and invokes done exactly once
// with its reply. If the connection is not currently Ready, done is
// invoked asynchronously with a nil reply, mirroring how a disconnect
// completes in-flight commands: the caller's step treats it as a soft
// failure and relies on the caller's own retry/resume logic.
func (c *Conn) Send(cmd string, argv []string, opaque any, done ReplyFunc) {
	c.mu.Lock()
	if c.conn == nil || State(c.state.Load()) != StateReady {
		c.mu.Unlock()
		go done(nil, opaque)
		return
	}
	c.pending = append(c.pending, pendingCmd{opaque: opaque, done: done})
	err := writeCommand(c.bw, cmd, argv)
	conn := c.conn
	c.mu.Unlock()

	if err != nil {
		conn.Close()
	}
}

// Endpoint returns the KV endpoint this connection serves.
func (c *Conn) Endpoint() config.Endpoint { return c.endpoint }

// IsControl reports whether this is the per-endpoint control connection.
func (c *Conn) IsControl() bool { return c.isControl }
