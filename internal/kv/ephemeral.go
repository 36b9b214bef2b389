package kv

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/toha10/contrail-analytics/internal/config"
)

// Ephemeral is a short-lived, synchronous KV connection used by Admission &
// Intake (C3) to HGETALL a query's terms and by the Error Reporter (C7) to
// RPUSH a pre-pipeline failure. It is adapted from
// bunder/pkg/client/client.go's request/reply style, which fits this use
// case far better than the fleet's async Conn: both callers issue one or
// two commands and close, with no need for a pending-reply queue.
type Ephemeral struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

// DialEphemeral opens (over TLS when tlsCfg.Enabled), authenticates and
// returns a ready-to-use ephemeral connection to ep. The caller must Close it.
func DialEphemeral(ctx context.Context, ep config.Endpoint, password string, tlsCfg config.TLSConfig, timeout time.Duration) (*Ephemeral, error) {
	var conn net.Conn
	var err error
	if tlsCfg.Enabled {
		// Same TLS dial (CA, client cert and key) as the fleet's connections.
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err = (&Conn{endpoint: ep, tlsCfg: tlsCfg}).dial(dctx)
		cancel()
	} else {
		d := net.Dialer{Timeout: timeout}
		conn, err = d.DialContext(ctx, "tcp", ep.String())
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	e := &Ephemeral{conn: conn, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}

	if password != "" {
		if _, err := e.do("AUTH", password); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	} else {
		if _, err := e.do("PING"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
	}
	return e, nil
}

func (e *Ephemeral) do(cmd string, argv ...string) (any, error) {
	if err := writeCommand(e.bw, cmd, argv); err != nil {
		return nil, err
	}
	reply, err := readReply(e.br)
	if err != nil {
		return nil, err
	}
	if replyErr, ok := reply.(error); ok {
		return nil, replyErr
	}
	return reply, nil
}

// HGetAll performs HGETALL key and returns it as a string map, per spec.md
// §4.3 step 1 and §6's key schema.
func (e *Ephemeral) HGetAll(key string) (map[string]string, error) {
	reply, err := e.do("HGETALL", key)
	if err != nil {
		return nil, err
	}
	arr, _ := reply.([]any)
	out := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		k, _ := arr[i].([]byte)
		v, _ := arr[i+1].([]byte)
		out[string(k)] = string(v)
	}
	return out, nil
}

// RPush performs RPUSH key value... (used by the Error Reporter to write a
// negative-progress entry, and available generically for other one-off
// writes).
func (e *Ephemeral) RPush(key string, values ...string) error {
	_, err := e.do("RPUSH", append([]string{key}, values...)...)
	return err
}

// Close closes the underlying connection.
func (e *Ephemeral) Close() error { return e.conn.Close() }
