package kv

import (
	"context"
	"errors"
	"time"
)

// ErrDisconnected marks a command that failed because its connection was
// down or dropped mid-flight (a nil reply from Send), as opposed to a
// command the KV itself rejected with a RESP error.
var ErrDisconnected = errors.New("kv: command failed, connection disconnected")

// RetryPollInterval is how often SendWithRetry re-checks a connection that
// just failed a command, while it waits for the reconnect loop to bring the
// connection back to Ready.
const RetryPollInterval = 200 * time.Millisecond

// SendSync issues cmd and blocks until its reply arrives or ctx is done.
func (c *Conn) SendSync(ctx context.Context, cmd string, argv []string) (any, error) {
	ch := make(chan any, 1)
	c.Send(cmd, argv, nil, func(reply any, _ any) { ch <- reply })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		if reply == nil {
			return nil, ErrDisconnected
		}
		if err, ok := reply.(error); ok {
			return nil, err
		}
		return reply, nil
	}
}

// SendWithRetry issues cmd, and whenever it fails solely because the
// connection was down or dropped, waits for the reconnect loop and retries.
// This is what lets Stage B and progress publishing "eventually write" their
// KV commands across a mid-pipeline KV disconnect (spec.md §7: "the
// reconnection loop will reconnect and subsequent steps will resume").
// It only gives up when ctx is canceled.
func (c *Conn) SendWithRetry(ctx context.Context, cmd string, argv []string) (any, error) {
	for {
		reply, err := c.SendSync(ctx, cmd, argv)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, ErrDisconnected) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(RetryPollInterval):
		}
	}
}
