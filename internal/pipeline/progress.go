package pipeline

import (
	"context"
	"fmt"
)

// kvSender is the slice of *kv.Conn that progressPublisher needs; accepting
// the interface instead of the concrete type lets pipeline tests exercise
// Stage-A's progress plumbing without a live KV connection.
type kvSender interface {
	SendWithRetry(ctx context.Context, cmd string, argv []string) (any, error)
}

// progressPublisher serializes Stage-A's concurrent {"progress":N} pushes
// for one qid into a single, strictly-increasing stream on REPLY:<qid>.
//
// Stage-A's P lanes claim chunk indices in increasing order (via
// chunk_cursor), but they publish progress for their own claimed chunk
// independently and concurrently, so the order lanes happen to call
// Conn.Send in is not guaranteed to match chunk-claim order. Routing every
// push through one channel and one goroutine restores the non-decreasing
// ordering spec.md §3 requires ("Progress values are monotonic
// non-decreasing on the successful path") without adding a lock that stage
// workers would contend on.
type progressPublisher struct {
	ch   chan int
	done chan struct{}
}

func newProgressPublisher(ctx context.Context, conn kvSender, qid string) *progressPublisher {
	pp := &progressPublisher{ch: make(chan int, 64), done: make(chan struct{})}
	go pp.run(ctx, conn, qid)
	return pp
}

func (pp *progressPublisher) run(ctx context.Context, conn kvSender, qid string) {
	defer close(pp.done)
	key := "REPLY:" + qid
	highWater := -1
	for v := range pp.ch {
		if v <= highWater {
			continue
		}
		highWater = v
		payload := fmt.Sprintf(`{"progress":%d}`, v)
		conn.SendWithRetry(ctx, "RPUSH", []string{key, payload})
	}
}

// Publish enqueues progress value v; out-of-order or duplicate values below
// the current high-water mark are dropped.
func (pp *progressPublisher) Publish(v int) {
	select {
	case pp.ch <- v:
	default:
		// Buffer full: Stage-A is far ahead of the KV round-trip. Dropping a
		// mid-range progress tick is harmless since only the terminal value
		// is load-bearing; blocking here would stall chunk dispatch.
	}
}

// CloseAndWait stops accepting further values and blocks until every
// buffered value has been sent, so Stage B's writes are ordered after it.
func (pp *progressPublisher) CloseAndWait() {
	close(pp.ch)
	<-pp.done
}
