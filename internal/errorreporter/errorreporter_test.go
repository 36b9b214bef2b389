package errorreporter

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toha10/contrail-analytics/internal/apperror"
	"github.com/toha10/contrail-analytics/internal/config"
	"github.com/toha10/contrail-analytics/internal/kv"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeKV is a minimal RESP server that accepts one connection and records
// every command it receives, replying +OK to everything so DialEphemeral's
// PING handshake and the reporter's RPUSH both succeed.
type fakeKV struct {
	ln  net.Listener
	mu  sync.Mutex
	cmd [][]string
}

func newFakeKV(t *testing.T) *fakeKV {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeKV{ln: ln}
	go f.serve()
	return f
}

func (f *fakeKV) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		argv, err := readCommand(r)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.cmd = append(f.cmd, argv)
		f.mu.Unlock()
		conn.Write([]byte("+OK\r\n"))
	}
}

func (f *fakeKV) addr() string { return f.ln.Addr().String() }

func (f *fakeKV) commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.cmd))
	copy(out, f.cmd)
	return out
}

func (f *fakeKV) close() { f.ln.Close() }

// readCommand parses one RESP array-of-bulk-strings command, matching what
// writeCommand in package kv produces.
func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	if !strings.HasPrefix(line, "*") {
		return nil, nil
	}
	var n int
	for _, c := range line[1:] {
		n = n*10 + int(c-'0')
	}
	argv := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		hdr = strings.TrimSuffix(strings.TrimSuffix(hdr, "\n"), "\r")
		var blen int
		for _, c := range hdr[1:] {
			blen = blen*10 + int(c-'0')
		}
		buf := make([]byte, blen+2)
		if _, err := r2Read(r, buf); err != nil {
			return nil, err
		}
		argv = append(argv, string(buf[:blen]))
	}
	return argv, nil
}

func r2Read(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func testFleet(t *testing.T, addr string) *kv.Fleet {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	cfg := &config.Config{
		Endpoints:          []config.Endpoint{{Host: host, Port: port}},
		WorkersPerEndpoint: 1,
	}
	return kv.NewFleet(cfg, discardLogger())
}

func TestReportWritesNegativeProgress(t *testing.T) {
	srv := newFakeKV(t)
	defer srv.close()

	fleet := testFleet(t, srv.addr())
	cfg := &config.Config{}
	r := New(fleet, cfg, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Report(ctx, 0, "q1", apperror.Overflow(), "FlowSeriesTable")

	time.Sleep(100 * time.Millisecond)
	cmds := srv.commands()

	foundPing, foundRPush := false, false
	for _, c := range cmds {
		if len(c) >= 1 && c[0] == "PING" {
			foundPing = true
		}
		if len(c) >= 3 && c[0] == "RPUSH" && c[1] == "REPLY:q1" && strings.Contains(c[2], "-105") {
			foundRPush = true
		}
	}
	if !foundPing {
		t.Error("expected reporter to PING the ephemeral connection (no password configured)")
	}
	if !foundRPush {
		t.Errorf("expected RPUSH REPLY:q1 with progress -105, got %v", cmds)
	}
}

func TestReportDefaultsUnknownTable(t *testing.T) {
	srv := newFakeKV(t)
	defer srv.close()

	fleet := testFleet(t, srv.addr())
	r := New(fleet, &config.Config{}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Report(ctx, 0, "q2", apperror.KVFailure(nil), "")
	time.Sleep(50 * time.Millisecond)
}
