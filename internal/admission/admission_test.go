package admission

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toha10/contrail-analytics/internal/config"
	"github.com/toha10/contrail-analytics/internal/engine"
	"github.com/toha10/contrail-analytics/internal/kv"
	"github.com/toha10/contrail-analytics/internal/pipeline"
	"github.com/toha10/contrail-analytics/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeKVServer accepts every connection the fleet dials (one control, K
// workers) and answers PING/AUTH, HGETALL and write commands generically,
// recording every command it sees across all connections.
type fakeKVServer struct {
	ln net.Listener

	mu  sync.Mutex
	cmd [][]string
}

func newFakeKVServer(t *testing.T) *fakeKVServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeKVServer{ln: ln}
	go f.acceptLoop()
	return f
}

func (f *fakeKVServer) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *fakeKVServer) serve(conn net.Conn) {
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

		if len(argv) == 0 {
			continue
		}
		switch argv[0] {
		case "HGETALL":
			writeBulkArray(conn, []string{
				"enqueue_time", "1000",
				"table", "FlowSeriesTable",
				"where", "1",
				"select", "*",
			})
		default:
			conn.Write([]byte("+OK\r\n"))
		}
	}
}

func (f *fakeKVServer) commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.cmd))
	copy(out, f.cmd)
	return out
}

func (f *fakeKVServer) addr() string { return f.ln.Addr().String() }

func (f *fakeKVServer) close() { f.ln.Close() }

func writeBulkArray(w net.Conn, elems []string) {
	fmt.Fprintf(w, "*%d\r\n", len(elems))
	for _, e := range elems {
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(e), e)
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	if !strings.HasPrefix(line, "*") {
		return nil, nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	argv := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		hdr = strings.TrimSuffix(strings.TrimSuffix(hdr, "\n"), "\r")
		blen, err := strconv.Atoi(hdr[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, blen+2)
		total := 0
		for total < len(buf) {
			n, err := r.Read(buf[total:])
			total += n
			if err != nil {
				return nil, err
			}
		}
		argv = append(argv, string(buf[:blen]))
	}
	return argv, nil
}

func waitReady(t *testing.T, fleet *kv.Fleet) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fleet.AllReady(0) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("fleet never reached ready")
}

func newTestFleet(t *testing.T, addr string) *kv.Fleet {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	cfg := &config.Config{
		Endpoints:          []config.Endpoint{{Host: host, Port: port}},
		WorkersPerEndpoint: 1,
	}
	return kv.NewFleet(cfg, discardLogger())
}

func TestHandleAdmitsAndStartsPipeline(t *testing.T) {
	srv := newFakeKVServer(t)
	defer srv.close()

	fleet := newTestFleet(t, srv.addr())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fleet.Run(ctx)
	waitReady(t, fleet)

	fake := engine.NewFake()
	fake.Seed("q1", engine.PrepareResult{
		Table:     "FlowSeriesTable",
		ChunkSize: []uint64{10},
		WTerms:    1,
	}, [][]engine.Row{
		{{"sourcevn": "default-domain"}},
	})

	reg := schema.NewRegistry([]schema.Table{
		{Name: "FlowSeriesTable", Columns: []schema.Column{{Name: "sourcevn", DataType: schema.DataString}}},
	}, schema.DefaultObjectTableSchema())
	terms, err := schema.NewTermsSchema(nil)
	if err != nil {
		t.Fatalf("NewTermsSchema: %v", err)
	}

	cfg := &config.Config{Hostname: "qop-test", MaxTasks: 2, MaxRows: 1000, MaxPipelines: 8}
	a := New(fleet, fake, cfg, reg, terms, nil, discardLogger())

	a.handle(ctx, 0, "q1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.ActiveCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if a.ActiveCount() != 0 {
		t.Fatal("expected pipeline to complete and be removed from in-progress map")
	}

	cmds := srv.commands()
	var sawHGetAll, sawResult bool
	for _, c := range cmds {
		if len(c) >= 1 && c[0] == "HGETALL" {
			sawHGetAll = true
		}
		if len(c) >= 2 && c[0] == "RPUSH" && strings.HasPrefix(c[1], "RESULT:q1:") {
			sawResult = true
		}
	}
	if !sawHGetAll {
		t.Error("expected admission to HGETALL the query's terms")
	}
	if !sawResult {
		t.Errorf("expected pipeline to publish a RESULT batch, got %v", cmds)
	}
}

// TestArmEndpointWaitsForFleetReady covers spec.md §4.2's arming gate:
// armEndpoint must not issue BRPOPLPUSH before every connection on the
// endpoint reaches Ready. Arming early against a not-ready control
// connection would have Conn.Send answer with an immediate nil reply and
// the re-arm-on-any-reply logic busy-spin new BRPOPLPUSH attempts instead
// of waiting once.
func TestArmEndpointWaitsForFleetReady(t *testing.T) {
	srv := newFakeKVServer(t)
	defer srv.close()

	fleet := newTestFleet(t, srv.addr())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &Admission{
		fleet:      fleet,
		cfg:        &config.Config{Hostname: "qop-test"},
		log:        discardLogger(),
		inProgress: make(map[string]*pipeline.Pipeline),
	}

	go a.armEndpoint(ctx, 0)

	time.Sleep(50 * time.Millisecond)
	for _, c := range srv.commands() {
		if len(c) > 0 && c[0] == "BRPOPLPUSH" {
			t.Fatal("armEndpoint issued BRPOPLPUSH before the fleet's connections were ready")
		}
	}

	go fleet.Run(ctx)
	waitReady(t, fleet)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range srv.commands() {
			if len(c) > 0 && c[0] == "BRPOPLPUSH" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected armEndpoint to issue BRPOPLPUSH once the fleet became ready")
}
