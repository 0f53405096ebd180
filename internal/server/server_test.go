package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/cnl"
	"github.com/kstaniek/go-canif/internal/hub"
	"github.com/kstaniek/go-canif/internal/loopback"
	"github.com/kstaniek/go-canif/internal/metrics"
)

const hello = "CANNELLONIv1"

type capture struct {
	mu   sync.Mutex
	msgs []can.Message
	err  error
}

func (c *capture) send(m can.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return c.err
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(append([]ServerOption{WithListenAddr("127.0.0.1:0"), WithHandshakeTimeout(time.Second)}, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		cancel()
		t.Fatalf("server did not signal readiness")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	})
	return srv, cancel
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.WriteString(conn, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	buf := make([]byte, len(hello))
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != hello {
		t.Fatalf("read hello %q: %v", buf, err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestClientFramesReachSend(t *testing.T) {
	var c capture
	srv, _ := startServer(t, WithSend(c.send))
	conn := dial(t, srv.Addr())

	m, _ := can.NewMessage(can.Header{ID: 0x123, DLC: 3}, []byte{1, 2, 3})
	if _, err := conn.Write((&cnl.Codec{}).Encode([]can.Message{m})); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitFor(t, "captured frame", func() bool { return c.len() == 1 })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs[0] != m {
		t.Fatalf("got %+v want %+v", c.msgs[0], m)
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	var c capture
	h := hub.New()
	srv, _ := startServer(t, WithSend(c.send), WithHub(h))
	conn := dial(t, srv.Addr())
	waitFor(t, "client registration", func() bool { return h.Count() == 1 })

	m, _ := can.NewMessage(can.Header{ID: 0x1ABCDE, IDE: can.IDExtended, DLC: 2}, []byte{0xBE, 0xEF})
	h.Broadcast(m)
	got, err := (&cnl.Codec{}).Decode(conn)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != m {
		t.Fatalf("got %+v want %+v", got, m)
	}
}

func TestOverflowIsNotAnError(t *testing.T) {
	c := capture{err: canif.ErrFull}
	srv, _ := startServer(t, WithSend(c.send), WithOverflow(func(err error) bool { return errors.Is(err, canif.ErrFull) }))
	conn := dial(t, srv.Addr())
	m, _ := can.NewMessage(can.Header{ID: 1, DLC: 0}, nil)
	_, _ = conn.Write((&cnl.Codec{}).Encode([]can.Message{m, m}))
	waitFor(t, "overflow count", func() bool { return srv.totalTxOverflow.Load() == 2 })
	if srv.totalTxErrors.Load() != 0 {
		t.Fatalf("overflow counted as error")
	}
}

func TestMaxClientsRejects(t *testing.T) {
	var c capture
	h := hub.New()
	srv, _ := startServer(t, WithSend(c.send), WithHub(h), WithMaxClients(1))
	_ = dial(t, srv.Addr())
	waitFor(t, "first client", func() bool { return h.Count() == 1 })
	before := metrics.Snap().HubRejects

	second := dial(t, srv.Addr())
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected rejected connection to be closed")
	}
	if metrics.Snap().HubRejects != before+1 {
		t.Fatalf("reject not counted")
	}
}

func TestBadHelloClosed(t *testing.T) {
	var c capture
	srv, _ := startServer(t, WithSend(c.send))
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = io.WriteString(conn, "HELLO_WORLD!")
	select {
	case err := <-srv.Errors():
		if !errors.Is(err, ErrHandshake) {
			t.Fatalf("expected handshake error got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no handshake error reported")
	}
}

// TestTapEndToEnd runs the whole path: client -> tx queue -> loopback
// peripheral -> rx queue -> hub -> client.
func TestTapEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev, err := loopback.New(ctx)
	if err != nil {
		t.Fatalf("loopback: %v", err)
	}
	defer dev.Close()
	ci, err := canif.New(dev, canif.WithAcceptFilter(canif.AnyData))
	if err != nil {
		t.Fatalf("canif: %v", err)
	}
	h := hub.New()
	go func() { _ = ci.RunTx(ctx) }()
	go func() { _ = ci.RunRx(ctx, h.Broadcast) }()

	srv, _ := startServer(t, WithHub(h), WithSend(ci.AddMessage))
	conn := dial(t, srv.Addr())
	waitFor(t, "client registration", func() bool { return h.Count() == 1 })

	codec := &cnl.Codec{}
	var want []can.Message
	for i := 0; i < 5; i++ {
		m, _ := can.NewMessage(can.Header{ID: uint32(0x200 + i), DLC: 1}, []byte{byte(i)})
		want = append(want, m)
	}
	if _, err := conn.Write(codec.Encode(want)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := range want {
		m, err := codec.Decode(conn)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if m != want[i] {
			t.Fatalf("frame %d: got %+v want %+v", i, m, want[i])
		}
	}
}

func BenchmarkWriterFlush(b *testing.B) {
	h := hub.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(WithHub(h), WithListenAddr("127.0.0.1:0"), WithSend(func(can.Message) error { return nil }))
	go func() { _ = srv.Serve(ctx) }()
	<-srv.Ready()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = io.WriteString(conn, hello)
	_, _ = io.ReadFull(conn, make([]byte, len(hello)))
	go func() { _, _ = io.Copy(io.Discard, conn) }()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	m := can.Message{Header: can.Header{ID: 0x100, DLC: 8}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Broadcast(m)
	}
}
