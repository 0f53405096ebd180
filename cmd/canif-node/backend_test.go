package main

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/metrics"
	"github.com/kstaniek/go-canif/internal/serial"
	"github.com/kstaniek/go-canif/internal/socketcan"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSerialPort replays reads and records writes.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.idx >= len(f.reads) {
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	f.mu.Unlock()
	return copy(p, chunk), nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// bridgeFrame builds the bridge-to-host envelope: 2D D4 LEN ID(4) PAYLOAD SUM.
func bridgeFrame(id uint32, payload []byte) []byte {
	body := binary.BigEndian.AppendUint32(nil, id)
	body = append(body, payload...)
	out := []byte{0x2D, 0xD4, byte(len(body) + 1)}
	sum := byte(0x2D) + out[2]
	for _, b := range body {
		sum += b
	}
	out = append(out, body...)
	return append(out, sum)
}

// waitUntil polls cond until it holds or a second passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// startBinding runs the binding over adapter and returns received messages.
func startBinding(t *testing.T, ctx context.Context, adapter canif.Adapter, opts ...canif.Option) (*canif.Interface, <-chan can.Message) {
	t.Helper()
	ci, err := canif.New(adapter, append([]canif.Option{canif.WithLogger(testLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("canif.New: %v", err)
	}
	out := make(chan can.Message, 16)
	go func() { _ = ci.RunTx(ctx) }()
	go func() { _ = ci.RunRx(ctx, func(m can.Message) { out <- m }) }()
	return ci, out
}

func TestSerialBackendRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := &fakeSerialPort{reads: [][]byte{bridgeFrame(0x1E5A, []byte{0xAA, 0xBB})}}
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	cfg := defaultConfig()
	cfg.Backend = "serial"
	var wg sync.WaitGroup
	adapter, cleanup, err := initBackend(ctx, cfg, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()
	before := metrics.Snap().BackendRx
	ci, out := startBinding(t, ctx, adapter, canif.WithAcceptFilter(canif.ExtendedDataOnly))

	select {
	case m := <-out:
		if m.ID != 0x1E5A || m.IDE != can.IDExtended || m.DLC != 2 || m.Data[0] != 0xAA {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	if metrics.Snap().BackendRx <= before {
		t.Fatalf("expected backend rx metric increment")
	}

	h := can.Header{ID: 0x10, IDE: can.IDExtended, DLC: 1}
	if err := ci.AddTxMessage(&h, []byte{1}); err != nil {
		t.Fatalf("AddTxMessage: %v", err)
	}
	waitUntil(t, "serial write", func() bool { return port.writeCount() > 0 })
}

// fakeSocketDev serves queued messages then fails reads.
type fakeSocketDev struct {
	mu      sync.Mutex
	msgs    []can.Message
	written []can.Message
}

func (d *fakeSocketDev) ReadMessage() (can.Message, error) {
	d.mu.Lock()
	if len(d.msgs) > 0 {
		m := d.msgs[0]
		d.msgs = d.msgs[1:]
		d.mu.Unlock()
		return m, nil
	}
	d.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return can.Message{}, io.ErrUnexpectedEOF
}

func (d *fakeSocketDev) WriteMessage(m can.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, m)
	return nil
}

func (d *fakeSocketDev) Close() error { return nil }

func TestSocketCANBackendRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in, _ := can.NewMessage(can.Header{ID: 0x555, DLC: 3}, []byte{1, 2, 3})
	ext, _ := can.NewMessage(can.Header{ID: 0x555, IDE: can.IDExtended, DLC: 0}, nil)
	dev := &fakeSocketDev{msgs: []can.Message{ext, in}}
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return dev, nil }
	var linkCalls int
	setLinkUp = func(string) error { linkCalls++; return nil }
	sleepFn = func(time.Duration) {}
	defer func() {
		openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
		setLinkUp = socketcan.SetLinkUp
		sleepFn = time.Sleep
	}()

	cfg := defaultConfig()
	cfg.CANIf = "vcan0"
	cfg.CANLinkUp = true
	beforeErrs := metrics.Snap().Errors
	beforeFiltered := metrics.Snap().RxFiltered
	var wg sync.WaitGroup
	adapter, cleanup, err := initBackend(ctx, cfg, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer func() { cancel(); cleanup(); wg.Wait() }()
	if linkCalls != 1 {
		t.Fatalf("expected link up call, got %d", linkCalls)
	}
	ci, out := startBinding(t, ctx, adapter)

	select {
	case m := <-out:
		if m != in {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for socketcan message")
	}
	if metrics.Snap().RxFiltered <= beforeFiltered {
		t.Fatalf("extended frame should have been filtered")
	}
	if err := ci.AddMessage(in); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	waitUntil(t, "socketcan write", func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.written) == 1
	})
	// the fake fails reads once drained; the loop counts and backs off
	waitUntil(t, "read error counted", func() bool { return metrics.Snap().Errors > beforeErrs })
}

func TestSocketCANLinkUpFailure(t *testing.T) {
	setLinkUp = func(string) error { return errors.New("EPERM") }
	defer func() { setLinkUp = socketcan.SetLinkUp }()
	cfg := defaultConfig()
	cfg.CANLinkUp = true
	var wg sync.WaitGroup
	if _, _, err := initBackend(context.Background(), cfg, testLogger(), &wg); err == nil {
		t.Fatal("expected link up error")
	}
}

func TestSimBackendEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := defaultConfig()
	cfg.Backend = "sim"
	var wg sync.WaitGroup
	adapter, cleanup, err := initBackend(ctx, cfg, testLogger(), &wg)
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer cleanup()
	ci, out := startBinding(t, ctx, adapter)
	h := can.Header{ID: 0x42, DLC: 1}
	if err := ci.AddTxMessage(&h, []byte{7}); err != nil {
		t.Fatalf("AddTxMessage: %v", err)
	}
	select {
	case m := <-out:
		if m.ID != 0x42 || m.Data[0] != 7 {
			t.Fatalf("unexpected echo: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for echo")
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backend = "can-fd"
	var wg sync.WaitGroup
	if _, _, err := initBackend(context.Background(), cfg, testLogger(), &wg); err == nil {
		t.Fatal("expected error")
	}
}
