package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/transport"
)

func TestEchoThroughBinding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev, err := New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dev.Close()
	ci, err := canif.New(dev)
	if err != nil {
		t.Fatalf("canif.New: %v", err)
	}
	got := make(chan can.Message, 16)
	go func() { _ = ci.RunTx(ctx) }()
	go func() { _ = ci.RunRx(ctx, func(m can.Message) { got <- m }) }()

	const n = 10
	for i := 0; i < n; i++ {
		h := can.Header{ID: uint32(0x100 + i), DLC: 1}
		if err := ci.AddTxMessage(&h, []byte{byte(i)}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case m := <-got:
			if m.ID != uint32(0x100+i) || m.Data[0] != byte(i) {
				t.Fatalf("frame %d: got id=0x%X data=%d", i, m.ID, m.Data[0])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestInjectOverrun(t *testing.T) {
	dev, err := New(context.Background(), transport.WithFIFODepth(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dev.Close()
	m, _ := can.NewMessage(can.Header{ID: 1}, nil)
	if err := dev.Inject(m); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	if err := dev.Inject(m); !errors.Is(err, transport.ErrOverrun) {
		t.Fatalf("expected ErrOverrun got %v", err)
	}
}
