package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

const hello = "CANNELLONIv1"

var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake exchanges the hello string in both directions at once. The
// connection deadline bounds the whole exchange; cancelling ctx aborts it.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.WriteString(c, hello)
		return err
	})
	g.Go(func() error {
		buf := make([]byte, len(hello))
		if _, err := io.ReadFull(c, buf); err != nil {
			return err
		}
		if string(buf) != hello {
			return fmt.Errorf("%w: %q", ErrBadHello, buf)
		}
		return nil
	})

	// Unblock both halves if the caller gives up before the deadline.
	stop := context.AfterFunc(gctx, func() {
		if ctx.Err() != nil {
			_ = c.SetDeadline(time.Now())
		}
	})
	defer stop()

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}
