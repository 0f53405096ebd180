//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canif/internal/can"
)

// readTimeout bounds each blocking read so read loops notice shutdown.
var readTimeout = unix.Timeval{Sec: 1}

type Device struct {
	fd int
}

// Open binds a raw CAN socket to iface with CAN FD frames disabled.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && !errors.Is(err, unix.ENOPROTOOPT) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &readTimeout); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadMessage waits for the next frame. It returns ErrReadTimeout when the
// bus stayed quiet for the socket's receive timeout.
func (d *Device) ReadMessage() (can.Message, error) {
	var buf [FrameSize]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return can.Message{}, ErrReadTimeout
		}
		return can.Message{}, err
	}
	return UnmarshalFrame(buf[:n])
}

// WriteMessage writes one classic frame.
func (d *Device) WriteMessage(m can.Message) error {
	var buf [FrameSize]byte
	MarshalFrame(buf[:], &m)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
