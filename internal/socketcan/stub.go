//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-canif/internal/can"
)

var ErrUnsupported = errors.New("socketcan: only available on linux")

type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }
func (*Device) Close() error { return nil }
func (*Device) ReadMessage() (can.Message, error) { return can.Message{}, ErrUnsupported }
func (*Device) WriteMessage(can.Message) error { return ErrUnsupported }
func SetLinkUp(string) error { return ErrUnsupported }
func SetLinkDown(string) error { return ErrUnsupported }
