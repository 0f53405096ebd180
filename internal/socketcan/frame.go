// Package socketcan reads and writes classic CAN frames on a Linux raw CAN socket.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-canif/internal/can"
)

// FrameSize is sizeof(struct can_frame), the classic CAN MTU.
const FrameSize = 16

var (
	ErrShortFrame  = errors.New("socketcan: short frame")
	ErrReadTimeout = errors.New("socketcan: read timeout")
)

// struct can_frame (linux/can.h), host byte order:
//
//	can_id  u32  [0:4]   EFF/RTR/ERR flags in the top bits
//	len     u8   [4]
//	pad     3B   [5:8]
//	data    [8]  [8:16]

// MarshalFrame encodes m into b, which must hold FrameSize bytes.
func MarshalFrame(b []byte, m *can.Message) {
	_ = b[FrameSize-1]
	binary.NativeEndian.PutUint32(b[0:4], m.CANID())
	b[4] = m.DLC
	b[5], b[6], b[7] = 0, 0, 0
	copy(b[8:16], m.Data[:])
	if m.RTR == can.KindRemote {
		clear(b[8:16])
	}
}

// UnmarshalFrame decodes a raw frame. Error frames are rejected.
func UnmarshalFrame(b []byte) (can.Message, error) {
	if len(b) < FrameSize {
		return can.Message{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	dlc := b[4]
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen // DLC 9..15 still means 8 bytes on classic CAN
	}
	return can.FromCANID(binary.NativeEndian.Uint32(b[0:4]), dlc, b[8:16])
}
