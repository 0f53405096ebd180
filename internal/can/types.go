package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit.
const MaxDataLen = 8

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidLen = errors.New("can: invalid data length")
	ErrShortData  = errors.New("can: data shorter than dlc")
)

// IDType tags the identifier width.
type IDType uint8

const (
	IDStandard IDType = iota // 11-bit
	IDExtended               // 29-bit
)

func (t IDType) String() string {
	if t == IDExtended {
		return "ext"
	}
	return "std"
}

// FrameKind distinguishes data frames from remote transmission requests.
type FrameKind uint8

const (
	KindData FrameKind = iota
	KindRemote
)

func (k FrameKind) String() string {
	if k == KindRemote {
		return "remote"
	}
	return "data"
}

// Header carries everything about a frame except the payload bytes.
type Header struct {
	ID  uint32
	IDE IDType
	RTR FrameKind
	DLC uint8
}

// Validate checks the DLC limit and that ID fits the tagged width.
func (h Header) Validate() error {
	if h.DLC > MaxDataLen {
		return fmt.Errorf("%w (%d)", ErrInvalidLen, h.DLC)
	}
	max := uint32(CAN_SFF_MASK)
	if h.IDE == IDExtended {
		max = CAN_EFF_MASK
	}
	if h.ID > max {
		return fmt.Errorf("%w (0x%X as %s)", ErrInvalidID, h.ID, h.IDE)
	}
	return nil
}

// Message is the transport-agnostic record stored in the queues.
// It is a plain value: copying a Message copies its payload.
type Message struct {
	Header
	Data [MaxDataLen]byte
}

// NewMessage validates h and copies the first h.DLC bytes of data.
// Remote frames carry a DLC but no payload, so data may be shorter for them.
func NewMessage(h Header, data []byte) (Message, error) {
	var m Message
	if err := h.Validate(); err != nil {
		return m, err
	}
	m.Header = h
	if h.RTR == KindRemote {
		return m, nil
	}
	if len(data) < int(h.DLC) {
		return m, fmt.Errorf("%w: have %d want %d", ErrShortData, len(data), h.DLC)
	}
	copy(m.Data[:], data[:h.DLC])
	return m, nil
}

// Payload returns the valid part of Data.
func (m *Message) Payload() []byte {
	if m.RTR == KindRemote {
		return m.Data[:0]
	}
	return m.Data[:m.DLC]
}

// CANID returns the SocketCAN-style can_id with EFF/RTR flags applied.
func (h Header) CANID() uint32 {
	id := h.ID & CAN_SFF_MASK
	if h.IDE == IDExtended {
		id = (h.ID & CAN_EFF_MASK) | CAN_EFF_FLAG
	}
	if h.RTR == KindRemote {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromCANID builds a Message from a SocketCAN-style can_id. Error frames are rejected.
func FromCANID(canID uint32, dlc uint8, data []byte) (Message, error) {
	if canID&CAN_ERR_FLAG != 0 {
		return Message{}, fmt.Errorf("%w: error frame 0x%X", ErrInvalidID, canID)
	}
	// Standard IDs keep all 29 bits so Validate rejects out-of-range values.
	h := Header{ID: canID & CAN_EFF_MASK, DLC: dlc}
	if canID&CAN_EFF_FLAG != 0 {
		h.IDE = IDExtended
	}
	if canID&CAN_RTR_FLAG != 0 {
		h.RTR = KindRemote
	}
	return NewMessage(h, data)
}

// FIFO selects a peripheral receive FIFO.
type FIFO uint8

const (
	FIFO0 FIFO = iota
	FIFO1
)

// Handlers are the peripheral event callbacks. Both run in the peripheral's
// event goroutine and must not block.
type Handlers struct {
	OnRxPending  func(FIFO)
	OnTxComplete func(mailbox uint32)
}
