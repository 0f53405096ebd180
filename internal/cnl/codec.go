// Package cnl implements the cannelloni stream framing used by the tap server.
package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/metrics"
)

// Wire layout per frame: 4-byte big-endian can_id (EFF/RTR flags set),
// 1-byte length (bit 7 reserved for CAN FD), then the payload. Remote
// frames carry no payload bytes.
const (
	idSize     = 4
	lenMask    = 0x7F
	maxWireLen = idSize + 1 + can.MaxDataLen
)

var (
	ErrInvalidLength  = errors.New("cannelloni: invalid length")
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	ErrInvalidFrame   = errors.New("cannelloni: invalid frame")
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

// Encode packs messages back to back into one buffer.
func (c *Codec) Encode(msgs []can.Message) []byte {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]byte, 0, len(msgs)*maxWireLen)
	for i := range msgs {
		out = appendMessage(out, &msgs[i])
	}
	return out
}

func appendMessage(dst []byte, m *can.Message) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.CANID())
	dst = append(dst, m.DLC&lenMask)
	return append(dst, m.Payload()...)
}

// EncodeTo writes msgs to w and returns the number of bytes written.
func (c *Codec) EncodeTo(w io.Writer, msgs []can.Message) (int, error) {
	var scratch [maxWireLen]byte
	total := 0
	for i := range msgs {
		b := appendMessage(scratch[:0], &msgs[i])
		n, err := w.Write(b)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads one message. io.EOF is returned untouched at a clean frame boundary.
func (c *Codec) Decode(r io.Reader) (can.Message, error) {
	var hdr [idSize + 1]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n > 0 {
			metrics.IncMalformed()
			return can.Message{}, fmt.Errorf("cannelloni decode header: %w: %w", ErrTruncatedFrame, err)
		}
		return can.Message{}, err
	}
	canID := binary.BigEndian.Uint32(hdr[:idSize])
	ln := hdr[idSize] & lenMask
	if ln > can.MaxDataLen {
		metrics.IncMalformed()
		return can.Message{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	var data [can.MaxDataLen]byte
	if canID&can.CAN_RTR_FLAG == 0 && ln > 0 {
		if _, err := io.ReadFull(r, data[:ln]); err != nil {
			metrics.IncMalformed()
			return can.Message{}, fmt.Errorf("cannelloni decode payload: %w: %w", ErrTruncatedFrame, err)
		}
	}
	m, err := can.FromCANID(canID, ln, data[:])
	if err != nil {
		metrics.IncMalformed()
		return can.Message{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return m, nil
}

// DecodeN decodes up to max messages (all available when max <= 0), calling
// onMsg for each. It stops at the first error, which may be io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onMsg func(can.Message)) (int, error) {
	n := 0
	for max <= 0 || n < max {
		m, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onMsg(m)
		n++
	}
	return n, nil
}

// DecodeStream decodes a single message; used by single-frame readers.
func (c *Codec) DecodeStream(r io.Reader, onMsg func(can.Message)) error {
	m, err := c.Decode(r)
	if err != nil {
		return err
	}
	onMsg(m)
	return nil
}

