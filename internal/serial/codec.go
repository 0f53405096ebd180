// Package serial talks to the Ampio CAN-UART bridge.
package serial

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/metrics"
)

// UART envelope: 2D D4 LEN BODY... SUM, where LEN = len(BODY)+1 and
// SUM = 0x2D + LEN + sum(BODY) (mod 256).
const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt  = 2    // host to bridge: send with 29-bit id
	flagClassic = 0x80 // classic frame, low bits carry DLC

	// Bridge to host body is ID(4) | PAYLOAD(0..8).
	minRxLen = 4 + 0 + 1
	maxRxLen = 4 + can.MaxDataLen + 1

	compactMin = 1024
)

var ErrUnsupported = errors.New("serial: remote frames not supported by bridge")

func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0], out[1], out[2] = pre0, pre1, byte(n+1)
	sum := byte(pre0) + out[2]
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the bridge's send command for m. The bridge always sends
// 29-bit identifiers; a standard ID goes out as the same numeric value.
func Encode(m can.Message) ([]byte, error) {
	if m.RTR == can.KindRemote {
		return nil, ErrUnsupported
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body := make([]byte, 6, 6+can.MaxDataLen)
	body[0] = insSendExt
	body[1] = flagClassic | m.DLC
	binary.BigEndian.PutUint32(body[2:6], m.ID&can.CAN_EFF_MASK)
	body = append(body, m.Payload()...)
	return envelope(body), nil
}

// Decoder reassembles bridge frames from arbitrary read chunks. It is not
// safe for concurrent use.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends p and emits every complete frame. Frames from the bridge
// carry extended identifiers. Garbage, bad lengths and checksum mismatches
// are skipped one byte at a time until the stream realigns.
func (d *Decoder) Feed(p []byte, out func(can.Message)) {
	d.buf.Write(p)
	header := []byte{pre0, pre1}
	for {
		d.compact()
		data := d.buf.Bytes()
		if len(data) < 3 {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep a trailing 0x2D, it may start the next preamble
			last := data[len(data)-1]
			d.buf.Reset()
			if last == pre0 {
				d.buf.WriteByte(last)
			}
			return
		}
		if i > 0 {
			d.buf.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return
		}
		sum := byte(pre0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			metrics.IncMalformed()
			d.buf.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7])
		payload := data[7 : total-1]
		m, err := can.NewMessage(can.Header{ID: id & can.CAN_EFF_MASK, IDE: can.IDExtended, DLC: uint8(len(payload))}, payload)
		d.buf.Next(total)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		out(m)
	}
}

// Buffered returns the number of bytes held waiting for a complete frame.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// compact reclaims the consumed prefix once it dominates the buffer.
func (d *Decoder) compact() {
	data := d.buf.Bytes()
	if cap(data) < compactMin || len(data)*4 >= cap(data) {
		return
	}
	clone := append([]byte(nil), data...)
	d.buf.Reset()
	d.buf.Write(clone)
}
