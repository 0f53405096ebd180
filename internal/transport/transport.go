package transport

import (
	"io"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/cnl"
)

// FrameDecoder decodes a single CAN message from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Message, error)
}

// MultiFrameDecoder optionally drains multiple messages from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Message)) (int, error)
}

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]can.Message) []byte
	EncodeTo(w io.Writer, frames []can.Message) (int, error)
}

// Compile-time assertions that *cnl.Codec satisfies the optional capabilities.
var (
	_ FrameDecoder      = (*cnl.Codec)(nil)
	_ MultiFrameDecoder = (*cnl.Codec)(nil)
	_ FrameBatchEncoder = (*cnl.Codec)(nil)
)
