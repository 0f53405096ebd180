//go:build linux

package socketcan

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMarshalIfInfo(t *testing.T) {
	b := marshalIfInfo(7, unix.IFF_UP, unix.IFF_UP)
	if len(b) != unix.SizeofIfInfomsg {
		t.Fatalf("len=%d want %d", len(b), unix.SizeofIfInfomsg)
	}
	if b[0] != unix.AF_UNSPEC || binary.NativeEndian.Uint32(b[4:8]) != 7 {
		t.Fatalf("bad header % X", b)
	}
	if binary.NativeEndian.Uint32(b[8:12]) != unix.IFF_UP || binary.NativeEndian.Uint32(b[12:16]) != unix.IFF_UP {
		t.Fatalf("bad flags % X", b)
	}
}
