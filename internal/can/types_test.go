package can

import (
	"errors"
	"testing"
)

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name string
		h    Header
		want error
	}{
		{"stdMax", Header{ID: 0x7FF, DLC: 8}, nil},
		{"stdTooWide", Header{ID: 0x800}, ErrInvalidID},
		{"extMax", Header{ID: 0x1FFFFFFF, IDE: IDExtended}, nil},
		{"extTooWide", Header{ID: 0x20000000, IDE: IDExtended}, ErrInvalidID},
		{"dlcTooLong", Header{ID: 1, DLC: 9}, ErrInvalidLen},
	}
	for _, tc := range tests {
		err := tc.h.Validate()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, err)
		}
	}
}

func TestNewMessageCopiesPayload(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	m, err := NewMessage(Header{ID: 0x100, DLC: 3}, data)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	data[0] = 0xFF
	if got := m.Payload(); string(got) != string([]byte{1, 2, 3}) {
		t.Fatalf("payload % X", got)
	}
	if m.Data[3] != 0 {
		t.Fatalf("bytes beyond dlc must stay zero, got % X", m.Data)
	}
}

func TestNewMessageShortData(t *testing.T) {
	if _, err := NewMessage(Header{ID: 1, DLC: 4}, []byte{1}); !errors.Is(err, ErrShortData) {
		t.Fatalf("expected ErrShortData got %v", err)
	}
	// remote frames have no payload
	if _, err := NewMessage(Header{ID: 1, DLC: 4, RTR: KindRemote}, nil); err != nil {
		t.Fatalf("remote frame: %v", err)
	}
}

func TestCANIDMapping(t *testing.T) {
	tests := []Header{
		{ID: 0x123, DLC: 2},
		{ID: 0x1ABCDE, IDE: IDExtended, DLC: 1},
		{ID: 0x7FF, RTR: KindRemote},
		{ID: 0x1F, IDE: IDExtended, RTR: KindRemote},
	}
	for _, h := range tests {
		m, err := FromCANID(h.CANID(), h.DLC, []byte{9, 9})
		if err != nil {
			t.Fatalf("FromCANID(0x%X): %v", h.CANID(), err)
		}
		if m.Header != h {
			t.Fatalf("header mismatch: got %+v want %+v", m.Header, h)
		}
	}
	if _, err := FromCANID(0x123|CAN_ERR_FLAG, 0, nil); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected error frame rejection, got %v", err)
	}
	if _, err := FromCANID(0x800, 0, nil); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected 12-bit standard id rejection, got %v", err)
	}
}
