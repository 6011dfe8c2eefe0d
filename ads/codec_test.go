package ads

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := header{
		Target:     Endpoint{NetId: NetworkId{192, 168, 1, 100, 1, 1}, Port: PortTC3PLC1},
		Source:     Endpoint{NetId: NetworkId{10, 0, 0, 5, 1, 1}, Port: 9000},
		Command:    CmdReadWrite,
		StateFlags: StateFlagRequest,
		DataLength: 16,
		ErrorCode:  0,
		InvokeID:   42,
	}

	buf := make([]byte, amsHeaderSize)
	encodeHeader(buf, h)

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	if _, err := decodeHeader(make([]byte, amsHeaderSize-1)); err == nil {
		t.Error("expected an error decoding a short header")
	}
}

func TestEncodeFrameLayout(t *testing.T) {
	h := header{
		Target: Endpoint{NetId: NetworkId{1, 1, 1, 1, 1, 1}, Port: PortIO},
		Source: Endpoint{NetId: NetworkId{2, 2, 2, 2, 1, 1}, Port: 9000},
	}
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	frame := encodeFrame(h, payload)

	wantLen := 6 + amsHeaderSize + len(payload)
	if len(frame) != wantLen {
		t.Fatalf("frame length = %d, want %d", len(frame), wantLen)
	}

	var prefix [6]byte
	copy(prefix[:], frame[:6])
	total, err := readLengthPrefix(prefix)
	if err != nil {
		t.Fatalf("readLengthPrefix: %v", err)
	}
	if total != uint32(amsHeaderSize+len(payload)) {
		t.Errorf("total length = %d, want %d", total, amsHeaderSize+len(payload))
	}

	gotPayload := frame[6+amsHeaderSize:]
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %x, want %x", gotPayload, payload)
	}

	gotHeader, err := decodeHeader(frame[6 : 6+amsHeaderSize])
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if gotHeader.DataLength != uint32(len(payload)) {
		t.Errorf("DataLength = %d, want %d", gotHeader.DataLength, len(payload))
	}
}

func TestReadLengthPrefixRejectsShortTotal(t *testing.T) {
	var prefix [6]byte
	// total length smaller than the AMS header itself is never valid.
	prefix[2], prefix[3], prefix[4], prefix[5] = 4, 0, 0, 0
	if _, err := readLengthPrefix(prefix); err == nil {
		t.Error("expected an error for a total length shorter than the AMS header")
	}
}

func TestReadRequestPayload(t *testing.T) {
	buf := readRequestPayload(IndexGroupSymbolValueByHandle, 0x1234, 8)
	if len(buf) != 12 {
		t.Fatalf("len = %d, want 12", len(buf))
	}
	group, offset, length := uint32At(buf, 0), uint32At(buf, 4), uint32At(buf, 8)
	if group != IndexGroupSymbolValueByHandle || offset != 0x1234 || length != 8 {
		t.Errorf("got group=%d offset=%d length=%d", group, offset, length)
	}
}

func TestWriteRequestPayload(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	buf := writeRequestPayload(IndexGroupSymbolValueByHandle, 0x55, data)
	if len(buf) != 12+len(data) {
		t.Fatalf("len = %d, want %d", len(buf), 12+len(data))
	}
	if !bytes.Equal(buf[12:], data) {
		t.Errorf("trailing data = %x, want %x", buf[12:], data)
	}
	if uint32At(buf, 8) != uint32(len(data)) {
		t.Errorf("length field = %d, want %d", uint32At(buf, 8), len(data))
	}
}

func TestReadWriteRequestPayload(t *testing.T) {
	data := []byte{9, 9}
	buf := readWriteRequestPayload(IndexGroupSymbolHandleByName, 0, 4, data)
	if len(buf) != 16+len(data) {
		t.Fatalf("len = %d, want %d", len(buf), 16+len(data))
	}
	if uint32At(buf, 0) != IndexGroupSymbolHandleByName {
		t.Errorf("group = %d, want %d", uint32At(buf, 0), IndexGroupSymbolHandleByName)
	}
	if uint32At(buf, 8) != 4 {
		t.Errorf("readLen = %d, want 4", uint32At(buf, 8))
	}
	if uint32At(buf, 12) != uint32(len(data)) {
		t.Errorf("writeLen = %d, want %d", uint32At(buf, 12), len(data))
	}
	if !bytes.Equal(buf[16:], data) {
		t.Errorf("trailing data = %x, want %x", buf[16:], data)
	}
}
