package ads

import (
	"bytes"
	"testing"
)

func TestUDPFrameRoundTrip(t *testing.T) {
	tags := map[uint32][]byte{
		tagNetId:     {10, 0, 0, 5, 1, 1, 1, 1},
		tagRouteName: cstr("my-host"),
	}

	frame := encodeUDPFrame(udpCmdAddRoute, 7, tags)

	got, err := decodeUDPFrame(frame)
	if err != nil {
		t.Fatalf("decodeUDPFrame: %v", err)
	}
	if len(got) != len(tags) {
		t.Fatalf("got %d tags, want %d", len(got), len(tags))
	}
	for id, want := range tags {
		if !bytes.Equal(got[id], want) {
			t.Errorf("tag %d = %x, want %x", id, got[id], want)
		}
	}
}

func TestUDPFrameNoTags(t *testing.T) {
	frame := encodeUDPFrame(udpCmdDiscoverRequest, 1, nil)
	got, err := decodeUDPFrame(frame)
	if err != nil {
		t.Fatalf("decodeUDPFrame: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d tags, want 0", len(got))
	}
}

func TestDecodeUDPFrameRejectsBadCookie(t *testing.T) {
	frame := encodeUDPFrame(udpCmdDiscoverRequest, 1, nil)
	frame[0] ^= 0xFF
	if _, err := decodeUDPFrame(frame); err == nil {
		t.Error("expected an error for a corrupted magic cookie")
	}
}

func TestDecodeUDPFrameRejectsShortFrame(t *testing.T) {
	if _, err := decodeUDPFrame(make([]byte, 8)); err == nil {
		t.Error("expected an error for a frame shorter than the fixed header")
	}
}

func TestDecodeUDPFrameRejectsTruncatedTagValue(t *testing.T) {
	frame := encodeUDPFrame(udpCmdDiscoverRequest, 1, map[uint32][]byte{1: {1, 2, 3, 4}})
	truncated := frame[:len(frame)-2]
	if _, err := decodeUDPFrame(truncated); err == nil {
		t.Error("expected an error for a tag value truncated by the frame boundary")
	}
}

func TestCstr(t *testing.T) {
	got := cstr("abc")
	want := []byte{'a', 'b', 'c', 0}
	if !bytes.Equal(got, want) {
		t.Errorf("cstr(\"abc\") = %v, want %v", got, want)
	}
}
