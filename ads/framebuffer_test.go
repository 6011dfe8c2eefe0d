package ads

import (
	"context"
	"testing"
	"time"
)

func TestFrameBufferAddAndSince(t *testing.T) {
	b := NewFrameBuffer(4)
	t0 := time.Now()

	b.add([]byte{1})
	time.Sleep(time.Millisecond)
	b.add([]byte{2})

	got := b.Since(t0)
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0][0] != 1 || got[1][0] != 2 {
		t.Errorf("got %v, want [[1] [2]] in order", got)
	}
}

func TestFrameBufferSinceExcludesOlder(t *testing.T) {
	b := NewFrameBuffer(4)
	b.add([]byte{1})
	time.Sleep(time.Millisecond)
	cutoff := time.Now()
	time.Sleep(time.Millisecond)
	b.add([]byte{2})

	got := b.Since(cutoff)
	if len(got) != 1 || got[0][0] != 2 {
		t.Errorf("got %v, want only [2]", got)
	}
}

func TestFrameBufferWrapsWhenFull(t *testing.T) {
	b := NewFrameBuffer(2)
	b.add([]byte{1})
	b.add([]byte{2})
	b.add([]byte{3}) // evicts 1

	got := b.Since(time.Time{})
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0][0] != 2 || got[1][0] != 3 {
		t.Errorf("got %v, want [[2] [3]]", got)
	}
}

func TestFrameBufferDefaultSize(t *testing.T) {
	b := NewFrameBuffer(0)
	if b.size != 256 {
		t.Errorf("size = %d, want default 256", b.size)
	}
}

func TestClientTapCapturesFrames(t *testing.T) {
	addr := startFakeServer(t, func(h header, payload []byte) ([]byte, uint32) {
		resp := make([]byte, 4)
		return resp, 0
	})
	c := dialTestClient(t, addr)

	buf := NewFrameBuffer(8)
	c.Tap(buf)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Read(ctx, PortTC3PLC1, IndexGroupSymbolValueByHandle, 0, 4); err != nil {
		t.Fatalf("Read: %v", err)
	}

	frames := buf.Since(time.Time{})
	if len(frames) < 2 {
		t.Fatalf("got %d tapped frames, want at least 2 (request + response)", len(frames))
	}
}
