package shm

import (
	"bytes"
	"testing"
)

func newTestSegment(t *testing.T, totalSize int) *SessionSegment {
	t.Helper()
	buf := make([]byte, totalSize)
	seg, err := newSessionSegment("session1", buf)
	if err != nil {
		t.Fatalf("newSessionSegment: %v", err)
	}
	return seg
}

func TestTryWriteThenReadRoundTrip(t *testing.T) {
	seg := newTestSegment(t, 2048)

	payload := []byte("hello world")
	written, frameID, err := seg.TryWriteFrame(payload)
	if err != nil || !written {
		t.Fatalf("TryWriteFrame: written=%v err=%v", written, err)
	}
	if frameID != 1 {
		t.Fatalf("expected frame id 1, got %d", frameID)
	}

	frame, ok, err := seg.TryReadFrame()
	if err != nil || !ok {
		t.Fatalf("TryReadFrame: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(frame.Raw, payload) {
		t.Fatalf("round-trip mismatch: got %q want %q", frame.Raw, payload)
	}
}

func TestTryReadFrameOnEmptySegmentReturnsFalse(t *testing.T) {
	seg := newTestSegment(t, 2048)

	_, ok, err := seg.TryReadFrame()
	if err != nil || ok {
		t.Fatalf("expected ok=false err=nil on empty segment, got ok=%v err=%v", ok, err)
	}
}

func TestFramesAreDeliveredInFIFOOrder(t *testing.T) {
	seg := newTestSegment(t, 4096)

	for i := 0; i < 5; i++ {
		written, _, err := seg.TryWriteFrame([]byte{byte(i)})
		if err != nil || !written {
			t.Fatalf("write %d failed: written=%v err=%v", i, written, err)
		}
	}

	for i := 0; i < 5; i++ {
		frame, ok, err := seg.TryReadFrame()
		if err != nil || !ok {
			t.Fatalf("read %d failed: ok=%v err=%v", i, ok, err)
		}
		if frame.Raw[0] != byte(i) {
			t.Fatalf("out of order delivery: got %d want %d", frame.Raw[0], i)
		}
	}
}

func TestWrapAroundRegression(t *testing.T) {
	// Data region = 2048 - 256 = 1792 bytes. A 400-byte payload costs
	// 4 (length prefix) + 16 (wire header) + 400 = 420 bytes per frame.
	seg := newTestSegment(t, 2048)
	payload := bytes.Repeat([]byte{0xAB}, 400)

	for round := 0; round < 20; round++ {
		written, _, err := seg.TryWriteFrame(payload)
		if err != nil || !written {
			t.Fatalf("round %d: write failed written=%v err=%v", round, written, err)
		}
		frame, ok, err := seg.TryReadFrame()
		if err != nil || !ok {
			t.Fatalf("round %d: read failed ok=%v err=%v", round, ok, err)
		}
		if !bytes.Equal(frame.Raw, payload) {
			t.Fatalf("round %d: payload mismatch after wrap", round)
		}
	}

	if seg.writePos() < seg.DataRegionSize() {
		t.Fatalf("expected write_pos to have wrapped past data region size, got %d", seg.writePos())
	}
}

func TestTryWriteFrameRejectsOversizedSingleFrame(t *testing.T) {
	seg := newTestSegment(t, 512) // data region = 256 bytes

	written, frameID, err := seg.TryWriteFrame(bytes.Repeat([]byte{1}, 1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written {
		t.Fatal("expected oversized frame to be rejected")
	}
	if frameID != -1 {
		t.Fatalf("expected frame id -1 on rejection, got %d", frameID)
	}
}

func TestTryWriteFrameRejectsWhenRingIsFull(t *testing.T) {
	seg := newTestSegment(t, 1024) // data region = 768 bytes

	payload := bytes.Repeat([]byte{1}, 700) // record_len+4 = 720, fits once
	written, _, err := seg.TryWriteFrame(payload)
	if err != nil || !written {
		t.Fatalf("first write should succeed: written=%v err=%v", written, err)
	}

	written, frameID, err := seg.TryWriteFrame(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written {
		t.Fatal("expected second write to be rejected for insufficient free space")
	}
	if frameID != -1 {
		t.Fatalf("expected frame id -1 on rejection, got %d", frameID)
	}
}

func TestUsageRatioReflectsOccupancy(t *testing.T) {
	seg := newTestSegment(t, 1024) // data region = 768 bytes

	if ratio := seg.UsageRatio(); ratio != 0 {
		t.Fatalf("expected 0 ratio on empty segment, got %f", ratio)
	}

	if _, _, err := seg.TryWriteFrame(bytes.Repeat([]byte{1}, 380)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// 4 + 16 + 380 = 400 bytes used out of 768.
	if ratio := seg.UsageRatio(); ratio < 0.5 || ratio > 0.53 {
		t.Fatalf("unexpected usage ratio: %f", ratio)
	}
}

func TestTryReadFrameDetectsMalformedVersion(t *testing.T) {
	seg := newTestSegment(t, 2048)

	if _, _, err := seg.TryWriteFrame([]byte("payload")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Corrupt the version field of the wire header in place (offset
	// HeaderSize+4, right after the u32 length prefix).
	seg.buf[HeaderSize+4] = 0xFF
	seg.buf[HeaderSize+5] = 0xFF

	_, _, err := seg.TryReadFrame()
	if err == nil {
		t.Fatal("expected malformed-version error")
	}
}

func TestOpenSessionSegmentRecoversSessionIDFromHeader(t *testing.T) {
	buf := make([]byte, 2048)
	seg, err := newSessionSegment("abc-123", buf)
	if err != nil {
		t.Fatalf("newSessionSegment: %v", err)
	}
	if _, _, err := seg.TryWriteFrame([]byte("x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reopened, err := openSessionSegment(buf)
	if err != nil {
		t.Fatalf("openSessionSegment: %v", err)
	}
	if reopened.SessionID() != "abc-123" {
		t.Fatalf("expected session id abc-123, got %q", reopened.SessionID())
	}

	frame, ok, err := reopened.TryReadFrame()
	if err != nil || !ok {
		t.Fatalf("reopened segment should observe the frame written before reopen: ok=%v err=%v", ok, err)
	}
	if string(frame.Raw) != "x" {
		t.Fatalf("unexpected payload: %q", frame.Raw)
	}
}
