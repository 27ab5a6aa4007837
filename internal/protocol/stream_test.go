package protocol

import "testing"

func testFrame(seq uint16) *Frame {
	return &Frame{
		Version:    1,
		MsgType:    MsgTypeRFIDScan,
		DeviceType: DeviceTypeRFIDGate,
		Seq:        seq,
		Timestamp:  1700000000,
		Payload:    []byte{0xA1, 0xB2, 0xC3, 0xD4},
	}
}

func TestStreamParserWholeFrame(t *testing.T) {
	var p StreamParser
	frames := p.Feed(testFrame(1).Encode())
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Seq != 1 {
		t.Errorf("seq: got %d, want 1", frames[0].Seq)
	}
	if p.Pending() != 0 {
		t.Errorf("pending: got %d, want 0", p.Pending())
	}
}

// Frames arriving one byte at a time must still be assembled.
func TestStreamParserByteAtATime(t *testing.T) {
	var p StreamParser
	encoded := testFrame(7).Encode()

	var frames []*Frame
	for _, b := range encoded {
		frames = append(frames, p.Feed([]byte{b})...)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Seq != 7 {
		t.Errorf("seq: got %d, want 7", frames[0].Seq)
	}
}

func TestStreamParserMultipleFramesOneChunk(t *testing.T) {
	var p StreamParser
	data := append(testFrame(1).Encode(), testFrame(2).Encode()...)
	data = append(data, testFrame(3).Encode()...)

	frames := p.Feed(data)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint16(i+1) {
			t.Errorf("frame %d seq: got %d, want %d", i, f.Seq, i+1)
		}
	}
}

// Line noise before the magic is discarded without losing the frame.
func TestStreamParserLeadingGarbage(t *testing.T) {
	var p StreamParser
	data := append([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x13}, testFrame(9).Encode()...)

	frames := p.Feed(data)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if p.Dropped != 5 {
		t.Errorf("dropped: got %d, want 5", p.Dropped)
	}
}

// With no magic in sight, only a possible split preamble is retained.
func TestStreamParserBoundsBuffer(t *testing.T) {
	var p StreamParser
	noise := make([]byte, 4096)
	for i := range noise {
		noise[i] = 0xAA
	}
	p.Feed(noise)
	if p.Pending() > MagicSize {
		t.Errorf("pending after noise: got %d, want <= %d", p.Pending(), MagicSize)
	}
}

// A magic split across two chunks must survive the carry buffer.
func TestStreamParserSplitMagic(t *testing.T) {
	var p StreamParser
	encoded := testFrame(5).Encode()

	if got := p.Feed(encoded[:2]); len(got) != 0 {
		t.Fatalf("premature frames: %d", len(got))
	}
	frames := p.Feed(encoded[2:])
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Seq != 5 {
		t.Errorf("seq: got %d, want 5", frames[0].Seq)
	}
}

// A corrupted frame is skipped and the following frame still parses.
func TestStreamParserSkipsBadCRC(t *testing.T) {
	var p StreamParser
	bad := testFrame(1).Encode()
	bad[13] ^= 0x01 // corrupt payload byte
	data := append(bad, testFrame(2).Encode()...)

	frames := p.Feed(data)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Seq != 2 {
		t.Errorf("seq: got %d, want 2", frames[0].Seq)
	}
	if p.CRCErrors != 1 {
		t.Errorf("crc errors: got %d, want 1", p.CRCErrors)
	}
}
