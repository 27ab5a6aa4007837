package protocol

import "bytes"

// StreamParser extracts frames from a byte stream arriving in arbitrary
// chunks over the serial link. It scans forward for the magic preamble,
// waits until a full frame is buffered, and retains the unconsumed
// suffix between calls. Bytes preceding a found magic are discarded,
// which bounds buffer growth against line noise.
//
// Not safe for concurrent use; the serial driver owns one parser.
type StreamParser struct {
	buf []byte

	// Counters for the driver's statistics.
	Frames    uint64
	CRCErrors uint64
	Dropped   uint64
}

// Feed appends data to the carry buffer and returns every complete,
// valid frame now available. Frames failing CRC or header validation
// are counted and skipped.
func (p *StreamParser) Feed(data []byte) []*Frame {
	p.buf = append(p.buf, data...)

	var frames []*Frame
	for {
		idx := bytes.Index(p.buf, Magic)
		if idx == -1 {
			// No magic; keep only a potential split preamble.
			if len(p.buf) > MagicSize {
				p.Dropped += uint64(len(p.buf) - MagicSize)
				p.buf = p.buf[len(p.buf)-MagicSize:]
			}
			return frames
		}
		if idx > 0 {
			p.Dropped += uint64(idx)
			p.buf = p.buf[idx:]
		}

		if len(p.buf) < MinFrameSize {
			return frames
		}

		payloadLen := int(p.buf[MagicSize+HeaderSize-1])
		frameLen := MagicSize + HeaderSize + payloadLen + CRCSize
		if len(p.buf) < frameLen {
			return frames
		}

		frame, err := DecodeFrame(p.buf[:frameLen])
		if err != nil {
			if fe, ok := err.(*FrameError); ok && fe.Kind == FrameBadCRC {
				p.CRCErrors++
			}
			p.Dropped += uint64(frameLen)
		} else {
			p.Frames++
			frames = append(frames, frame)
		}
		p.buf = p.buf[frameLen:]
	}
}

// Pending reports how many bytes are carried for the next Feed.
func (p *StreamParser) Pending() int {
	return len(p.buf)
}
