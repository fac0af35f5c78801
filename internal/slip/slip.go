// Package slip implements the SLIP-style framing used by the ESP ROM
// bootloader: frames are delimited by End, and End/Esc bytes inside a frame
// are replaced by two-byte escape sequences.
package slip

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	return AppendEncode(make([]byte, 0, len(data)+10), data)
}

// AppendEncode appends the SLIP frame of data to dst and returns the
// extended buffer.
func AppendEncode(dst, data []byte) []byte {
	dst = append(dst, End)
	for _, b := range data {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, End)
}

// Decode extracts data from a SLIP frame.
// Removes END bytes and unescapes special bytes. An unknown escape
// sequence yields the byte following Esc.
func Decode(frame []byte) []byte {
	if len(frame) < 2 {
		return nil
	}

	start := 0
	end := len(frame)
	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}
	if start >= end {
		return nil
	}

	data := frame[start:end]
	result := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == Esc && i+1 < len(data) {
			i++
			result = append(result, unescape(data[i]))
			continue
		}
		result = append(result, data[i])
	}
	return result
}

func unescape(b byte) byte {
	switch b {
	case EscEnd:
		return End
	case EscEsc:
		return Esc
	default:
		return b
	}
}

// ReadFrame reads a complete SLIP frame from a byte stream.
// Returns the frame (including END delimiters) and remaining bytes.
// Bytes before the first END are skipped.
func ReadFrame(data []byte) (frame []byte, remaining []byte) {
	start := -1
	for i, b := range data {
		if b == End {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, data
	}

	inFrame := false
	for i := start; i < len(data); i++ {
		if data[i] == End {
			if inFrame {
				return data[start : i+1], data[i+1:]
			}
		} else {
			inFrame = true
		}
	}

	// Frame not complete yet
	return nil, data
}

// Decoder reassembles SLIP frames from a byte stream delivered in
// arbitrary chunks.
type Decoder struct {
	buf     []byte
	inFrame bool
	escaped bool
}

// Feed consumes a chunk and returns the payloads of all frames completed by
// it. Empty frames (back-to-back END bytes) are not reported.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	var frames [][]byte
	for _, b := range chunk {
		if b == End {
			if d.inFrame && len(d.buf) > 0 {
				frames = append(frames, d.buf)
				d.buf = nil
			}
			d.inFrame = true
			d.escaped = false
			continue
		}
		if !d.inFrame {
			continue
		}
		if d.escaped {
			d.buf = append(d.buf, unescape(b))
			d.escaped = false
			continue
		}
		if b == Esc {
			d.escaped = true
			continue
		}
		d.buf = append(d.buf, b)
	}
	return frames
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.buf = nil
	d.inFrame = false
	d.escaped = false
}
