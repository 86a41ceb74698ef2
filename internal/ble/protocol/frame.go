package protocol

import (
	"bytes"
	"errors"
)

// MaxFrameBytes bounds a reassembled frame.
const MaxFrameBytes = 512

// FrameDelimiter ends every frame sent by the console.
const FrameDelimiter = '\n'

// ErrFrameTooLong is returned by Feed when a frame grew past the limit and
// was discarded.
var ErrFrameTooLong = errors.New("protocol: frame exceeds size limit")

// Assembler rebuilds newline-terminated frames from a stream of
// characteristic writes. It is not safe for concurrent use.
type Assembler struct {
	max      int
	buf      []byte
	dropping bool // discarding until the next delimiter
}

// NewAssembler returns an Assembler that drops frames longer than maxBytes.
// maxBytes <= 0 selects MaxFrameBytes.
func NewAssembler(maxBytes int) *Assembler {
	if maxBytes <= 0 {
		maxBytes = MaxFrameBytes
	}
	return &Assembler{max: maxBytes}
}

// Feed appends chunk and returns every frame it completed, without the
// delimiter. Empty frames are skipped and a trailing '\r' is stripped. If a
// frame overflowed, it is discarded, the remaining frames are still
// returned and the error is ErrFrameTooLong.
func (a *Assembler) Feed(chunk []byte) ([][]byte, error) {
	var frames [][]byte
	var err error
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, FrameDelimiter)
		part := chunk
		if i >= 0 {
			part = chunk[:i]
			chunk = chunk[i+1:]
		} else {
			chunk = nil
		}

		if !a.dropping {
			if len(a.buf)+len(part) > a.max {
				a.buf = a.buf[:0]
				a.dropping = true
				err = ErrFrameTooLong
			} else {
				a.buf = append(a.buf, part...)
			}
		}

		if i < 0 {
			break
		}
		if !a.dropping {
			frame := bytes.TrimSuffix(a.buf, []byte{'\r'})
			if len(frame) > 0 {
				frames = append(frames, bytes.Clone(frame))
			}
		}
		a.buf = a.buf[:0]
		a.dropping = false
	}
	return frames, err
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

// Reset discards any partial frame.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.dropping = false
}
