// Package cobs implements Consistent Overhead Byte Stuffing framing as used on
// the LoShark USB link: every frame on the wire is COBS(payload) followed by a
// single 0x00 delimiter.
package cobs

import (
	"bytes"
	"errors"

	"github.com/kstaniek/go-loshark/internal/metrics"
)

// Delimiter terminates every encoded frame.
const Delimiter = 0x00

// DefaultMaxFrame bounds the decoder's partial-frame buffer.
const DefaultMaxFrame = 64 * 1024

var (
	// ErrTruncated is returned when a code byte points past the end of the frame.
	ErrTruncated = errors.New("cobs: truncated block")
	// ErrUnexpectedZero is returned when a zero byte appears inside an encoded frame.
	ErrUnexpectedZero = errors.New("cobs: unexpected zero byte")
)

// MaxEncodedLen returns the worst-case encoded size of n payload bytes, delimiter included.
func MaxEncodedLen(n int) int { return n + n/254 + 2 }

// Append appends COBS(src) and the delimiter to dst.
func Append(dst, src []byte) []byte {
	codeIdx := len(dst)
	dst = append(dst, 0) // placeholder for the first code byte
	code := byte(1)
	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xFF {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return append(dst, Delimiter)
}

// Encode returns COBS(src) followed by the delimiter.
func Encode(src []byte) []byte {
	return Append(make([]byte, 0, MaxEncodedLen(len(src))), src)
}

// Decode reverses the stuffing of a single frame. src must not contain the delimiter.
func Decode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		code := int(src[i])
		if code == 0 {
			return nil, ErrUnexpectedZero
		}
		i++
		end := i + code - 1
		if end > len(src) {
			return nil, ErrTruncated
		}
		block := src[i:end]
		if bytes.IndexByte(block, 0) >= 0 {
			return nil, ErrUnexpectedZero
		}
		out = append(out, block...)
		i = end
		if code < 0xFF && i < len(src) {
			out = append(out, 0)
		}
	}
	return out, nil
}

// Encoder stuffs frames and hands the wire bytes to a sink (typically a transport write).
type Encoder struct {
	sink func([]byte) error
}

// NewEncoder returns an Encoder writing through sink.
func NewEncoder(sink func([]byte) error) *Encoder { return &Encoder{sink: sink} }

// Encode stuffs frame and passes the result to the sink.
func (e *Encoder) Encode(frame []byte) error { return e.sink(Encode(frame)) }

// Decoder turns an arbitrary byte stream into frames. It keeps partial-frame
// state across Feed calls and is not safe for concurrent use; one read loop
// owns it.
type Decoder struct {
	acc      bytes.Buffer
	max      int
	skipping bool // oversize frame in progress; drop until next delimiter
	onFrame  func([]byte)
}

// NewDecoder returns a Decoder that calls onFrame once per decoded frame.
// maxFrame <= 0 selects DefaultMaxFrame.
func NewDecoder(maxFrame int, onFrame func([]byte)) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{max: maxFrame, onFrame: onFrame}
}

// Feed consumes one inbound chunk and returns the number of frames emitted.
// Malformed frames are counted and skipped; decoding resumes at the next delimiter.
func (d *Decoder) Feed(chunk []byte) int {
	emitted := 0
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, Delimiter)
		if i < 0 {
			d.buffer(chunk)
			return emitted
		}
		d.buffer(chunk[:i])
		chunk = chunk[i+1:]
		if d.skipping {
			d.skipping = false
			d.reset()
			continue
		}
		if d.acc.Len() == 0 { // back-to-back delimiters
			continue
		}
		frame, err := Decode(d.acc.Bytes())
		d.reset()
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		metrics.IncFramesRx()
		emitted++
		d.onFrame(frame)
	}
	return emitted
}

// Buffered reports the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int { return d.acc.Len() }

func (d *Decoder) buffer(p []byte) {
	if d.skipping || len(p) == 0 {
		return
	}
	if d.acc.Len()+len(p) > d.max {
		metrics.IncMalformed()
		d.skipping = true
		d.reset()
		return
	}
	d.acc.Write(p)
}

func (d *Decoder) reset() {
	// Release pathological backing arrays once drained.
	if d.acc.Cap() > d.max {
		d.acc = bytes.Buffer{}
		return
	}
	d.acc.Reset()
}
