package cobs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kstaniek/go-loshark/internal/metrics"
)

func seq(n int, start byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i%250)
	}
	return b
}

func TestEncodeKnownVectors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", []byte{}, []byte{0x01, 0x00}},
		{"single zero", []byte{0x00}, []byte{0x01, 0x01, 0x00}},
		{"two zeros", []byte{0x00, 0x00}, []byte{0x01, 0x01, 0x01, 0x00}},
		{"zero in middle", []byte{0x11, 0x22, 0x00, 0x33}, []byte{0x03, 0x11, 0x22, 0x02, 0x33, 0x00}},
		{"no zeros", []byte{0x11, 0x22, 0x33, 0x44}, []byte{0x05, 0x11, 0x22, 0x33, 0x44, 0x00}},
		{"trailing zero", []byte{0x11, 0x00}, []byte{0x02, 0x11, 0x01, 0x00}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Encode(tc.in)
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("Encode(% X)=% X want % X", tc.in, got, tc.want)
			}
			back, err := Decode(got[:len(got)-1])
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(back, tc.in) {
				t.Fatalf("round trip % X -> % X", tc.in, back)
			}
		})
	}
}

func TestEncodeLongRuns(t *testing.T) {
	for _, n := range []int{253, 254, 255, 508, 1000} {
		in := seq(n, 1)
		enc := Encode(in)
		if len(enc) > MaxEncodedLen(n) {
			t.Fatalf("n=%d encoded len %d exceeds bound %d", n, len(enc), MaxEncodedLen(n))
		}
		if i := bytes.IndexByte(enc, 0); i != len(enc)-1 {
			t.Fatalf("n=%d zero byte at %d inside encoded frame", n, i)
		}
		back, err := Decode(enc[:len(enc)-1])
		if err != nil {
			t.Fatalf("n=%d decode: %v", n, err)
		}
		if !bytes.Equal(back, in) {
			t.Fatalf("n=%d round trip mismatch", n)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte{0x05, 0x11, 0x22}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := Decode([]byte{0x03, 0x11, 0x00}); !errors.Is(err, ErrUnexpectedZero) {
		t.Fatalf("expected ErrUnexpectedZero, got %v", err)
	}
}

func TestDecoderChunkedStream(t *testing.T) {
	want := [][]byte{
		{0x81, 0xA2, 0x69, 0x64, 0x07},
		{0x00, 0x00, 0x01},
		seq(300, 3),
		{0xFF},
	}
	var stream []byte
	for _, f := range want {
		stream = Append(stream, f)
	}

	var got [][]byte
	dec := NewDecoder(0, func(f []byte) { got = append(got, f) })

	// Feed irregular chunks to exercise partial-frame buffering.
	chunkSizes := []int{1, 2, 3, 5, 7, 11, 64}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		dec.Feed(stream[pos : pos+n])
		pos += n
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d mismatch\n got  % X\n want % X", i, got[i], want[i])
		}
	}
	if dec.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", dec.Buffered())
	}
}

func TestDecoderMultipleFramesInOneChunk(t *testing.T) {
	stream := Append(Append(Append(nil, []byte{1}), []byte{2}), []byte{3})
	var n int
	dec := NewDecoder(0, func([]byte) { n++ })
	if emitted := dec.Feed(stream); emitted != 3 || n != 3 {
		t.Fatalf("emitted=%d callbacks=%d want 3", emitted, n)
	}
}

func TestDecoderSkipsEmptyFramesAndResyncs(t *testing.T) {
	before := metrics.Snap().Malformed
	var got [][]byte
	dec := NewDecoder(0, func(f []byte) { got = append(got, f) })

	// idle delimiters, a truncated block, then a good frame after resync
	stream := []byte{0x00, 0x00}
	stream = append(stream, 0x09, 0x11, 0x00)
	stream = Append(stream, []byte{0xAA, 0xBB})
	dec.Feed(stream)

	if len(got) != 1 || !bytes.Equal(got[0], []byte{0xAA, 0xBB}) {
		t.Fatalf("unexpected frames: %v", got)
	}
	if after := metrics.Snap().Malformed; after <= before {
		t.Fatalf("expected malformed metric increment, before=%d after=%d", before, after)
	}
}

func TestDecoderOversizeFrameDropped(t *testing.T) {
	var got [][]byte
	dec := NewDecoder(16, func(f []byte) { got = append(got, f) })
	dec.Feed(Encode(seq(40, 1)))
	dec.Feed(Encode([]byte{0x42}))
	if len(got) != 1 || got[0][0] != 0x42 {
		t.Fatalf("expected only the small frame, got %d frames", len(got))
	}
}

func TestEncoderWritesThroughSink(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncoder(func(b []byte) error { _, err := wire.Write(b); return err })
	if err := enc.Encode([]byte{0x00, 0x01}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(wire.Bytes(), []byte{0x01, 0x02, 0x01, 0x00}) {
		t.Fatalf("wire=% X", wire.Bytes())
	}
}
