package cobs

import "testing"

func BenchmarkEncode64(b *testing.B) {
	payload := seq(64, 0)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Encode(payload)
	}
}

func BenchmarkDecoderFeed(b *testing.B) {
	var stream []byte
	for i := 0; i < 32; i++ {
		stream = Append(stream, seq(48, byte(i)))
	}
	dec := NewDecoder(0, func([]byte) {})
	b.SetBytes(int64(len(stream)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dec.Feed(stream)
	}
}
