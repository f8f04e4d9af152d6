package api

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const previewLen = 8

// DataPreview renders up to the first 8 bytes as hex, noting how many bytes were cut.
func DataPreview(b []byte) string {
	n := len(b)
	if n > previewLen {
		n = previewLen
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%02x", b[i])
	}
	s := strings.Join(parts, " ")
	if len(b) > previewLen {
		s = fmt.Sprintf("%s (...%d)", s, len(b)-previewLen)
	}
	return s
}

// HexDump renders b as offset | 16 hex bytes | ASCII rows.
func HexDump(b []byte) string {
	var sb strings.Builder
	for i := 0; i < len(b); i += 16 {
		fmt.Fprintf(&sb, "%04x| ", i)
		for j := 0; j < 16; j++ {
			if i+j < len(b) {
				fmt.Fprintf(&sb, "%02x ", b[i+j])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte('|')
		for j := 0; j < 16 && i+j < len(b); j++ {
			c := b[i+j]
			if c >= 32 && c <= 127 {
				sb.WriteByte(c)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseHex accepts hex with optional whitespace, ':' or '-' separators and a 0x prefix.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':', '-':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, fmt.Errorf("empty hex input")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	return b, nil
}
