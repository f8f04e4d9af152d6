package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", in, got, err, want)
		}
		if _, err := ParseLevel(LevelName(got)); err != nil {
			t.Fatalf("LevelName(%v) does not parse back: %v", got, err)
		}
	}
	for _, bad := range []string{"", "trace", "bogus"} {
		if _, err := ParseLevel(bad); err == nil {
			t.Fatalf("ParseLevel(%q) accepted", bad)
		}
	}
}

func TestSharedLevel(t *testing.T) {
	prev := Level()
	defer SetLevel(prev)

	var jsonBuf, textBuf bytes.Buffer
	j := New("json", &jsonBuf)
	tx := New("text", &textBuf)

	SetLevel(slog.LevelWarn)
	j.Info("hidden")
	j.Warn("shown", "k", 1)
	tx.Info("hidden")
	if strings.Contains(jsonBuf.String(), "hidden") || textBuf.Len() != 0 {
		t.Fatalf("info leaked at warn: json=%q text=%q", jsonBuf.String(), textBuf.String())
	}
	if !strings.Contains(jsonBuf.String(), `"msg":"shown"`) {
		t.Fatalf("expected json warn line, got %s", jsonBuf.String())
	}

	SetLevel(slog.LevelDebug)
	tx.Debug("now_visible")
	if !strings.Contains(textBuf.String(), "msg=now_visible") {
		t.Fatalf("level change not applied: %q", textBuf.String())
	}
}

func TestSetIgnoresNil(t *testing.T) {
	prev := L()
	Set(nil)
	if L() != prev {
		t.Fatalf("Set(nil) replaced the global logger")
	}
}
