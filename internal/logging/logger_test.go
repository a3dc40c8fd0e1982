package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, "WARNING": Warn, " error ": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestTextLoggerFiltersAndFormats(t *testing.T) {
	var buf bytes.Buffer
	l := New(Warn, Text, &buf).With(Subsystem("usb"))
	l.Info("hidden")
	l.Warn("transfers pending", F("count", 2), Err(errors.New("timeout")))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	for _, want := range []string{"[WARN] transfers pending", "subsystem=usb", "count=2", "error=timeout"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	New(Debug, JSON, &buf).Debug("frame", F("rssi_db", -42.5))

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if payload["msg"] != "frame" || payload["level"] != "DEBUG" || payload["rssi_db"] != -42.5 {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	l := Nop()
	SetDefault(l)
	SetDefault(nil)
	if Default() != l {
		t.Fatalf("nil logger replaced the default")
	}
}
