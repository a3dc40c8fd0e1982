package cat

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/fdmspectrum/internal/logging"
	"github.com/rjboer/fdmspectrum/internal/radio"
)

// fakePort answers each written command from replies, handing the answer
// out chunk bytes at a time with an empty read in between.
type fakePort struct {
	replies map[string]string
	chunk   int
	written []string
	flushes int
	closed  bool

	pending string
	empty   bool
	reads   int
}

func (p *fakePort) Write(b []byte) (int, error) {
	cmd := string(b)
	p.written = append(p.written, cmd)
	p.pending = p.replies[cmd]
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.reads++
	if p.pending == "" || p.empty {
		p.empty = false
		return 0, nil
	}
	n := len(p.pending)
	if p.chunk > 0 && n > p.chunk {
		n = p.chunk
	}
	n = copy(b, p.pending[:n])
	p.pending = p.pending[n:]
	p.empty = true
	return n, nil
}

func (p *fakePort) Flush() error { p.flushes++; return nil }
func (p *fakePort) Close() error { p.closed = true; return nil }

func newTestClient(p *fakePort) *Client {
	c := New(p, logging.Nop())
	c.sleep = func(time.Duration) {}
	return c
}

func ifReply(hz int64, mode byte, vfo byte) string {
	return fmt.Sprintf("IF%011d%s%c%c00;", hz, strings.Repeat("0", 16), mode, vfo)
}

func TestParseIF(t *testing.T) {
	st, err := ParseIF(ifReply(7_100_000, '1', '1'))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.FrequencyHz != 7_100_000 || st.Mode != radio.ModeLSB || st.VFO != radio.VFOB || st.Source != radio.SourceCAT {
		t.Fatalf("unexpected state %+v", st)
	}

	modes := map[byte]radio.Mode{'2': radio.ModeUSB, '3': radio.ModeCW, '4': radio.ModeFM, '5': radio.ModeAM, '7': radio.ModeCWR, '6': radio.ModeUnknown}
	for d, want := range modes {
		st, err := ParseIF(ifReply(14_200_000, d, '0'))
		if err != nil || st.Mode != want || st.VFO != radio.VFOA {
			t.Fatalf("mode digit %c: got %+v %v", d, st, err)
		}
	}
}

func TestParseIFRejectsShortOrForeign(t *testing.T) {
	for _, resp := range []string{"", "IF0001;", "FA00007100000" + strings.Repeat("0", 20) + ";"} {
		if _, err := ParseIF(resp); !errors.Is(err, ErrBadResponse) {
			t.Fatalf("%q: expected ErrBadResponse, got %v", resp, err)
		}
	}
}

func TestFilterName(t *testing.T) {
	cases := []struct {
		mode radio.Mode
		code int
		want string
	}{
		{radio.ModeUSB, 11, "2.7k"},
		{radio.ModeLSB, 21, "D1k"},
		{radio.ModeLSB, 22, "?22"},
		{radio.ModeCW, 7, "100&4"},
		{radio.ModeCWR, 16, "2.6k"},
		{radio.ModeCW, 3, "?3"},
		{radio.ModeAM, 7, "6.0k"},
		{radio.ModeFM, 1, "Wide"},
		{radio.ModeFM, 5, "?5"},
		{radio.ModeUnknown, 0, "?0"},
	}
	for _, tc := range cases {
		if got := FilterName(tc.mode, tc.code); got != tc.want {
			t.Fatalf("FilterName(%v, %d): got %q want %q", tc.mode, tc.code, got, tc.want)
		}
	}
}

func TestCommandReassemblesChunks(t *testing.T) {
	p := &fakePort{replies: map[string]string{"IF;": ifReply(3_573_000, '2', '0')}, chunk: 5}
	c := newTestClient(p)
	st, err := c.FreqMode()
	if err != nil {
		t.Fatalf("freq mode: %v", err)
	}
	if st.FrequencyHz != 3_573_000 || st.Mode != radio.ModeUSB {
		t.Fatalf("unexpected state %+v", st)
	}
	if p.flushes != 1 || len(p.written) != 1 {
		t.Fatalf("expected one flush and one write, got %d/%d", p.flushes, len(p.written))
	}
}

func TestCommandGivesUpAfterRetries(t *testing.T) {
	p := &fakePort{replies: map[string]string{}}
	c := newTestClient(p)
	resp, err := c.Command("IF;")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp != "" || p.reads != readRetries {
		t.Fatalf("expected %d empty reads, got %d (resp %q)", readRetries, p.reads, resp)
	}
	if _, err := c.FreqMode(); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("silent radio should be a bad response, got %v", err)
	}
}

func TestStateIncludesFilter(t *testing.T) {
	p := &fakePort{replies: map[string]string{
		"IF;":  ifReply(7_074_000, '2', '0'),
		"RF2;": "RF211;",
	}}
	c := newTestClient(p)
	st, err := c.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Filter != "2.7k" {
		t.Fatalf("expected 2.7k filter, got %+v", st)
	}
	if p.written[1] != "RF2;" {
		t.Fatalf("unexpected filter command %q", p.written[1])
	}
}

func TestStateSkipsFilterForUnknownMode(t *testing.T) {
	p := &fakePort{replies: map[string]string{"IF;": ifReply(7_074_000, '9', '0')}}
	c := newTestClient(p)
	st, err := c.State()
	if err != nil || st.Filter != "" || len(p.written) != 1 {
		t.Fatalf("unexpected state %+v err %v writes %v", st, err, p.written)
	}
}

func TestClosedClient(t *testing.T) {
	p := &fakePort{}
	c := newTestClient(p)
	if err := c.Close(); err != nil || !p.closed {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Command("IF;"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if c.IsOpen() {
		t.Fatalf("client should report closed")
	}
}
