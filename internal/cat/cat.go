// Package cat reads the receiver's front-panel state over its serial
// control port using the Kenwood-style text protocol.
package cat

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/fdmspectrum/internal/logging"
	"github.com/rjboer/fdmspectrum/internal/radio"
)

var (
	// ErrNotOpen is returned after Close.
	ErrNotOpen = errors.New("cat port not open")
	// ErrBadResponse means the radio answered with something unparseable.
	ErrBadResponse = errors.New("cat: malformed response")
	// ErrUnsupported is returned where serial ports are not implemented.
	ErrUnsupported = errors.New("cat: serial ports not supported on this platform")
)

// Port is a serial line. Read may return 0, nil when no data is waiting.
type Port interface {
	io.ReadWriter
	// Flush discards unread input.
	Flush() error
	Close() error
}

const (
	// BaudRate is fixed by the receiver.
	BaudRate = 38400

	maxResponse = 64
	settleDelay = 50 * time.Millisecond
	retryDelay  = 10 * time.Millisecond
	readRetries = 10
)

// Client issues one command at a time on a Port.
type Client struct {
	mu     sync.Mutex
	port   Port
	device string
	logger logging.Logger
	sleep  func(time.Duration)
}

// Open opens device at 38400 8N1 raw and returns a Client for it.
func Open(device string, logger logging.Logger) (*Client, error) {
	port, err := openSerial(device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	c := New(port, logger)
	c.device = device
	c.logger.Info("serial port opened", logging.F("device", device), logging.F("baud", BaudRate))
	return c, nil
}

// New wraps an already configured port.
func New(port Port, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		port:   port,
		logger: logger.With(logging.Subsystem("cat")),
		sleep:  time.Sleep,
	}
}

// IsOpen reports whether the port is still held.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// Device returns the path passed to Open.
func (c *Client) Device() string { return c.device }

// Close releases the port. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	c.logger.Info("serial port closed")
	return err
}

// Command sends cmd and returns the reply up to and including the
// terminating ';'. A reply that never terminates is returned as read.
func (c *Client) Command(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return "", ErrNotOpen
	}
	if err := c.port.Flush(); err != nil {
		c.logger.Debug("flush failed", logging.Err(err))
	}
	n, err := c.port.Write([]byte(cmd))
	if err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	if n != len(cmd) {
		return "", fmt.Errorf("write %q: short write (%d of %d)", cmd, n, len(cmd))
	}
	c.sleep(settleDelay)

	buf := make([]byte, maxResponse-1)
	total := 0
	for retries := readRetries; total < len(buf) && retries > 0; {
		n, err := c.port.Read(buf[total:])
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read reply to %q: %w", cmd, err)
		}
		if n > 0 {
			total += n
			if buf[total-1] == ';' {
				break
			}
			continue
		}
		retries--
		c.sleep(retryDelay)
	}
	return string(buf[:total]), nil
}

// kenwoodMode maps the mode digit used by IF and RF.
func kenwoodMode(d byte) radio.Mode {
	switch d {
	case '1':
		return radio.ModeLSB
	case '2':
		return radio.ModeUSB
	case '3':
		return radio.ModeCW
	case '4':
		return radio.ModeFM
	case '5':
		return radio.ModeAM
	case '7':
		return radio.ModeCWR
	default:
		return radio.ModeUnknown
	}
}

func kenwoodDigit(m radio.Mode) (byte, bool) {
	switch m {
	case radio.ModeLSB:
		return '1', true
	case radio.ModeUSB:
		return '2', true
	case radio.ModeCW:
		return '3', true
	case radio.ModeFM:
		return '4', true
	case radio.ModeAM:
		return '5', true
	case radio.ModeCWR:
		return '7', true
	default:
		return 0, false
	}
}

// ParseIF decodes an IF reply: frequency in characters 2-12, mode digit
// at 29 and VFO at 30.
func ParseIF(resp string) (radio.State, error) {
	if len(resp) < 32 || !strings.HasPrefix(resp, "IF") {
		return radio.State{}, fmt.Errorf("%w: IF reply %q", ErrBadResponse, resp)
	}
	hz, err := strconv.ParseInt(strings.TrimSpace(resp[2:13]), 10, 64)
	if err != nil {
		return radio.State{}, fmt.Errorf("%w: IF frequency %q", ErrBadResponse, resp[2:13])
	}
	st := radio.State{
		FrequencyHz: hz,
		Mode:        kenwoodMode(resp[29]),
		Source:      radio.SourceCAT,
	}
	if resp[30] == '1' {
		st.VFO = radio.VFOB
	}
	return st, nil
}

// FreqMode polls frequency, mode and VFO with a single IF command.
func (c *Client) FreqMode() (radio.State, error) {
	resp, err := c.Command("IF;")
	if err != nil {
		return radio.State{}, err
	}
	return ParseIF(resp)
}

// FilterBandwidth asks for the receive filter of mode and renders it as
// shown on the radio. Unknown filter codes come back as "?<code>".
func (c *Client) FilterBandwidth(mode radio.Mode) (string, error) {
	d, ok := kenwoodDigit(mode)
	if !ok {
		return "", fmt.Errorf("filter bandwidth: no filter table for mode %v", mode)
	}
	resp, err := c.Command("RF" + string(d) + ";")
	if err != nil {
		return "", err
	}
	return ParseRF(mode, resp)
}

// ParseRF decodes an RF reply ("RF" mode code ';') against the filter
// table of mode.
func ParseRF(mode radio.Mode, resp string) (string, error) {
	if len(resp) < 6 || !strings.HasPrefix(resp, "RF") {
		return "", fmt.Errorf("%w: RF reply %q", ErrBadResponse, resp)
	}
	code, err := strconv.Atoi(resp[3:5])
	if err != nil {
		return "", fmt.Errorf("%w: RF filter code %q", ErrBadResponse, resp[3:5])
	}
	return FilterName(mode, code), nil
}

// State polls frequency, mode, VFO and, when the mode has one, the filter.
// A failed filter query leaves Filter empty.
func (c *Client) State() (radio.State, error) {
	st, err := c.FreqMode()
	if err != nil {
		return st, err
	}
	if _, ok := kenwoodDigit(st.Mode); ok {
		if f, err := c.FilterBandwidth(st.Mode); err == nil {
			st.Filter = f
		} else {
			c.logger.Debug("filter query failed", logging.Err(err))
		}
	}
	return st, nil
}
