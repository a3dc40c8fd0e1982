package usbdev

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/rjboer/fdmspectrum/internal/radio"
)

// FDM-DUO identity and stream layout.
const (
	VendorID   uint16 = 0x1721
	ProductID  uint16 = 0x061A
	Interface         = 0
	EndpointRF uint8  = 0x86

	// NominalRate is the receiver's sample clock before correction.
	NominalRate int64 = 122_880_000
	// StreamRate is the IQ output rate.
	StreamRate = 192_000
	// BufferSize is the size of one bulk transfer.
	BufferSize = 512 * 24
	// NumTransfers is the number of bulk reads kept in flight.
	NumTransfers = 2
)

// Control transfer request types.
const (
	reqTypeVendorIn  uint8 = 0xC0
	reqTypeVendorOut uint8 = 0x40
	reqTypeEndpoint  uint8 = 0x02
)

// Vendor requests.
const (
	reqFPGA         uint8 = 0xE1
	reqEEPROM       uint8 = 0xA2
	reqVersion      uint8 = 0xFF
	reqClearFeature uint8 = 0x01
)

// EEPROM addresses (wValue) for reqEEPROM; wIndex is always eepromIndex.
const (
	eepromIndex      uint16 = 0x0151
	eepromHWVersion  uint16 = 0x404C
	eepromSerial     uint16 = 0x4000
	eepromCorrection uint16 = 0x4024
)

// FPGA register selectors, carried in the high byte of wIndex.
const (
	regText       uint16 = 0xF1 << 8
	regTuning     uint16 = 0xF2 << 8
	regFreqMode   uint16 = 0xF5 << 8
	regFIFOInit   uint16 = 0xE8 << 8
	regFIFOEnable uint16 = 0xE9 << 8
	regStatus     uint16 = 0xFC << 8

	fifoAck         byte = 0xE9
	statusQueueBusy byte = 0x04
)

const (
	serialLen   = 32
	freqModeLen = 11
	textCmdLen  = 16
	twoPow32    = 4294967296.0
)

// TuningWord returns the 32-bit phase increment that tunes the receiver to
// hz at the given effective sample clock: round(2^32 * frac(hz/rate)).
func TuningWord(hz, rate int64) uint32 {
	if rate <= 0 {
		return 0
	}
	r := float64(rate)
	offset := float64(hz) - math.Floor(float64(hz)/r)*r
	w := math.Round(offset / r * twoPow32)
	return uint32(uint64(w) & 0xFFFFFFFF)
}

// TuningFrequency inverts TuningWord, returning a frequency in [0, rate).
func TuningFrequency(word uint32, rate int64) float64 {
	return float64(word) * float64(rate) / twoPow32
}

// splitTuningWord lays the word out over the tuning control transfer:
// bits 0-15 in wValue, bits 16-23 next to the register selector in wIndex,
// bits 24-31 as the first data byte.
func splitTuningWord(word uint32) (val, idx uint16, data [2]byte) {
	val = uint16(word & 0xFFFF)
	idx = regTuning | uint16((word>>16)&0xFF)
	data[0] = byte(word >> 24)
	return val, idx, data
}

// joinTuningWord is the inverse of splitTuningWord.
func joinTuningWord(val, idx uint16, data []byte) uint32 {
	word := uint32(val) | uint32(idx&0xFF)<<16
	if len(data) > 0 {
		word |= uint32(data[0]) << 24
	}
	return word
}

// textFrequencyCommand renders the receiver's text-protocol tuning
// command into the fixed 16-byte, NUL-padded control payload.
func textFrequencyCommand(hz int64) [textCmdLen]byte {
	var buf [textCmdLen]byte
	copy(buf[:textCmdLen-1], fmt.Sprintf("CF%11d;", hz))
	return buf
}

// parseTextFrequencyCommand extracts the frequency from a CF command.
func parseTextFrequencyCommand(data []byte) (int64, bool) {
	s := strings.TrimRight(string(data), "\x00")
	if !strings.HasPrefix(s, "CF") || !strings.HasSuffix(s, ";") {
		return 0, false
	}
	var hz int64
	if _, err := fmt.Sscanf(strings.TrimSpace(s[2:len(s)-1]), "%d", &hz); err != nil {
		return 0, false
	}
	return hz, true
}

// registerMode maps the mode nibble of the frequency/mode register.
func registerMode(b byte) radio.Mode {
	m := radio.Mode(b & 0x0F)
	if m < radio.ModeAM || m > radio.ModeCWR {
		return radio.ModeUnknown
	}
	return m
}

// parseFreqMode decodes the 11-byte frequency/mode register: bytes 1-4
// hold the frequency big-endian, byte 8 the mode nibble.
func parseFreqMode(buf []byte) (int64, radio.Mode, bool) {
	if len(buf) < freqModeLen {
		return 0, radio.ModeUnknown, false
	}
	hz := int64(binary.BigEndian.Uint32(buf[1:5]))
	return hz, registerMode(buf[8]), true
}

// encodeFreqMode is the inverse of parseFreqMode.
func encodeFreqMode(hz int64, mode radio.Mode) []byte {
	buf := make([]byte, freqModeLen)
	buf[0] = byte(regFreqMode >> 8)
	binary.BigEndian.PutUint32(buf[1:5], uint32(hz))
	buf[8] = byte(mode) & 0x0F
	return buf
}

func trimSerial(raw []byte) string {
	if i := strings.IndexByte(string(raw), 0); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(string(raw))
}
