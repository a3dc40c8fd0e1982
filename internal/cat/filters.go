package cat

import (
	"strconv"

	"github.com/rjboer/fdmspectrum/internal/radio"
)

// Receive filter names by RF code, per mode family.
var (
	filtersSSB = []string{
		"1.6k", "1.7k", "1.8k", "1.9k", "2.0k", "2.1k", "2.2k", "2.3k",
		"2.4k", "2.5k", "2.6k", "2.7k", "2.8k", "2.9k", "3.0k", "3.1k",
		"4.0k", "5.0k", "6.0k", "D300", "D600", "D1k",
	}
	// Codes 0-6 are not used in CW.
	filtersCW = []string{
		"", "", "", "", "", "", "",
		"100&4", "100&3", "100&2", "100&1", "100", "300", "500",
		"1.0k", "1.5k", "2.6k",
	}
	filtersAM = []string{"2.5k", "3.0k", "3.5k", "4.0k", "4.5k", "5.0k", "5.5k", "6.0k"}
	filtersFM = []string{"Narrow", "Wide", "Data"}
)

// FilterName looks code up in the table for mode.
func FilterName(mode radio.Mode, code int) string {
	var table []string
	switch mode {
	case radio.ModeLSB, radio.ModeUSB:
		table = filtersSSB
	case radio.ModeCW, radio.ModeCWR:
		table = filtersCW
	case radio.ModeAM:
		table = filtersAM
	case radio.ModeFM:
		table = filtersFM
	}
	if code >= 0 && code < len(table) && table[code] != "" {
		return table[code]
	}
	return "?" + strconv.Itoa(code)
}
