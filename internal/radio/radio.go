// Package radio holds receiver state shared by the USB and serial control
// paths.
package radio

// Mode is the receiver's demodulation mode as shown to the operator.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeAM
	ModeLSB
	ModeUSB
	ModeCW
	ModeFM
	ModeCWR
)

func (m Mode) String() string {
	switch m {
	case ModeAM:
		return "AM"
	case ModeLSB:
		return "LSB"
	case ModeUSB:
		return "USB"
	case ModeCW:
		return "CW"
	case ModeFM:
		return "FM"
	case ModeCWR:
		return "CW-R"
	default:
		return "---"
	}
}

// VFO selects one of the two tuning memories.
type VFO int

const (
	VFOA VFO = iota
	VFOB
)

func (v VFO) String() string {
	if v == VFOB {
		return "VFO B"
	}
	return "VFO A"
}

// Source names where a State was read from.
type Source string

const (
	SourceNone Source = ""
	SourceCAT  Source = "cat"
	SourceUSB  Source = "usb"
)

// State is a snapshot of the tuning controls.
type State struct {
	FrequencyHz int64
	Mode        Mode
	VFO         VFO
	Filter      string
	Source      Source
}
