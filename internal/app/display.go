package app

import (
	"context"
	"time"

	"github.com/rjboer/fdmspectrum/internal/handoff"
	"github.com/rjboer/fdmspectrum/internal/logging"
	"github.com/rjboer/fdmspectrum/internal/radio"
	"github.com/rjboer/fdmspectrum/internal/telemetry"
)

// RadioSource reports the front-panel state of the radio. *cat.Client
// implements it.
type RadioSource interface {
	State() (radio.State, error)
}

// DisplayConfig sets the consumer cadence.
type DisplayConfig struct {
	// Interval between polls of the handoff slot.
	Interval time.Duration
	// PollEvery is how many ticks pass between radio state reads.
	PollEvery int
}

// DefaultDisplayConfig polls at roughly 30 Hz and reads the radio state
// three times a second.
func DefaultDisplayConfig() DisplayConfig {
	return DisplayConfig{Interval: 33 * time.Millisecond, PollEvery: 10}
}

// Display is the consumer side of the handoff. It never blocks the
// transport thread: frames it misses are counted as superseded by the
// slot.
type Display struct {
	slot     *handoff.Slot
	dev      Transport
	cat      RadioSource
	reporter telemetry.Reporter
	logger   logging.Logger
	cfg      DisplayConfig

	frame  handoff.Frame
	state  radio.State
	ticks  uint64
	catErr bool
}

// NewDisplay builds a display loop. cat may be nil, in which case the
// USB frequency register is the only radio state source.
func NewDisplay(slot *handoff.Slot, dev Transport, cat RadioSource, reporter telemetry.Reporter, logger logging.Logger, cfg DisplayConfig) *Display {
	if logger == nil {
		logger = logging.Default()
	}
	def := DefaultDisplayConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = def.PollEvery
	}
	return &Display{
		slot:     slot,
		dev:      dev,
		cat:      cat,
		reporter: reporter,
		logger:   logger.With(logging.Subsystem("display")),
		cfg:      cfg,
		frame:    handoff.Frame{Spectrum: make([]float32, slot.Size())},
	}
}

// Run ticks until ctx is canceled.
func (d *Display) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick polls the radio state on every PollEvery-th call, starting with the
// first, then forwards a frame if one was published since the last tick.
func (d *Display) tick() {
	if d.ticks%uint64(d.cfg.PollEvery) == 0 {
		d.pollRadio()
	}
	d.ticks++

	if d.reporter == nil {
		return
	}
	if d.slot.Take(&d.frame) {
		d.reporter.ReportSpectrum(d.frame)
	}
}

// pollRadio prefers the serial CAT link and falls back to the USB
// frequency register. When both fail the last known state is kept.
func (d *Display) pollRadio() {
	connected := d.dev.IsOpen() && !d.dev.IsDisconnected()

	if st, ok := d.readRadio(connected); ok {
		d.state = st
	}
	if d.reporter == nil {
		return
	}
	info := d.dev.Info()
	st := telemetry.Status{
		Connected:   connected,
		Streaming:   connected && d.dev.IsStreaming(),
		FrequencyHz: d.state.FrequencyHz,
		Mode:        d.state.Mode.String(),
		VFO:         d.state.VFO.String(),
		Filter:      d.state.Filter,
		Source:      string(d.state.Source),
		Frames:      d.slot.Stats(),
		UpdatedAt:   time.Now(),
	}
	if connected {
		st.Serial = info.Serial
		st.Session = info.SessionID
	}
	d.reporter.ReportStatus(st)
}

func (d *Display) readRadio(connected bool) (radio.State, bool) {
	if d.cat != nil {
		st, err := d.cat.State()
		if err == nil {
			if d.catErr {
				d.logger.Info("CAT link recovered")
				d.catErr = false
			}
			return st, true
		}
		if !d.catErr {
			d.logger.Warn("CAT poll failed, falling back to USB register", logging.Err(err))
			d.catErr = true
		}
	}
	if !connected {
		return radio.State{}, false
	}
	st, err := d.dev.FreqMode()
	if err != nil {
		d.logger.Debug("frequency register read failed", logging.Err(err))
		return radio.State{}, false
	}
	return st, true
}
