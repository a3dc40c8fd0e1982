// Package app runs the two threads of the receiver: the transport loop
// that owns the USB device and feeds the spectrum engine, and the display
// loop that takes finished frames and reports them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/fdmspectrum/internal/dsp"
	"github.com/rjboer/fdmspectrum/internal/handoff"
	"github.com/rjboer/fdmspectrum/internal/logging"
	"github.com/rjboer/fdmspectrum/internal/radio"
	"github.com/rjboer/fdmspectrum/internal/usbdev"
)

// Transport is the device surface the loops drive. *usbdev.Device
// implements it.
type Transport interface {
	Open() error
	Close() error
	IsOpen() bool
	IsDisconnected() bool
	IsStreaming() bool
	StartStreaming(fn usbdev.SampleFunc) error
	StopStreaming()
	HandleEvents() error
	FreqMode() (radio.State, error)
	SetFrequency(hz int64) error
	Info() usbdev.Info
}

// ReceiverConfig controls reconnection pacing.
type ReceiverConfig struct {
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultReceiverConfig retries quickly at first and settles at one
// attempt every five seconds.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		RetryInitial: 250 * time.Millisecond,
		RetryMax:     5 * time.Second,
	}
}

// Receiver owns the device: it opens it, streams into the engine and
// publishes every finished frame to the slot. A lost device is closed and
// reopened with exponential backoff until the context ends.
type Receiver struct {
	dev    Transport
	engine *dsp.Engine
	slot   *handoff.Slot
	logger logging.Logger
	cfg    ReceiverConfig

	scratch  []float32
	sessions atomic.Uint64
	centerHz atomic.Int64
}

// NewReceiver wires a transport to an engine and a handoff slot. The
// slot must be sized to the engine's FFT length.
func NewReceiver(dev Transport, engine *dsp.Engine, slot *handoff.Slot, logger logging.Logger, cfg ReceiverConfig) (*Receiver, error) {
	if dev == nil || engine == nil || slot == nil {
		return nil, errors.New("receiver needs a transport, an engine and a slot")
	}
	if slot.Size() != engine.Size() {
		return nil, fmt.Errorf("handoff slot holds %d bins, engine produces %d", slot.Size(), engine.Size())
	}
	if logger == nil {
		logger = logging.Default()
	}
	def := DefaultReceiverConfig()
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = max(def.RetryMax, cfg.RetryInitial)
	}
	return &Receiver{
		dev:     dev,
		engine:  engine,
		slot:    slot,
		logger:  logger.With(logging.Subsystem("receiver")),
		cfg:     cfg,
		scratch: make([]float32, engine.Size()),
	}, nil
}

// Sessions counts successful connects.
func (r *Receiver) Sessions() uint64 { return r.sessions.Load() }

// CenterHz is the frequency the device reported when it last connected.
func (r *Receiver) CenterHz() int64 { return r.centerHz.Load() }

func (r *Receiver) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run blocks until ctx is canceled. The device is closed on return.
func (r *Receiver) Run(ctx context.Context) error {
	b := r.newBackOff()
	defer r.disconnect()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.connect(); err != nil {
			wait := b.NextBackOff()
			if errors.Is(err, usbdev.ErrNotFound) {
				r.logger.Debug("receiver not attached", logging.F("retry_in", wait.String()))
			} else {
				r.logger.Warn("connect failed", logging.Err(err), logging.F("retry_in", wait.String()))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		r.pump(ctx)
		r.disconnect()
	}
}

func (r *Receiver) connect() error {
	if err := r.dev.Open(); err != nil {
		return err
	}
	if st, err := r.dev.FreqMode(); err == nil {
		r.centerHz.Store(st.FrequencyHz)
	} else {
		r.logger.Debug("frequency register unreadable", logging.Err(err))
	}
	r.engine.Reset()
	if err := r.dev.StartStreaming(r.onSamples); err != nil {
		if cerr := r.dev.Close(); cerr != nil {
			r.logger.Debug("close after failed start", logging.Err(cerr))
		}
		return fmt.Errorf("start streaming: %w", err)
	}
	n := r.sessions.Add(1)
	info := r.dev.Info()
	r.logger.Info("receiver streaming",
		logging.F("serial", info.Serial),
		logging.F("session", info.SessionID),
		logging.F("frequency_hz", r.centerHz.Load()),
		logging.F("connects", n))
	return nil
}

// pump services completions until the device goes away or ctx ends.
func (r *Receiver) pump(ctx context.Context) {
	for ctx.Err() == nil {
		if err := r.dev.HandleEvents(); err != nil {
			r.logger.Warn("event handling failed", logging.Err(err))
			return
		}
		if r.dev.IsDisconnected() {
			r.logger.Warn("receiver disconnected")
			return
		}
	}
}

func (r *Receiver) disconnect() {
	if !r.dev.IsOpen() {
		return
	}
	r.dev.StopStreaming()
	if err := r.dev.Close(); err != nil {
		r.logger.Debug("close device", logging.Err(err))
	}
}

func (r *Receiver) onSamples(raw []byte) {
	if !r.engine.Process(raw) {
		return
	}
	r.scratch = r.engine.Spectrum(r.scratch)
	r.slot.Publish(r.scratch, r.engine.RSSI())
}
