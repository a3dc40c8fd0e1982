package telemetry

import (
	"sync"

	"github.com/rjboer/fdmspectrum/internal/handoff"
	"github.com/rjboer/fdmspectrum/internal/logging"
)

// Reporter consumes what the display loop produces.
type Reporter interface {
	ReportSpectrum(frame handoff.Frame)
	ReportStatus(st Status)
}

// StdoutReporter logs connectivity and tuning changes as they happen and
// the RSSI every Every frames.
type StdoutReporter struct {
	logger logging.Logger
	every  uint64

	mu     sync.Mutex
	frames uint64
	last   Status
	seen   bool
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
// every <= 0 logs each frame.
func NewStdoutReporter(logger logging.Logger, every int) *StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	if every <= 0 {
		every = 1
	}
	return &StdoutReporter{logger: logger.With(logging.Subsystem("telemetry")), every: uint64(every)}
}

func (r *StdoutReporter) ReportSpectrum(frame handoff.Frame) {
	r.mu.Lock()
	r.frames++
	n := r.frames
	r.mu.Unlock()
	if n%r.every != 0 {
		return
	}
	r.logger.Info("spectrum",
		logging.F("seq", frame.Seq),
		logging.F("rssi_dbfs", frame.RSSI),
		logging.F("bins", len(frame.Spectrum)))
}

func (r *StdoutReporter) ReportStatus(st Status) {
	r.mu.Lock()
	prev, seen := r.last, r.seen
	r.last, r.seen = st, true
	r.mu.Unlock()

	if !seen || prev.Connected != st.Connected || prev.Streaming != st.Streaming {
		r.logger.Info("receiver state",
			logging.F("connected", st.Connected),
			logging.F("streaming", st.Streaming),
			logging.F("serial", st.Serial))
	}
	if st.Connected && (!seen || prev.FrequencyHz != st.FrequencyHz || prev.Mode != st.Mode || prev.Filter != st.Filter) {
		fields := []logging.Field{
			logging.F("frequency_hz", st.FrequencyHz),
			logging.F("mode", st.Mode),
			logging.F("vfo", st.VFO),
			logging.F("source", st.Source),
		}
		if st.Filter != "" {
			fields = append(fields, logging.F("filter", st.Filter))
		}
		r.logger.Info("tuning", fields...)
	}
}

// MultiReporter fans out to multiple destinations.
type MultiReporter []Reporter

func (m MultiReporter) ReportSpectrum(frame handoff.Frame) {
	for _, r := range m {
		if r != nil {
			r.ReportSpectrum(frame)
		}
	}
}

func (m MultiReporter) ReportStatus(st Status) {
	for _, r := range m {
		if r != nil {
			r.ReportStatus(st)
		}
	}
}
