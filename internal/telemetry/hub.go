package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/fdmspectrum/internal/bandplan"
	"github.com/rjboer/fdmspectrum/internal/handoff"
	"github.com/rjboer/fdmspectrum/internal/logging"
	"github.com/rjboer/fdmspectrum/internal/settings"
)

// Config describes the stream the hub is fed from and how much RSSI
// history it keeps.
type Config struct {
	SampleRateHz int `json:"sampleRateHz"`
	FFTSize      int `json:"fftSize"`
	HistoryLimit int `json:"historyLimit"`
}

const (
	minSampleRateHz = 1_000
	maxSampleRateHz = 10_000_000
	minFFTSize      = 64
	maxFFTSize      = 1 << 20
	minHistoryLimit = 1
	maxHistoryLimit = 10_000

	// maxVisibleBands bounds /api/bandplan replies.
	maxVisibleBands = 32
)

// DefaultConfig matches the receiver's IQ stream.
func DefaultConfig() Config {
	return Config{
		SampleRateHz: 192_000,
		FFTSize:      4096,
		HistoryLimit: 500,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.SampleRateHz == 0 || base.FFTSize == 0 || base.HistoryLimit == 0 {
		base = DefaultConfig()
	}

	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = base.SampleRateHz
	}
	if cfg.FFTSize == 0 {
		cfg.FFTSize = base.FFTSize
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}

	if cfg.SampleRateHz < minSampleRateHz || cfg.SampleRateHz > maxSampleRateHz {
		return Config{}, fmt.Errorf("sample rate must be between %d and %d Hz", minSampleRateHz, maxSampleRateHz)
	}
	if cfg.FFTSize < minFFTSize || cfg.FFTSize > maxFFTSize {
		return Config{}, fmt.Errorf("fft size must be between %d and %d", minFFTSize, maxFFTSize)
	}
	if cfg.FFTSize&(cfg.FFTSize-1) != 0 {
		return Config{}, errors.New("fft size must be a power of two")
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}

	return cfg, nil
}

// Sample is one RSSI reading for the history and live feeds.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	Seq         uint64    `json:"seq"`
	RSSI        float32   `json:"rssi"`
	FrequencyHz int64     `json:"frequencyHz"`
}

// Status is the receiver state shown next to the spectrum.
type Status struct {
	Connected   bool          `json:"connected"`
	Streaming   bool          `json:"streaming"`
	FrequencyHz int64         `json:"frequencyHz"`
	Mode        string        `json:"mode"`
	VFO         string        `json:"vfo"`
	Filter      string        `json:"filter,omitempty"`
	Source      string        `json:"source,omitempty"`
	Serial      string        `json:"serial,omitempty"`
	Session     string        `json:"session,omitempty"`
	Frames      handoff.Stats `json:"frames"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SpectrumSnapshot is the latest averaged spectrum in dBFS, DC centred.
type SpectrumSnapshot struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	CenterHz     int64     `json:"centerHz"`
	SampleRateHz int       `json:"sampleRateHz"`
	RSSI         float32   `json:"rssi"`
	Bins         []float32 `json:"bins"`
}

// Tuner retunes the receiver.
type Tuner interface {
	SetFrequency(hz int64) error
}

// Hub keeps the latest spectrum, status and RSSI history and fans them
// out to HTTP clients.
type Hub struct {
	mu           sync.RWMutex
	logger       logging.Logger
	config       Config
	history      []Sample
	historyLimit int
	subscribers  map[chan Sample]struct{}
	clients      map[*wsClient]struct{}
	spectrum     SpectrumSnapshot
	status       Status

	settings     settings.Settings
	saveSettings func(settings.Settings) error
	plan         *bandplan.Plan
	tuner        Tuner
	dropped      uint64
}

// NewHub builds a hub for the stream described by cfg. Zero fields take
// their defaults; invalid ones fall back to the defaults.
func NewHub(cfg Config, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	valid, err := validateConfig(cfg, DefaultConfig())
	if err != nil {
		logger.Warn("invalid telemetry config, using defaults", logging.Err(err))
		valid = DefaultConfig()
	}
	return &Hub{
		logger:       logger.With(logging.Subsystem("telemetry")),
		config:       valid,
		historyLimit: valid.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		clients:      make(map[*wsClient]struct{}),
		settings:     settings.Defaults(),
		status:       Status{Mode: "---", VFO: "VFO A"},
	}
}

// SetTuner enables POST /api/frequency.
func (h *Hub) SetTuner(t Tuner) {
	h.mu.Lock()
	h.tuner = t
	h.mu.Unlock()
}

// SetBandplan sets the band table served by /api/bandplan.
func (h *Hub) SetBandplan(p *bandplan.Plan) {
	h.mu.Lock()
	h.plan = p
	h.mu.Unlock()
}

// SetSettings installs the current display settings and the function
// that persists accepted updates. save may be nil.
func (h *Hub) SetSettings(s settings.Settings, save func(settings.Settings) error) {
	h.mu.Lock()
	h.settings = s
	h.saveSettings = save
	h.mu.Unlock()
}

// ReportSpectrum implements Reporter.
func (h *Hub) ReportSpectrum(frame handoff.Frame) {
	h.mu.Lock()
	center := h.status.FrequencyHz
	snap := SpectrumSnapshot{
		Seq:          frame.Seq,
		Timestamp:    frame.Timestamp,
		CenterHz:     center,
		SampleRateHz: h.config.SampleRateHz,
		RSSI:         frame.RSSI,
		Bins:         append(h.spectrum.Bins[:0], frame.Spectrum...),
	}
	h.spectrum = snap

	sample := Sample{Timestamp: frame.Timestamp, Seq: frame.Seq, RSSI: frame.RSSI, FrequencyHz: center}
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}

	if len(h.clients) > 0 {
		msg := encodeSpectrumFrame(snap)
		for c := range h.clients {
			select {
			case c.send <- msg:
			default:
				h.dropped++
			}
		}
	}
	h.mu.Unlock()
}

// ReportStatus implements Reporter.
func (h *Hub) ReportStatus(st Status) {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	h.mu.Lock()
	h.status = st
	h.mu.Unlock()
}

// StatusSnapshot returns the last reported status.
func (h *Hub) StatusSnapshot() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Spectrum returns a copy of the latest spectrum.
func (h *Hub) Spectrum() SpectrumSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := h.spectrum
	out.Bins = append([]float32(nil), h.spectrum.Bins...)
	return out
}

// History returns a copy of stored RSSI samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Settings returns the current display settings.
func (h *Hub) Settings() settings.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

// Subscribe registers a listener for live RSSI updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// VisibleBands returns the bands overlapping the displayed span.
func (h *Hub) VisibleBands() []bandplan.Band {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start, end := h.settings.VisibleRange(h.status.FrequencyHz, h.config.SampleRateHz, h.config.FFTSize)
	bands := h.plan.Visible(start, end)
	if len(bands) > maxVisibleBands {
		bands = bands[:maxVisibleBands]
	}
	return bands
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.StatusSnapshot())
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.History())
}

func (h *Hub) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Spectrum())
}

func (h *Hub) handleBandplan(w http.ResponseWriter, _ *http.Request) {
	bands := h.VisibleBands()
	if bands == nil {
		bands = []bandplan.Band{}
	}
	writeJSON(w, bands)
}

func (h *Hub) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.Settings())
	case http.MethodPost:
		h.mu.RLock()
		incoming := h.settings
		save := h.saveSettings
		h.mu.RUnlock()

		// Fields missing from the body keep their current values.
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			http.Error(w, fmt.Sprintf("invalid settings payload: %v", err), http.StatusBadRequest)
			return
		}
		if err := incoming.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if save != nil {
			if err := save(incoming); err != nil {
				h.logger.Warn("persist settings failed", logging.Err(err))
				http.Error(w, "persist settings failed", http.StatusInternalServerError)
				return
			}
		}
		h.mu.Lock()
		h.settings = incoming
		h.mu.Unlock()
		writeJSON(w, incoming)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type frequencyRequest struct {
	FrequencyHz int64 `json:"frequencyHz"`
}

func (h *Hub) handleFrequency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req frequencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid frequency payload: %v", err), http.StatusBadRequest)
		return
	}
	if req.FrequencyHz <= 0 {
		http.Error(w, "frequency must be positive", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	tuner := h.tuner
	h.mu.RUnlock()
	if tuner == nil {
		http.Error(w, "tuning unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := tuner.SetFrequency(req.FrequencyHz); err != nil {
		h.logger.Warn("set frequency failed", logging.F("hz", req.FrequencyHz), logging.Err(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, req)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sample Sample) {
	payload, _ := json.Marshal(sample)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
