// Package settings persists the operator's display preferences between
// runs.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"
)

const (
	dirName  = "fdmspectrum"
	fileName = "settings.conf"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid settings")

// Settings are the display controls.
type Settings struct {
	SpectrumRef    float64 `json:"spectrum_ref"`
	SpectrumRange  float64 `json:"spectrum_range"`
	WaterfallRef   float64 `json:"waterfall_ref"`
	WaterfallRange float64 `json:"waterfall_range"`
	ZoomLevel      int     `json:"zoom_level"`
	PanOffset      int     `json:"pan_offset"`
}

// Defaults returns the settings used when nothing is stored.
func Defaults() Settings {
	return Settings{
		SpectrumRef:    -30,
		SpectrumRange:  120,
		WaterfallRef:   -30,
		WaterfallRange: 120,
		ZoomLevel:      1,
		PanOffset:      0,
	}
}

// ValidZoom reports whether z is one of 1, 2, 4, 8 or 16.
func ValidZoom(z int) bool {
	switch z {
	case 1, 2, 4, 8, 16:
		return true
	}
	return false
}

// Validate checks s for values the display cannot use.
func (s Settings) Validate() error {
	if !ValidZoom(s.ZoomLevel) {
		return fmt.Errorf("%w: zoom level %d", ErrInvalid, s.ZoomLevel)
	}
	if s.SpectrumRange <= 0 {
		return fmt.Errorf("%w: spectrum range %.1f", ErrInvalid, s.SpectrumRange)
	}
	if s.WaterfallRange <= 0 {
		return fmt.Errorf("%w: waterfall range %.1f", ErrInvalid, s.WaterfallRange)
	}
	return nil
}

// DefaultPath is ~/.config/fdmspectrum/settings.conf, or "" without a
// home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".config", dirName, fileName)
}

// Load reads path over the defaults. A missing file yields the defaults;
// unparseable values and invalid zoom levels are ignored key by key.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true, Insensitive: true}, path)
	if err != nil {
		return s, fmt.Errorf("load settings %s: %w", path, err)
	}
	sec := cfg.Section("")

	floatKey := func(name string, dst *float64) {
		if v, err := sec.Key(name).Float64(); err == nil {
			*dst = v
		}
	}
	floatKey("spectrum_ref", &s.SpectrumRef)
	floatKey("spectrum_range", &s.SpectrumRange)
	floatKey("waterfall_ref", &s.WaterfallRef)
	floatKey("waterfall_range", &s.WaterfallRange)

	if z, err := sec.Key("zoom_level").Int(); err == nil && ValidZoom(z) {
		s.ZoomLevel = z
	}
	if p, err := sec.Key("pan_offset").Int(); err == nil {
		s.PanOffset = p
	}
	return s, nil
}

// Save writes s to path, creating the directory.
func Save(path string, s Settings) error {
	if path == "" {
		return errors.New("save settings: no path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	cfg := ini.Empty()
	sec := cfg.Section("")
	sec.Comment = "FDM spectrum display settings"
	sec.Key("spectrum_ref").SetValue(strconv.FormatFloat(s.SpectrumRef, 'f', 1, 64))
	sec.Key("spectrum_range").SetValue(strconv.FormatFloat(s.SpectrumRange, 'f', 1, 64))
	sec.Key("waterfall_ref").SetValue(strconv.FormatFloat(s.WaterfallRef, 'f', 1, 64))
	sec.Key("waterfall_range").SetValue(strconv.FormatFloat(s.WaterfallRange, 'f', 1, 64))
	sec.Key("zoom_level").SetValue(strconv.Itoa(s.ZoomLevel))
	sec.Key("pan_offset").SetValue(strconv.Itoa(s.PanOffset))

	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("save settings %s: %w", path, err)
	}
	return nil
}

// VisibleRange returns the frequency span shown for a spectrum of bins
// bins at sampleRate centred on centerHz. Zoom narrows the span; the pan
// offset is counted in bins.
func (s Settings) VisibleRange(centerHz int64, sampleRate, bins int) (start, end int64) {
	zoom := s.ZoomLevel
	if !ValidZoom(zoom) {
		zoom = 1
	}
	span := float64(sampleRate) / float64(zoom)
	var pan float64
	if bins > 0 {
		pan = float64(s.PanOffset) * float64(sampleRate) / float64(bins)
	}
	c := float64(centerHz)
	return int64(c - span/2 + pan), int64(c + span/2 + pan)
}
