package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rjboer/fdmspectrum/internal/logging"
)

func TestParseConfigDefaults(t *testing.T) {
	defaults := defaultPersistentConfig()
	cfg, err := parseConfig([]string{}, func(string) (string, bool) { return "", false }, defaults)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.backend != "usb" || cfg.fftSize != 4096 || cfg.averaging != 3 || cfg.webAddr != ":8080" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.discover {
		t.Fatalf("discover must be off by default")
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"FDM_BACKEND":    "mock",
		"FDM_FFT_SIZE":   "1024",
		"FDM_CAT_DEVICE": "",
		"FDM_ADVERTISE":  "false",
		"FDM_AVERAGING":  "not-a-number",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	defaults := defaultPersistentConfig()
	cfg, err := parseConfig([]string{"--log-level", "debug", "-discover"}, lookup, defaults)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.backend != "mock" || cfg.fftSize != 1024 || cfg.catDevice != "" || cfg.advertise {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.averaging != defaults.Averaging {
		t.Fatalf("unparseable env value must fall back, got %d", cfg.averaging)
	}
	if cfg.logLevel != "debug" || !cfg.discover {
		t.Fatalf("flags not applied: %#v", cfg)
	}
}

func TestPersistentConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	created, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	cfg, err := parseConfig([]string{"-web-addr", ":9090"}, func(string) (string, bool) { return "", false }, created)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := saveConfig(path, persistentFromCLI(cfg)); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	want := created
	want.WebAddr = ":9090"
	if !reflect.DeepEqual(loaded, want) {
		t.Fatalf("got %#v want %#v", loaded, want)
	}
}

func TestSelectBackendError(t *testing.T) {
	if _, _, err := selectBackend(cliConfig{backend: "unknown"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestSelectBackendMock(t *testing.T) {
	backend, release, err := selectBackend(cliConfig{backend: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()
	if reflect.ValueOf(backend).IsNil() {
		t.Fatalf("backend should not be nil")
	}
}

func TestPortFromAddr(t *testing.T) {
	if p, err := portFromAddr(":8080"); err != nil || p != 8080 {
		t.Fatalf("got %d, %v", p, err)
	}
	for _, bad := range []string{"8080", ":0", "host:http"} {
		if _, err := portFromAddr(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestBuildHubUsesSettingsFile(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "settings.conf")
	if err := os.WriteFile(settingsPath, []byte("zoom_level = 4\npan_offset = -12\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	cfg := cliConfig{historyLimit: 10, settingsPath: settingsPath, bandplanPath: filepath.Join(dir, "missing.json")}
	hub, err := buildHub(cfg, 1024, nil, logging.Nop())
	if err != nil {
		t.Fatalf("buildHub: %v", err)
	}
	if s := hub.Settings(); s.ZoomLevel != 4 || s.PanOffset != -12 {
		t.Fatalf("settings not loaded: %+v", s)
	}
	if got := hub.ConfigSnapshot(); got.FFTSize != 1024 || got.HistoryLimit != 10 {
		t.Fatalf("unexpected hub config %+v", got)
	}
}

func TestBuildLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := buildLogger(cliConfig{logLevel: "loud", logFormat: "text"}); err == nil {
		t.Fatalf("expected error")
	}
}
