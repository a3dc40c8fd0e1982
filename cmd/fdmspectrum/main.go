package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rjboer/fdmspectrum/internal/app"
	"github.com/rjboer/fdmspectrum/internal/bandplan"
	"github.com/rjboer/fdmspectrum/internal/cat"
	"github.com/rjboer/fdmspectrum/internal/dsp"
	"github.com/rjboer/fdmspectrum/internal/handoff"
	"github.com/rjboer/fdmspectrum/internal/iq"
	"github.com/rjboer/fdmspectrum/internal/logging"
	"github.com/rjboer/fdmspectrum/internal/mdns"
	"github.com/rjboer/fdmspectrum/internal/settings"
	"github.com/rjboer/fdmspectrum/internal/telemetry"
	"github.com/rjboer/fdmspectrum/internal/usbdev"
)

func main() {
	const configPath = "config.json"

	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, persistentCfg)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		log.Fatalf("save config: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.discover {
		if err := discover(ctx, cfg.discoverTimeout); err != nil {
			log.Fatalf("discover: %v", err)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("run: %v", err)
	}
}

func run(ctx context.Context, cfg cliConfig, logger logging.Logger) error {
	backend, release, err := selectBackend(cfg)
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}
	defer release()

	engine, err := dsp.NewEngine(dsp.Config{
		Size:      cfg.fftSize,
		Averaging: cfg.averaging,
		Format:    iq.Int32LE,
	})
	if err != nil {
		return err
	}
	dev := usbdev.New(backend, usbdev.DefaultConfig(), logger)
	slot := handoff.NewSlot(engine.Size())
	receiver, err := app.NewReceiver(dev, engine, slot, logger, app.DefaultReceiverConfig())
	if err != nil {
		return err
	}

	// Only a successfully opened CAT port becomes a source; a nil
	// *cat.Client must not end up inside the interface.
	var radioSrc app.RadioSource
	if cfg.catDevice != "" {
		client, err := cat.Open(cfg.catDevice, logger)
		if err != nil {
			logger.Warn("CAT port unavailable, using USB register only", logging.F("device", cfg.catDevice), logging.Err(err))
		} else {
			defer client.Close()
			radioSrc = client
		}
	}

	reporters := telemetry.MultiReporter{telemetry.NewStdoutReporter(logger, cfg.stdoutEvery)}
	var wg sync.WaitGroup
	if cfg.webAddr != "" {
		hub, err := buildHub(cfg, engine.Size(), dev, logger)
		if err != nil {
			return err
		}
		reporters = append(reporters, hub)

		web := telemetry.NewWebServer(cfg.webAddr, hub, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.Start(ctx); err != nil {
				logger.Error("web server stopped", logging.Err(err))
			}
		}()
		log.Printf("Web interface: http://localhost%s", cfg.webAddr)

		if cfg.advertise {
			if adv := advertise(cfg.webAddr, logger); adv != nil {
				defer adv.Shutdown()
			}
		}
	}

	display := app.NewDisplay(slot, dev, radioSrc, reporters, logger, app.DefaultDisplayConfig())
	wg.Add(1)
	go func() {
		defer wg.Done()
		display.Run(ctx)
	}()

	log.Printf("Starting receiver (Ctrl+C to stop)...")
	err = receiver.Run(ctx)
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildHub(cfg cliConfig, fftSize int, tuner telemetry.Tuner, logger logging.Logger) (*telemetry.Hub, error) {
	hub := telemetry.NewHub(telemetry.Config{
		SampleRateHz: usbdev.StreamRate,
		FFTSize:      fftSize,
		HistoryLimit: cfg.historyLimit,
	}, logger)
	hub.SetTuner(tuner)

	if cfg.bandplanPath != "" {
		plan, err := bandplan.Load(cfg.bandplanPath)
		if err != nil {
			logger.Warn("band plan not loaded", logging.F("path", cfg.bandplanPath), logging.Err(err))
		} else {
			logger.Info("band plan loaded", logging.F("bands", plan.Len()))
			hub.SetBandplan(plan)
		}
	}

	path := cfg.settingsPath
	s, err := settings.Load(path)
	if err != nil {
		logger.Warn("display settings not loaded, using defaults", logging.F("path", path), logging.Err(err))
		s = settings.Defaults()
	}
	var save func(settings.Settings) error
	if path != "" {
		save = func(s settings.Settings) error { return settings.Save(path, s) }
	}
	hub.SetSettings(s, save)
	return hub, nil
}

func advertise(webAddr string, logger logging.Logger) *mdns.Advertiser {
	port, err := portFromAddr(webAddr)
	if err != nil {
		logger.Warn("mDNS disabled", logging.Err(err))
		return nil
	}
	host, _ := os.Hostname()
	adv, err := mdns.Advertise(mdns.InstanceName(host), port, []string{"path=/", "api=/api/status"})
	if err != nil {
		logger.Warn("mDNS advertisement failed", logging.Err(err))
		return nil
	}
	logger.Info("advertising", logging.F("service", mdns.Service), logging.F("port", port))
	return adv
}

func portFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in %q", addr)
	}
	return port, nil
}

func discover(ctx context.Context, timeout time.Duration) error {
	hosts, err := mdns.Discover(ctx, timeout)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Println("no spectrum servers found")
		return nil
	}
	for _, h := range hosts {
		fmt.Printf("%-30s %-25s %s\n", h.Instance, h.Hostname, h.URL())
	}
	return nil
}

type cliConfig struct {
	backend         string
	catDevice       string
	fftSize         int
	averaging       int
	historyLimit    int
	webAddr         string
	bandplanPath    string
	settingsPath    string
	advertise       bool
	stdoutEvery     int
	logLevel        string
	logFormat       string
	discover        bool
	discoverTimeout time.Duration
}

type persistentConfig struct {
	Backend      string `json:"backend"`
	CATDevice    string `json:"cat_device"`
	FFTSize      int    `json:"fft_size"`
	Averaging    int    `json:"averaging"`
	HistoryLimit int    `json:"history_limit"`
	WebAddr      string `json:"web_addr"`
	BandplanPath string `json:"bandplan_path"`
	SettingsPath string `json:"settings_path"`
	Advertise    bool   `json:"advertise"`
	StdoutEvery  int    `json:"stdout_every"`
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"`
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("fdmspectrum", flag.ContinueOnError)
	fs.StringVar(&cfg.backend, "backend", envString(lookup, "FDM_BACKEND", defaults.Backend), "Receiver backend (usb|mock)")
	fs.StringVar(&cfg.catDevice, "cat-device", envString(lookup, "FDM_CAT_DEVICE", defaults.CATDevice), "Serial CAT device, empty to disable (e.g. /dev/ttyUSB0)")
	fs.IntVar(&cfg.fftSize, "fft-size", envInt(lookup, "FDM_FFT_SIZE", defaults.FFTSize), "FFT length (power of two)")
	fs.IntVar(&cfg.averaging, "averaging", envInt(lookup, "FDM_AVERAGING", defaults.Averaging), "Transforms averaged per spectrum")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "FDM_HISTORY_LIMIT", defaults.HistoryLimit), "Maximum RSSI samples kept in telemetry history")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "FDM_WEB_ADDR", defaults.WebAddr), "Web UI listen address, empty to disable (e.g. :8080)")
	fs.StringVar(&cfg.bandplanPath, "bandplan", envString(lookup, "FDM_BANDPLAN", defaults.BandplanPath), "Band plan JSON file")
	fs.StringVar(&cfg.settingsPath, "settings", envString(lookup, "FDM_SETTINGS", defaults.SettingsPath), "Display settings file")
	fs.BoolVar(&cfg.advertise, "advertise", envBool(lookup, "FDM_ADVERTISE", defaults.Advertise), "Announce the web UI over mDNS")
	fs.IntVar(&cfg.stdoutEvery, "stdout-every", envInt(lookup, "FDM_STDOUT_EVERY", defaults.StdoutEvery), "Log the RSSI every N spectra")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "FDM_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "FDM_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")
	fs.BoolVar(&cfg.discover, "discover", false, "List spectrum servers on the local network and exit")
	fs.DurationVar(&cfg.discoverTimeout, "discover-timeout", 3*time.Second, "How long -discover browses")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		Backend:      cfg.backend,
		CATDevice:    cfg.catDevice,
		FFTSize:      cfg.fftSize,
		Averaging:    cfg.averaging,
		HistoryLimit: cfg.historyLimit,
		WebAddr:      cfg.webAddr,
		BandplanPath: cfg.bandplanPath,
		SettingsPath: cfg.settingsPath,
		Advertise:    cfg.advertise,
		StdoutEvery:  cfg.stdoutEvery,
		LogLevel:     cfg.logLevel,
		LogFormat:    cfg.logFormat,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, err
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Backend:      "usb",
		CATDevice:    "/dev/ttyUSB0",
		FFTSize:      dsp.DefaultSize,
		Averaging:    dsp.DefaultAveraging,
		HistoryLimit: 500,
		WebAddr:      ":8080",
		BandplanPath: "bandplan.json",
		SettingsPath: settings.DefaultPath(),
		Advertise:    true,
		StdoutEvery:  160,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func buildLogger(cfg cliConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, os.Stderr), nil
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

// selectBackend returns the USB backend and a function releasing it.
func selectBackend(cfg cliConfig) (usbdev.Backend, func(), error) {
	switch cfg.backend {
	case "mock":
		return usbdev.NewMockBackend(), func() {}, nil
	case "usb":
		b := usbdev.NewGoUSB()
		return b, func() { b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %s", cfg.backend)
	}
}
