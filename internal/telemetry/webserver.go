package telemetry

import (
	"context"
	"embed"
	"errors"
	"net/http"
	"time"

	"github.com/rjboer/fdmspectrum/internal/logging"
)

//go:embed static/*
var staticFiles embed.FS

// WebServer exposes the hub over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server serving the embedded UI and the API.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebServer{
		hub:    hub,
		logger: logger.With(logging.Subsystem("web")),
		srv:    &http.Server{Addr: addr, Handler: NewMux(hub), ReadHeaderTimeout: 5 * time.Second},
	}
}

// NewMux routes the API and the static UI to hub.
func NewMux(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/static/", http.FileServer(http.FS(staticFiles)))
	mux.HandleFunc("/api/status", hub.handleStatus)
	mux.HandleFunc("/api/config", hub.handleConfig)
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/spectrum", hub.handleSpectrum)
	mux.HandleFunc("/api/spectrum/ws", hub.handleSpectrumWS)
	mux.HandleFunc("/api/settings", hub.handleSettings)
	mux.HandleFunc("/api/bandplan", hub.handleBandplan)
	mux.HandleFunc("/api/frequency", hub.handleFrequency)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.ServeFileFS(w, r, staticFiles, "static/index.html")
	})
	return mux
}

// Addr returns the configured listen address.
func (w *WebServer) Addr() string { return w.srv.Addr }

// Start begins listening and shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web server shutdown", logging.Err(err))
		}
	}()

	w.logger.Info("web server listening", logging.F("addr", w.srv.Addr))
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error("web server error", logging.Err(err))
		return err
	}
	return nil
}
