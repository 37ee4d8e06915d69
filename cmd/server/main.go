// Command analogshield-server exposes one AnalogShield over HTTP.
//
// It serves a JSON API for reads, writes, ramps and calibration runs, a
// WebSocket progress stream at /ws/calibration and Prometheus metrics at
// /metrics. A static frontend is served from -web when the directory exists.
//
// Flags:
//
//	-config: JSON or YAML parameters file (default config.json)
//	-addr:   listen address, overrides SERVER.ADDR
//	-port:   serial port, overrides SERIAL.PORT ("sim" for the simulator)
//	-web:    path to web root containing index.html
//	-open:   open the UI URL in your default browser at startup
//
// Env:
//
//	ANALOGSHIELD_NO_OPEN=1 disables browser auto-open even when -open is set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/CK6170/AnalogShield-go/calibration"
	"github.com/CK6170/AnalogShield-go/internal/config"
	"github.com/CK6170/AnalogShield-go/internal/monitor"
	"github.com/CK6170/AnalogShield-go/internal/server"
	"github.com/CK6170/AnalogShield-go/models"
)

func main() {
	var (
		cfgPath = flag.String("config", "config.json", "parameters file (.json, .yaml)")
		addr    = flag.String("addr", "", "http listen address (overrides SERVER.ADDR)")
		port    = flag.String("port", "", "serial port (overrides SERIAL.PORT)")
		web     = flag.String("web", "./web", "path to web root (index.html)")
		open    = flag.Bool("open", false, "open the web UI in your default browser on startup")
	)
	flag.Parse()

	params, err := config.Load(*cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("WARN: %s not found, using defaults", *cfgPath)
		params, err = config.Default(), nil
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		params.SERVER = &models.SERVER{ADDR: *addr}
	}
	if *port != "" {
		params.SERIAL.PORT = *port
	}

	logger := config.NewLogger(params.LOG)
	metrics := monitor.New(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := calibration.OpenStore(ctx, params.CALIBRATION, logger)
	if err != nil {
		log.Fatalf("Failed to open calibration store: %v", err)
	}
	defer closeStore()

	webDir := ""
	if abs, err := filepath.Abs(*web); err == nil {
		if st, err := os.Stat(abs); err == nil && st.IsDir() {
			webDir = abs
		}
	}

	s := server.New(server.Config{
		Params:  params,
		Store:   store,
		Metrics: metrics,
		Log:     logger,
		WebDir:  webDir,
	})
	defer s.Close()

	// A missing device is not fatal: /api/connect can retry later.
	if resp, err := s.Connect(ctx, ""); err != nil {
		logger.WithError(err).Warn("shield not connected at startup")
	} else if resp.Warning != "" {
		logger.Warn(resp.Warning)
	}

	if rs, ok := store.(*calibration.RedisStore); ok {
		go s.WatchStore(ctx, rs.Subscribe(ctx))
	}
	metrics.StartRuntimeMonitor(15*time.Second, ctx.Done())

	ln, err := net.Listen("tcp", params.SERVER.ADDR)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", params.SERVER.ADDR, err)
	}

	uiURL := makeUIURL(params.SERVER.ADDR)
	logger.Infof("Serving on %s", uiURL)

	if *open && webDir != "" && os.Getenv("ANALOGSHIELD_NO_OPEN") == "" {
		if err := openBrowser(uiURL); err != nil {
			logger.WithError(err).Warn("failed to open browser")
		}
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Println(err)
	}
}

// makeUIURL turns a listen address into a browser-friendly URL; wildcard
// hosts become 127.0.0.1.
func makeUIURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://%s/", strings.TrimSpace(addr))
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s/", host, port)
}

// openBrowser starts the OS default browser without waiting for it.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("cmd", "/c", "start", "", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
