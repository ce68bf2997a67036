// Command nuimod discovers Nuimo controllers, keeps them connected and exposes
// them over a local HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/gonuimo/internal/audio"
	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/config"
	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/hotkey"
	"github.com/chaz8081/gonuimo/internal/httpapi"
	"github.com/chaz8081/gonuimo/internal/keys"
	"github.com/chaz8081/gonuimo/internal/logging"
	"github.com/chaz8081/gonuimo/internal/loop"
	"github.com/chaz8081/gonuimo/internal/matrix"
	"github.com/chaz8081/gonuimo/internal/nuimo"
	"github.com/chaz8081/gonuimo/internal/store"
	"github.com/chaz8081/gonuimo/internal/virtual"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gonuimo/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat, os.Stderr)
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("nuimod failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Goodbye!")
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(0)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(ctx, cfg.Store.Path, logging.Component(logger, "store"))
	if err != nil {
		return err
	}
	defer st.Close()

	tracker := store.NewTracker(st, cfg.Discovery.AutoConnect)
	go tracker.Run(ctx)

	hub := httpapi.NewHub(logging.Component(logger, "events"))
	go hub.Run(ctx)

	observers := nuimo.Observers{tracker, hub, nuimo.ObserverFunc(logEvent)}

	if cfg.Keys.Enabled {
		mapper, err := keys.New(cfg.Keys.Bindings, cfg.Keys.RotateStep, keys.RobotTapper{})
		if err != nil {
			return err
		}
		go mapper.Run(ctx)
		observers = append(observers, mapper)
		startHotkey(ctx, cfg.Keys.ToggleHotkey, mapper)
	}

	host := ble.NewTinygoHost()
	host.SetConnectTimeout(cfg.Controller.ConnectionTimeout)
	if err := host.Enable(ctx); err != nil {
		return fmt.Errorf("enable bluetooth: %w", err)
	}
	slog.Info("Bluetooth adapter ready", "power", host.PowerState())

	// The loop outlives ctx so Close can disconnect controllers.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	l := loop.New(loop.Options{})
	l.Start(loopCtx)

	brightness := cfg.Controller.MatrixBrightness
	disc := nuimo.NewDiscovery(l, host, nuimo.DiscoveryOptions{
		Names:               cfg.Discovery.Names,
		ScanRestartInterval: cfg.Discovery.ScanRestartInterval,
		Observer:            tracker,
		Controller: nuimo.Options{
			RetryCount:             cfg.Controller.ConnectionRetryCount,
			ConnectionTimeout:      cfg.Controller.ConnectionTimeout,
			MaxAdvertisingInterval: cfg.Controller.MaxAdvertisingInterval,
			MatrixBrightness:       &brightness,
			MatrixDisplayInterval:  cfg.Controller.MatrixDisplayInterval,
			MatrixAckTimeout:       cfg.Controller.MatrixAckTimeout,
			HeartbeatInterval:      cfg.Controller.HeartbeatInterval,
			Observer:               observers,
		},
	})
	defer disc.Close()

	ids, err := tracker.Restore(ctx, host)
	if err != nil {
		slog.Warn("could not load known controllers", "error", err)
	}
	if len(ids) > 0 {
		slog.Info("Restoring known controllers", "count", len(ids))
		disc.Restore(ids)
	}
	disc.Start(cfg.Discovery.UpdateReachability)

	registry := httpapi.Registry{Discovery: disc}
	if cfg.Virtual.URL != "" {
		vc := virtual.New(cfg.Virtual.URL, virtual.Options{
			Observer:              observers,
			MatrixBrightness:      cfg.Controller.MatrixBrightness,
			MatrixDisplayInterval: cfg.Controller.MatrixDisplayInterval,
		})
		vc.Connect(true)
		defer vc.Disconnect()
		registry.Extra = append(registry.Extra, vc)
		slog.Info("Virtual controller enabled", "url", cfg.Virtual.URL)
	}

	if cfg.Meter.Enabled {
		meter, err := audio.NewMeter(cfg.Meter.SampleRate, cfg.Meter.Channels)
		if err != nil {
			return fmt.Errorf("audio meter: %w", err)
		}
		defer meter.Close()
		if err := meter.Start(); err != nil {
			return err
		}
		go audio.Display(ctx, meter, connectedTarget{registry}, cfg.Meter.FrameInterval)
	}

	if cfg.HTTP.Listen != "" {
		api := httpapi.New(registry, logging.Component(logger, "http"), httpapi.Options{
			Scanner:            disc,
			Known:              st,
			Hub:                hub,
			UpdateReachability: cfg.Discovery.UpdateReachability,
		})
		server := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- httpapi.RunServer(ctx, server, logger) }()
		slog.Info("HTTP API listening", "addr", cfg.HTTP.Listen)
		defer func() { <-errCh }()
	}

	slog.Info("Ready! Ctrl+C to quit.")
	<-ctx.Done()
	slog.Info("Shutting down...")
	return nil
}

// startHotkey toggles mapper on each press of the hotkey until ctx ends.
func startHotkey(ctx context.Context, combo []string, mapper *keys.Mapper) {
	listener := hotkey.NewListener(combo)
	go listener.Start()
	go func() {
		<-ctx.Done()
		listener.Stop()
	}()
	go func() {
		for ev := range listener.Events() {
			mapper.SetPaused(ev.Type == hotkey.EventPause)
		}
	}()
	slog.Info("Key bindings active", "toggle", strings.Join(combo, "+"))
}

func logEvent(c nuimo.Controller, ev nuimo.Event) {
	switch e := ev.(type) {
	case nuimo.ConnectionStateEvent:
		if e.Err != nil {
			slog.Warn("[NUIMO] connection state", "controller", c.ID(), "from", e.From, "to", e.State, "error", e.Err)
			return
		}
		slog.Info("[NUIMO] connection state", "controller", c.ID(), "from", e.From, "to", e.State)
	case nuimo.GestureEvent:
		slog.Debug("[NUIMO] gesture", "controller", c.ID(), "gesture", e.Event)
	case nuimo.BatteryLevelEvent:
		slog.Info("[NUIMO] battery", "controller", c.ID(), "level", e.Level)
	}
}

// connectedTarget shows frames on every connected controller.
type connectedTarget struct {
	registry httpapi.Registry
}

func (connectedTarget) ID() string { return "connected" }

func (t connectedTarget) DisplayMatrix(m matrix.Matrix, interval time.Duration, opts matrix.WriteOptions) error {
	shown := false
	for _, c := range t.registry.Controllers() {
		if c.State() != device.Connected {
			continue
		}
		if err := c.DisplayMatrix(m, interval, opts); err != nil {
			slog.Debug("[AUDIO] display failed", "controller", c.ID(), "error", err)
			continue
		}
		shown = true
	}
	if !shown {
		return nuimo.ErrNotConnected
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	listen := cfg.HTTP.Listen
	if listen == "" {
		listen = "disabled"
	}
	fmt.Println("=== nuimod ===")
	fmt.Printf("  Names:   %s\n", strings.Join(cfg.Discovery.Names, ", "))
	fmt.Printf("  Store:   %s\n", cfg.Store.Path)
	fmt.Printf("  HTTP:    %s\n", listen)
	fmt.Printf("  Keys:    %t\n", cfg.Keys.Enabled)
	fmt.Printf("  Meter:   %t\n", cfg.Meter.Enabled)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==============")
}
