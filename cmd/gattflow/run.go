package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chaz8081/gattflow/internal/config"
	"github.com/chaz8081/gattflow/internal/engine"
	"github.com/chaz8081/gattflow/internal/history"
	"github.com/chaz8081/gattflow/internal/logging"
	"github.com/chaz8081/gattflow/internal/monitor"
	"github.com/chaz8081/gattflow/internal/radio"
)

const simDefaultDevice = "sim-hrm"

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		adapterKind string
		devices     []string
		listen      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and keep configured devices connected",
		Long: `run starts the engine on the configured adapter, connects every device
listed in the config (or --device), reads the heart rate body sensor
location and subscribes to measurements where the peripheral offers them.
Dropped links are recovered by the reconnect policy until Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, note, err := loadConfig(flags.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if flags.logLevel != "" {
				cfg.LogLevel = flags.logLevel
			}
			if adapterKind != "" {
				cfg.Adapter.Kind = adapterKind
			}
			if len(devices) > 0 {
				cfg.Devices = devices
			}
			if cfg.Adapter.Kind == "sim" && len(cfg.Devices) == 0 {
				cfg.Devices = []string{simDefaultDevice}
			}
			if cmd.Flags().Changed("listen") {
				cfg.Monitor.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}

			log, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			log.Info(note)
			printBanner(cmd, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&adapterKind, "adapter", "", "radio adapter: sim or bluetooth (overrides config)")
	cmd.Flags().StringSliceVar(&devices, "device", nil, "device key to connect, repeatable (overrides config)")
	cmd.Flags().StringVar(&listen, "listen", "", "monitor listen address, empty disables (overrides config)")
	return cmd
}

// printBanner displays the startup configuration summary.
func printBanner(cmd *cobra.Command, cfg *config.Config) {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "=== %s ===\n", appName)
	fmt.Fprintf(w, "  Adapter:   %s\n", cfg.Adapter.Kind)
	fmt.Fprintf(w, "  Devices:   %s\n", strings.Join(cfg.Devices, ", "))
	fmt.Fprintf(w, "  Reconnect: %v\n", cfg.Engine.AutoReconnect)
	if cfg.History.Enabled {
		fmt.Fprintf(w, "  History:   %s\n", cfg.History.Path)
	}
	if cfg.Monitor.Listen != "" {
		fmt.Fprintf(w, "  Monitor:   http://%s/api/v1\n", cfg.Monitor.Listen)
	}
	fmt.Fprintf(w, "  Log:       %s\n", cfg.LogLevel)
	fmt.Fprintln(w, strings.Repeat("=", len(appName)+8))
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	opts, err := cfg.EngineOptions(log)
	if err != nil {
		return err
	}

	adapter, err := openAdapter(cfg, log)
	if err != nil {
		return err
	}

	var hist monitor.History
	if cfg.History.Enabled {
		store, sink, err := openHistory(cfg.History, log)
		if err != nil {
			return err
		}
		defer store.Close()
		defer func() {
			sink.Close()
			if n := sink.Dropped(); n > 0 {
				log.Warn("history events dropped", zap.Int64("count", n))
			}
		}()
		opts.History = sink
		hist = store
	}

	eng := engine.New(adapter, opts)
	defer eng.Close()

	bus := monitor.NewBus(64)
	defer eng.Subscribe(bus)()
	defer eng.Subscribe(engine.ListenerFuncs{
		TaskComplete: func(ev engine.TaskEvent) {
			if ev.Err != nil && !ev.Implicit {
				log.Warn("task failed",
					zap.String("node", ev.Node),
					zap.Stringer("op", ev.Kind),
					zap.Stringer("reason", ev.Reason),
					zap.Int("retries", ev.Retries),
					zap.Error(ev.Err))
			}
		},
		ReconnectEnded: func(ev engine.ReconnectEvent) {
			log.Warn("reconnect ended",
				zap.String("node", ev.Node),
				zap.Stringer("reason", ev.Reason),
				zap.Int("attempts", ev.Attempts))
		},
	})()

	if cfg.Monitor.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Monitor.Listen,
			Handler:           monitor.NewRouter(eng, hist, bus, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("monitor server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	for _, key := range cfg.Devices {
		if err := eng.Device(key); err != nil {
			return err
		}
		go watch(ctx, eng, key, log)
	}

	log.Info("ready, Ctrl+C to quit", zap.Int("devices", len(cfg.Devices)))
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func openAdapter(cfg *config.Config, log *zap.Logger) (engine.Adapter, error) {
	switch cfg.Adapter.Kind {
	case "bluetooth":
		b, err := radio.NewBluetooth(log, cfg.Adapter.ScanService)
		if err != nil {
			return nil, err
		}
		if err := b.Enable(); err != nil {
			return nil, err
		}
		b.OnNotify(func(node, characteristic string, data []byte) {
			log.Info("notification",
				zap.String("node", node),
				zap.String("characteristic", characteristic),
				zap.Binary("data", data))
		})
		return b, nil
	default:
		sim := radio.NewSimulator(clock.New(), cfg.Adapter.SimLatency, log)
		for _, key := range cfg.Devices {
			if err := sim.Add(radio.HeartRateMonitor(key)); err != nil {
				return nil, err
			}
		}
		return sim, nil
	}
}

func openHistory(hc config.HistoryConfig, log *zap.Logger) (*history.Store, *history.Sink, error) {
	if err := os.MkdirAll(filepath.Dir(hc.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating history dir: %w", err)
	}
	store, err := history.Open(hc.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, history.NewSink(store, hc.Buffer, log), nil
}

// watch connects key and sets up the heart rate characteristics. The engine
// discovers services after connecting and recovers dropped links on its own.
func watch(ctx context.Context, eng *engine.Engine, key string, log *zap.Logger) {
	log = log.With(zap.String("node", key))

	f, err := eng.Connect(key)
	if err != nil {
		log.Error("enqueue connect", zap.Error(err))
		return
	}
	res, err := f.Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("connect failed", zap.Error(err))
		}
		return
	}
	log.Info("connected", zap.Duration("took", res.Duration), zap.Bool("redundant", res.Redundant))

	if f, err := eng.Read(key, radio.HeartRateService, radio.BodySensorLocation); err == nil {
		res, err := f.Wait(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Debug("no body sensor location", zap.Error(err))
		case len(res.Value) > 0:
			log.Info("body sensor location", zap.Uint8("location", res.Value[0]))
		}
	}
	if f, err := eng.SetNotify(key, radio.HeartRateService, radio.HeartRateMeasurement, true); err == nil {
		if _, err := f.Wait(ctx); err != nil && ctx.Err() == nil {
			log.Debug("heart rate notifications unavailable", zap.Error(err))
		}
	}
}
