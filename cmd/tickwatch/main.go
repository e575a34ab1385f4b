package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/tickwatch/internal/binance"
	"github.com/rewired-gh/tickwatch/internal/config"
	"github.com/rewired-gh/tickwatch/internal/history"
	"github.com/rewired-gh/tickwatch/internal/logger"
	"github.com/rewired-gh/tickwatch/internal/monitor"
	"github.com/rewired-gh/tickwatch/internal/notify"
	"github.com/rewired-gh/tickwatch/internal/storage"
	"github.com/rewired-gh/tickwatch/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.MaxAlerts, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	hist, err := history.New(cfg.History.Dir, cfg.Binance.Interval)
	if err != nil {
		logger.Fatal("Failed to initialize history: %v", err)
	}

	client := binance.NewClient(cfg.Binance.BaseURL, cfg.Binance.Timeout, binance.ClientConfig{
		Interval:        cfg.Binance.Interval,
		PageLimit:       cfg.Binance.PageLimit,
		PageSpacing:     cfg.Binance.PageSpacing,
		MaxConnsPerHost: cfg.Binance.MaxConnsPerHost,
	})

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
	}

	dispatcher := notify.NewDispatcher(cfg.Monitor.QueueSize, reg)
	dispatcher.Add("console", notify.NewConsole(os.Stdout))
	dispatcher.Add("journal", notify.Journal(store))

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		dispatcher.Add("telegram", telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}
	dispatcher.Start()
	defer dispatcher.Close()

	registry := monitor.NewRegistry(client, dispatcher, monitor.Config{
		TopK:               cfg.Monitor.TopK,
		MinHistory:         cfg.Monitor.MinHistory,
		RequestSpacing:     cfg.Binance.RequestSpacing,
		CheckpointInterval: cfg.Monitor.CheckpointInterval,
		RebaseInterval:     cfg.Monitor.RebaseInterval,
		Evaluator: monitor.EvaluatorConfig{
			VolumeRatio:         cfg.Monitor.VolumeRatio,
			SpikeRefireMinValue: cfg.Monitor.SpikeRefireMinValue,
			PumpRatio:           cfg.Monitor.PumpRatio,
			DumpRatio:           cfg.Monitor.DumpRatio,
			MaxLookback:         cfg.Monitor.MaxLookback,
			Cooldown:            cfg.Monitor.Cooldown,
			WatchSymbols:        cfg.Symbols.Watch,
		},
	},
		monitor.WithHistory(hist),
		monitor.WithAlarmStore(store),
		monitor.WithMetrics(monitor.NewMetrics(reg)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, finishing the current symbol...")
		cancel()
	}()

	if cfg.Metrics.Enabled {
		serveMetrics(ctx, cfg.Metrics.Listen)
	}

	if telegramClient != nil {
		telegramClient.SetStatusFunc(func() string { return statusText(registry.Status()) })
		telegramClient.ListenForCommands(ctx)
	}

	symbols := cfg.Symbols.Universe
	if len(symbols) == 0 {
		symbols, err = client.Symbols(ctx, cfg.Symbols.Quote)
		if err != nil {
			logger.Fatal("Failed to list %s symbols: %v", cfg.Symbols.Quote, err)
		}
		logger.Info("Discovered %d %s symbols", len(symbols), cfg.Symbols.Quote)
	}

	logger.Info("Bootstrapping %d symbols from %s", len(symbols), cfg.History.Dir)
	if err := registry.Bootstrap(ctx, symbols); err != nil {
		logger.Info("Bootstrap interrupted: %v", err)
		registry.Shutdown()
		return
	}
	registry.Select(cfg.Monitor.TopK)

	logger.Info("Starting monitoring service (interval: %v, top_k: %d, cooldown: %v)",
		cfg.Monitor.PollInterval,
		cfg.Monitor.TopK,
		cfg.Monitor.Cooldown,
	)

	degradedCycles := 0
	handleCycle := func(report monitor.PollReport) {
		if report.Degraded() {
			degradedCycles++
			logger.Error("Monitoring cycle degraded: all %d symbols failed", report.Polled)
			if degradedCycles == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(fmt.Errorf("all %d tracked symbols failed to poll", report.Polled)); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if degradedCycles > 0 && telegramClient != nil {
			if sendErr := telegramClient.SendRecovery(degradedCycles); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		degradedCycles = 0
	}

	err = registry.Run(ctx, cfg.Monitor.PollInterval, handleCycle)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Monitoring stopped: %v", err)
	}
	registry.Shutdown()
	if err := store.RotateAlerts(); err != nil {
		logger.Warn("Failed to rotate alerts: %v", err)
	}
	logger.Info("Service stopped")
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()
}

// statusText renders the /status reply: one line per tracked symbol.
func statusText(statuses []monitor.PollStatus) string {
	var b strings.Builder
	tracked := 0
	for _, st := range statuses {
		if !st.Tracked {
			continue
		}
		tracked++
		fmt.Fprintf(&b, "%s stale %v", st.Symbol, st.Staleness.Truncate(time.Second))
		if st.ConsecutiveFailures > 0 {
			fmt.Fprintf(&b, ", %d failures: %s", st.ConsecutiveFailures, st.LastError)
		}
		b.WriteByte('\n')
	}
	if tracked == 0 {
		return "No symbols tracked"
	}
	return fmt.Sprintf("%d symbols tracked\n%s", tracked, b.String())
}
