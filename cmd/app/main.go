package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"orderbook_go/internal/app"

	"github.com/joho/godotenv"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	// 1. Environment overrides (.env is optional)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env", slog.Any("error", err))
	}

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 3. Pprof Server (for performance profiling)
	if addr := bootstrap.Config.Debug.PprofAddr; addr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := bootstrap.Run(ctx)

	slog.Info("👋 Shutting down gracefully...")
	if err := bootstrap.Close(); err != nil {
		slog.Error("Failed to release resources", slog.Any("error", err))
	}
	if runErr != nil {
		slog.Error("❌ Service stopped with error", slog.Any("error", runErr))
		os.Exit(1)
	}
}
