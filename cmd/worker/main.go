package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/config"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/app"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/transport"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/worker"
)

var confFile = flag.String("c", "", "config file path")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*confFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	if err := application.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	defer application.Release()

	dialer, err := transport.Driver()
	if err != nil {
		zap.S().Fatalf("worker startup: %v", err)
	}

	w, err := worker.New(application, dialer)
	if err != nil {
		// Configuration-fatal: a worker without a valid encryption key or
		// broker must not join the fleet.
		zap.S().Fatalf("worker startup: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zap.L().Info("worker: starting session & delivery engine",
		zap.Int("health_port", cfg.Worker.HealthPort))
	if err := w.Run(ctx); err != nil {
		w.Crash().Handle(err)
	}
}
