package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/zeromicro/go-zero/core/logx"

	"pms-api/internal/broadcast"
	"pms-api/internal/cli"
	"pms-api/internal/config"
	"pms-api/internal/svc"
)

var configFile = flag.String("f", "etc/pms.yaml", "the config file")

func main() {
	// Auto-load environment variables from .env at startup. It's fine if
	// the file does not exist; envs can still be provided by the OS.
	_ = godotenv.Load()

	flag.Parse()

	cfg := config.MustLoad(*configFile)
	cli.LogConfigSummary(cfg)

	// The WS fan-out is an external collaborator; until one is attached the
	// events go to the log.
	sink := broadcast.Func(func(eventType string, payload any) {
		logx.Infow("broadcast", logx.Field("event", eventType), logx.Field("payload", payload))
	})

	ctx := context.Background()
	service, err := svc.NewServiceContext(*cfg, sink)
	if err != nil {
		logx.Must(err)
	}
	if err := service.Start(ctx); err != nil {
		logx.Must(err)
	}
	defer service.Stop()

	logx.Info("pms core running")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logx.Info("shutting down")
}
