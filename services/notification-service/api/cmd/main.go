package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/config"
	"github.com/baechuer/dealer-pipeline/internal/lifecycle"
	"github.com/baechuer/dealer-pipeline/internal/logger"
	"github.com/baechuer/dealer-pipeline/services/notification-service/internal/bootstrap"
)

func main() {
	config.LoadDotEnv()
	logger.Init("notification-service")
	zerolog.TimeFieldFormat = time.RFC3339Nano

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := lifecycle.Run(bootstrap.NewApp, sigCh, config.GetDuration("SHUTDOWN_WAIT", 15*time.Second), zlog.Logger)
	os.Exit(code)
}
