package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mdprovider/config"
	"mdprovider/internal/app"
	"mdprovider/logger"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	// run provider
	a, err := app.Start(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("provider failed to start", zap.Error(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Stop(ctx)
}
