package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"joinguard/internal/api"
	"joinguard/internal/config"
	"joinguard/internal/engine"
	"joinguard/internal/gateway"
	"joinguard/internal/ingest"
	"joinguard/internal/logging"
	"joinguard/internal/model"
	"joinguard/internal/notify"
	"joinguard/internal/stats"
	"joinguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "joinguard.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("joinguard", version)
		return
	}

	manager, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("starting joinguard", "version", version, "config", manager.Path())

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Init(ctx); err != nil {
		logger.Error("init storage", "error", err)
		os.Exit(1)
	}

	events := notify.NewStore(cfg.Notify.StoreLimit)
	live := stats.NewStore(cfg.LiveStats.StoreLimit)
	gw := gateway.NewNoop(logger)

	eng := engine.NewEngine(cfg, logger, store, gw, &notify.Logging{Next: events, Log: logger}, live)

	joins := make(chan model.JoinEvent, cfg.Ingest.ChannelBuffer)
	answers := make(chan model.AnswerEvent, cfg.Ingest.ChannelBuffer)
	messages := make(chan model.MessageEvent, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, joins, answers, messages)

	ingest.StartREST(ctx, manager, joins, answers, messages, logger)
	ingest.StartKafka(ctx, manager, joins, answers, messages, logger)
	api.Start(ctx, manager, store, events, live, eng, logger, version)

	go manager.Watch(0, func(next *config.Config) {
		logger.Info("config reloaded", "path", manager.Path())
		eng.UpdateConfig(next)
	}, func(err error) {
		logger.Error("config reload failed", "error", err)
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutting down")
	eng.Wait()
}
