// Package main provides the memory node daemon, which records the processes
// processor nodes create.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/linlinhaohao888/LegoOS/pkg/logging"
	"github.com/linlinhaohao888/LegoOS/pkg/memnode"
)

func main() {
	configPath := flag.String("config", DefaultConfigPath, "Path to the memory node YAML config")
	flag.Parse()

	rootLog := logging.ConfigureLogger("stdout")
	log := rootLog.WithName("memnode")

	cfg, err := LoadConfigOrDefault(*configPath)
	if err != nil {
		fatal(log, err, "Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		fatal(log, err, "Invalid configuration")
	}

	store, err := memnode.OpenStore(cfg.DataDir, rootLog.WithName("store"))
	if err != nil {
		fatal(log, err, "Failed to open process store")
	}
	defer store.Close()

	server := memnode.NewServer(cfg.Listen, store, rootLog.WithName("server"))
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Starting memory node", "listen", cfg.Listen, "data_dir", cfg.DataDir)

	select {
	case <-sigChan:
		log.Info("Shutting down")
	case err := <-serverDone:
		if err != nil {
			log.Error(err, "Server exited with error")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error(err, "Server shutdown failed")
	}
	log.Info("Memory node stopped")
}

func fatal(log logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	if err != nil {
		log.Error(err, msg, keysAndValues...)
	} else {
		log.Info(msg, keysAndValues...)
	}
	os.Exit(1)
}
