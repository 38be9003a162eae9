// Package main provides the processor node agent.
// The agent runs the restore worker and serves restore requests over a UDS
// API, optionally also restoring snapshots dropped into a spool directory.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/linlinhaohao888/LegoOS/pkg/api"
	"github.com/linlinhaohao888/LegoOS/pkg/config"
	"github.com/linlinhaohao888/LegoOS/pkg/fileops"
	"github.com/linlinhaohao888/LegoOS/pkg/logging"
	"github.com/linlinhaohao888/LegoOS/pkg/p2m"
	"github.com/linlinhaohao888/LegoOS/pkg/restore"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
	"github.com/linlinhaohao888/LegoOS/pkg/watcher"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to the agent YAML config")
	flag.Parse()

	rootLog := logging.ConfigureLogger("stdout")
	agentLog := rootLog.WithName("agent")

	cfg, err := LoadConfigOrDefault(*configPath)
	if err != nil {
		fatal(agentLog, err, "Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		fatal(agentLog, err, "Invalid configuration")
	}

	tasks := task.NewTable(cfg.Restore.PIDMax)

	var notifier task.ForkNotifier
	if !cfg.MemoryNode.Disabled {
		notifier = p2m.NewClient(cfg.MemoryNode.Address, p2m.ClientOptions{
			Node:    cfg.NodeID,
			Timeout: cfg.MemoryNode.Timeout,
		}, rootLog.WithName("p2m"))
	}

	spawner := task.NewThreadSpawner(task.SpawnerConfig{
		MaxThreads:  cfg.Restore.MaxThreads,
		MaxFiles:    cfg.Restore.MaxFiles,
		ConsolePath: cfg.Restore.ConsolePath,
		CloneFlags:  cfg.Restore.CloneFlags,
		Notifier:    notifier,
	}, tasks, rootLog.WithName("spawner"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	restorer, err := restore.New(restore.Config{
		Spawner:    spawner,
		Opener:     fileops.NewHostOpener(cfg.Restore.RootDir),
		Tasks:      tasks,
		Registerer: registry,
	}, rootLog)
	if err != nil {
		fatal(agentLog, err, "Failed to create restorer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The node cannot restore anything without its worker.
	if err := restorer.Start(ctx); err != nil {
		fatal(agentLog, err, "Failed to start restore worker")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	agentLog.Info("Starting pnode agent",
		"node", cfg.NodeID,
		"memory_node", cfg.MemoryNode.Address,
		"memory_node_disabled", cfg.MemoryNode.Disabled,
		"root_dir", cfg.Restore.RootDir,
		"socket", cfg.API.SocketPath,
	)

	server := api.NewServer(api.Config{
		SocketPath: cfg.API.SocketPath,
		Gatherer:   registry,
	}, restorer, tasks, rootLog.WithName("api"))

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start()
	}()

	watcherDone := make(chan error, 1)
	if cfg.Watcher.Enabled {
		spoolWatcher, err := watcher.NewWatcher(cfg.Watcher, restorer, rootLog.WithName("watcher"))
		if err != nil {
			fatal(agentLog, err, "Failed to create spool watcher")
		}
		go func() {
			agentLog.Info("Spool watcher started", "spool_dir", cfg.Watcher.SpoolDir)
			watcherDone <- spoolWatcher.Start(ctx)
		}()
	}

	select {
	case <-sigChan:
		agentLog.Info("Shutting down")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(agentLog, err, "API server exited with error")
		}
	case err := <-watcherDone:
		if err != nil {
			fatal(agentLog, err, "Spool watcher exited with error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		agentLog.Error(err, "API server shutdown failed")
	}

	cancel()
	select {
	case <-restorer.Stopped():
	case <-shutdownCtx.Done():
		agentLog.Info("Restore worker did not stop in time")
	}

	agentLog.Info("Agent stopped", "live_tasks", tasks.Len())
}

func fatal(log logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	if err != nil {
		log.Error(err, msg, keysAndValues...)
	} else {
		log.Info(msg, keysAndValues...)
	}
	os.Exit(1)
}
