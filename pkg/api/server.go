package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linlinhaohao888/LegoOS/pkg/config"
	"github.com/linlinhaohao888/LegoOS/pkg/restore"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// Restorer is the part of the restore facade the server drives.
type Restorer interface {
	RestoreContext(ctx context.Context, snap *snapshot.ProcessSnapshot) (*task.Task, error)
}

// Config holds configuration for the UDS server.
type Config struct {
	SocketPath string

	// Gatherer backs /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP-over-UDS server for restore operations.
type Server struct {
	cfg        Config
	httpServer *http.Server
	listener   net.Listener
	restorer   Restorer
	tasks      *task.Table
	log        logr.Logger
}

// NewServer creates a new UDS server.
func NewServer(cfg Config, restorer Restorer, tasks *task.Table, log logr.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		restorer: restorer,
		tasks:    tasks,
		log:      log,
	}
	s.httpServer = &http.Server{
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(RestorePath, s.handleRestore)
	mux.HandleFunc(TasksPath, s.handleTasks)
	mux.HandleFunc(ExitTaskPath, s.handleExitTask)
	if s.cfg.Gatherer != nil {
		mux.Handle(MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins listening on the UDS socket. Blocks until shutdown.
func (s *Server) Start() error {
	socketPath := s.cfg.SocketPath
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	s.listener = ln

	if err := os.Chmod(socketPath, 0666); err != nil {
		s.log.Error(err, "Failed to chmod socket")
	}

	s.log.Info("UDS server listening", "socket", socketPath)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RestoreAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, RestoreAPIResponse{
			Success: false,
			Error:   fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}

	snap, err := loadSnapshot(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RestoreAPIResponse{
			Success: false,
			Error:   err.Error(),
			Errno:   restore.Errno(err),
		})
		return
	}

	t, err := s.restorer.RestoreContext(r.Context(), snap)
	if err != nil {
		s.log.Error(err, "Restore failed", "comm", snap.Comm, "snapshot_path", req.SnapshotPath)
		writeJSON(w, http.StatusInternalServerError, RestoreAPIResponse{
			Success: false,
			Comm:    snap.Comm,
			Error:   err.Error(),
			Errno:   restore.Errno(err),
		})
		return
	}

	s.log.Info("Restore completed", "pid", t.PID, "comm", t.Comm())
	writeJSON(w, http.StatusOK, RestoreAPIResponse{
		Success: true,
		PID:     t.PID,
		TGID:    t.TGID,
		Comm:    t.Comm(),
	})
}

func loadSnapshot(req RestoreAPIRequest) (*snapshot.ProcessSnapshot, error) {
	switch {
	case req.SnapshotPath != "" && req.Snapshot != nil:
		return nil, errors.New("only one of snapshot_path and snapshot may be set")
	case req.SnapshotPath != "":
		return snapshot.Read(req.SnapshotPath)
	case req.Snapshot != nil:
		if err := req.Snapshot.Validate(); err != nil {
			return nil, err
		}
		return req.Snapshot, nil
	default:
		return nil, errors.New("snapshot_path or snapshot is required")
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tasks := s.tasks.List()
	infos := make([]task.Info, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleExitTask tears a restored task down, which returns its thread-budget
// slot and drops its memory node record.
func (s *Server) handleExitTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ExitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	t, err := s.tasks.Kill(req.PID)
	switch {
	case errors.Is(err, task.ErrNoTask):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	s.log.Info("Task exited", "pid", t.PID, "comm", t.Comm())
	writeJSON(w, http.StatusOK, t.Info())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
