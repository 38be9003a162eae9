package memnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/linlinhaohao888/LegoOS/pkg/p2m"
	"github.com/linlinhaohao888/LegoOS/pkg/snapshot"
)

// DefaultListen is where a memory node listens when nothing is configured.
const DefaultListen = "unix:///var/run/pnode/memnode.sock"

// Server answers fork, update and exit notifications from processor nodes.
type Server struct {
	listen     string
	store      *Store
	httpServer *http.Server
	log        logr.Logger
}

// NewServer returns a server recording processes in store. listen is
// "unix:///path" or "host:port".
func NewServer(listen string, store *Store, log logr.Logger) *Server {
	if listen == "" {
		listen = DefaultListen
	}
	s := &Server{
		listen: listen,
		store:  store,
		log:    log,
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: p2m.DefaultNetTimeout,
	}
	return s
}

// Handler returns the memory node's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(p2m.ForkPath, s.handleFork)
	mux.HandleFunc(p2m.UpdatePath, s.handleUpdate)
	mux.HandleFunc(p2m.ExitPath, s.handleExit)
	mux.HandleFunc(p2m.ProcessesPath, s.handleProcesses)
	return mux
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := s.listener()
	if err != nil {
		return err
	}
	s.log.Info("Memory node listening", "address", s.listen)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listener() (net.Listener, error) {
	socketPath, ok := strings.CutPrefix(s.listen, "unix://")
	if !ok {
		ln, err := net.Listen("tcp", s.listen)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", s.listen, err)
		}
		return ln, nil
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0666); err != nil {
		s.log.Error(err, "Failed to chmod socket")
	}
	return ln, nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// decodeRequest reads a p2m request body into req. It writes the error
// response itself and reports whether the handler should go on.
func decodeRequest(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req p2m.ForkRequest
	if decodeRequest(w, r, &req) {
		writeJSON(w, http.StatusOK, p2m.Reply{Code: s.fork(req)})
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req p2m.UpdateRequest
	if decodeRequest(w, r, &req) {
		writeJSON(w, http.StatusOK, p2m.Reply{Code: s.update(req)})
	}
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	var req p2m.ExitRequest
	if decodeRequest(w, r, &req) {
		writeJSON(w, http.StatusOK, p2m.Reply{Code: s.exit(req)})
	}
}

func validForkRequest(req p2m.ForkRequest) bool {
	return req.PID > 0 && req.TGID > 0 && req.Comm != "" && len(req.Comm) < snapshot.CommLen
}

// fork records req and returns the reply code.
func (s *Server) fork(req p2m.ForkRequest) int {
	log := s.log.WithValues("pid", req.PID, "tgid", req.TGID, "node", req.Node)

	if !validForkRequest(req) {
		log.Info("Rejected fork", "comm", req.Comm)
		return -int(unix.EINVAL)
	}

	err := s.store.Insert(p2m.ProcessRecord{
		TGID:       req.TGID,
		PID:        req.PID,
		ParentTGID: req.ParentTGID,
		CloneFlags: req.CloneFlags,
		Comm:       req.Comm,
		Node:       req.Node,
		CreatedAt:  time.Now().UTC(),
	})
	switch {
	case errors.Is(err, ErrExists):
		log.Info("Duplicate fork", "comm", req.Comm)
		return -int(unix.EEXIST)
	case err != nil:
		log.Error(err, "Failed to record fork")
		return -int(unix.EIO)
	}

	log.V(1).Info("Recorded fork", "comm", req.Comm, "parent_tgid", req.ParentTGID)
	return 0
}

// update refreshes the name, parentage and node of an existing record. The
// clone flags and creation time stay as forked.
func (s *Server) update(req p2m.UpdateRequest) int {
	log := s.log.WithValues("pid", req.PID, "tgid", req.TGID, "node", req.Node)

	if !validForkRequest(req) {
		log.Info("Rejected update", "comm", req.Comm)
		return -int(unix.EINVAL)
	}

	err := s.store.Update(req.PID, func(rec *p2m.ProcessRecord) {
		rec.TGID = req.TGID
		rec.ParentTGID = req.ParentTGID
		rec.Comm = req.Comm
		if req.Node != "" {
			rec.Node = req.Node
		}
	})
	switch {
	case errors.Is(err, ErrNotFound):
		log.Info("Update for unknown process", "comm", req.Comm)
		return -int(unix.ENOENT)
	case err != nil:
		log.Error(err, "Failed to update process")
		return -int(unix.EIO)
	}

	log.V(1).Info("Updated process", "comm", req.Comm)
	return 0
}

// exit drops the record of req.PID. A missing record is not an error, so a
// retried exit is harmless.
func (s *Server) exit(req p2m.ExitRequest) int {
	log := s.log.WithValues("pid", req.PID, "node", req.Node)

	if req.PID <= 0 {
		log.Info("Rejected exit")
		return -int(unix.EINVAL)
	}
	if err := s.store.Delete(req.PID); err != nil {
		log.Error(err, "Failed to drop process")
		return -int(unix.EIO)
	}

	log.V(1).Info("Dropped process")
	return 0
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := s.store.List()
	if err != nil {
		s.log.Error(err, "Failed to list processes")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
