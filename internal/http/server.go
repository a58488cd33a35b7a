package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"kvraft/pkg/engine"
	"kvraft/pkg/kvop"
	"kvraft/pkg/replication"
	"kvraft/pkg/types"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Execute(ctx context.Context, op kvop.Operation) (replication.Status, error)
	Handle(ctx context.Context, message raftpb.Message) error

	Run(ctx context.Context) error
	Stop() error
}

// iEngine is the read-side of the local engine, used to serve GETs without
// round-tripping through raft.
type iEngine interface {
	Apply(op kvop.Operation) (engine.Result, error)
}

// Server represents the HTTP server fronting a single raft-replicated node.
type Server struct {
	node       iRaftNode
	eng        iEngine
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance bound to node for writes and eng
// for local reads.
func NewServer(node iRaftNode, eng iEngine, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		node: node,
		eng:  eng,
		URL:  "http://localhost:" + port,
		addr: ":" + port,
	}
}

func (s *Server) SetEngine(eng iEngine) {
	s.eng = eng
}

// Start starts the server
func (s *Server) Start() error {
	if s.node != nil {
		go func() {
			if err := s.node.Run(context.Background()); err != nil {
				slog.Error("Raft node error", "error", err)
			}
		}()
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		if s.node != nil {
			_ = s.node.Stop()
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)

	if s.node != nil {
		r.Post("/api/internal/raft", s.handleRaft)
		r.Post("/regions/adopt", s.handleAdoptRegion)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node == nil {
		return false, nil
	}

	if !s.node.IsLeader() {
		leaderAddr := s.node.LeaderAddr()
		if leaderAddr == "" {
			// leader unknown yet — don't redirect, allow local handling
			return false, nil
		}

		// Avoid redirect loop when leaderAddr equals this server's URL
		if leaderAddr == s.URL {
			return false, nil
		}

		leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
			return false, fmt.Errorf("failed to join leader path: %w", err)
		}

		http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
		return true, nil
	}
	return false, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, err := w.Write([]byte("# LSMDB Metrics\n")); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")

	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("Failed to redirect to leader", "error", err)
		}
		return
	}

	status, err := s.node.Execute(r.Context(), kvop.Operation{Kind: kvop.Put, Key: []byte(key), Value: []byte(value)})
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	if !status.IsOK() {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(status.Message))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	res, err := s.eng.Apply(kvop.Operation{Kind: kvop.Get, Key: []byte(key)})
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	if !res.Found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(res.Value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("Failed to redirect to leader", "error", err)
		}
		return
	}

	status, err := s.node.Execute(r.Context(), kvop.Operation{Kind: kvop.Delete, Key: []byte(key)})
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	if !status.IsOK() {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(status.Message))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleAdoptRegion receives a region handoff from cluster.ShardedRouter's
// RegionOwnerClient and acknowledges it. The engine itself has no
// region-partitioned storage today, so adoption is currently bookkeeping
// only: the split already landed locally via the RANGE_SPLIT entry.
func (s *Server) handleAdoptRegion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Region   types.RegionID `json:"region"`
		SplitKey []byte         `json:"split_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	slog.Info("adopted region", "region", body.Region, "split_key", string(body.SplitKey))
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Raft node not available"))
		return
	}

	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
