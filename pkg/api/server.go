// Package api is the local status and control surface for the call engine:
// session state and peer stats for UIs, call controls for other local
// surfaces, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nist-kishan/collabcall/pkg/backend"
	"github.com/nist-kishan/collabcall/pkg/bus"
	"github.com/nist-kishan/collabcall/pkg/logger"
	"github.com/nist-kishan/collabcall/pkg/session"
)

// Server provides the HTTP API over the running state machine
type Server struct {
	machine    *session.Machine
	backend    *backend.Client
	commands   *bus.Bus
	logger     *logger.Logger
	httpServer *http.Server
}

// callStatusResponse is the full observable state for a status UI
type callStatusResponse struct {
	Current *session.Session `json:"current"`
	Last    *session.Session `json:"last"`
	Peers   any              `json:"peers"`
}

type startCallRequest struct {
	ChatID   string `json:"chatId"`
	CallType string `json:"callType"`
}

// settingsRequest carries only the toggles the caller wants changed
type settingsRequest struct {
	Muted       *bool `json:"muted,omitempty"`
	VideoOff    *bool `json:"videoOff,omitempty"`
	ScreenShare *bool `json:"screenShare,omitempty"`
}

// NewServer creates the status server
func NewServer(machine *session.Machine, client *backend.Client, commands *bus.Bus, log *logger.Logger) *Server {
	return &Server{
		machine:  machine,
		backend:  client,
		commands: commands,
		logger:   log.With("component", "api"),
	}
}

// Start starts the HTTP server and returns once it is listening
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/call", s.handleGetCall)
	mux.HandleFunc("/api/call/start", s.handleStartCall)
	mux.HandleFunc("/api/call/settings", s.handleSettings)
	mux.HandleFunc("/api/call/", s.handleCallOperation)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/history/", s.handleDeleteHistory)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	// Catch immediate bind failures before declaring the server up
	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, callStatusResponse{
		Current: s.machine.Current(),
		Last:    s.machine.Last(),
		Peers:   s.machine.PeerStats(),
	})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatID == "" || req.CallType == "" {
		http.Error(w, "chatId and callType are required", http.StatusBadRequest)
		return
	}

	sess, err := s.machine.Start(r.Context(), req.ChatID, req.CallType)
	if err != nil {
		s.logger.Error("start call failed", "chat_id", req.ChatID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, sess)
}

// handleCallOperation routes /api/call/{callId}/{accept|reject|end}. The
// commands go through the bus so they take the same path as every other
// local surface.
func (s *Server) handleCallOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/call/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "invalid call path", http.StatusBadRequest)
		return
	}
	callID := parts[0]

	var action bus.Action
	switch parts[1] {
	case "accept":
		action = bus.ActionAccept
	case "reject":
		action = bus.ActionReject
	case "end":
		action = bus.ActionEnd
	default:
		http.Error(w, "unknown operation", http.StatusNotFound)
		return
	}

	s.commands.Publish(bus.Command{Action: action, CallID: callID})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	if req.Muted != nil {
		err = s.machine.SetMuted(*req.Muted)
	}
	if err == nil && req.VideoOff != nil {
		err = s.machine.SetVideoOff(*req.VideoOff)
	}
	if err == nil && req.ScreenShare != nil {
		err = s.machine.SetScreenShare(*req.ScreenShare)
	}
	if err != nil {
		s.logger.Error("apply settings failed", "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.writeJSON(w, s.machine.Current())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filters := backend.HistoryFilters{
			ChatID: r.URL.Query().Get("chatId"),
			Type:   backend.CallType(r.URL.Query().Get("callType")),
		}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			if n, err := strconv.Atoi(limit); err == nil {
				filters.Limit = n
			}
		}

		calls, err := s.backend.GetCallHistory(r.Context(), filters)
		if err != nil {
			s.logger.Error("fetch history failed", "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		s.writeJSON(w, calls)

	case http.MethodDelete:
		if err := s.backend.ClearCallHistory(r.Context()); err != nil {
			s.logger.Error("clear history failed", "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callID := strings.TrimPrefix(r.URL.Path, "/api/history/")
	if callID == "" || strings.Contains(callID, "/") {
		http.Error(w, "invalid history path", http.StatusBadRequest)
		return
	}

	if err := s.backend.DeleteCallHistory(r.Context(), callID); err != nil {
		s.logger.Error("delete history entry failed", "call_id", callID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

// withCORS allows a local UI served from another port to call the API
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
