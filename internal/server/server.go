// Package server exposes the pipeline over HTTP: feedback submission
// (JSON and SSE), read-side queries over the store, and the breaker's
// diagnostic surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/bus"
	"github.com/patchline/patchline/internal/logging"
	"github.com/patchline/patchline/internal/orchestrator"
	"github.com/patchline/patchline/internal/stage"
	"github.com/patchline/patchline/internal/store"
)

// Server is the HTTP ingress.
type Server struct {
	orch      *orchestrator.Orchestrator
	st        store.Store
	brk       *breaker.Breaker
	log       *logging.Logger
	startedAt time.Time

	httpSrv *http.Server
}

// New builds the server and its routes.
func New(addr string, orch *orchestrator.Orchestrator, st store.Store, brk *breaker.Breaker, log *logging.Logger) *Server {
	s := &Server{
		orch:      orch,
		st:        st,
		brk:       brk,
		log:       log,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/process", s.handleProcess)
	mux.HandleFunc("POST /agent/process/stream", s.handleProcessStream)
	mux.HandleFunc("GET /agent/task-logs", s.handleTaskLogs)
	mux.HandleFunc("GET /feedback", s.handleFeedback)
	mux.HandleFunc("GET /circuit/status", s.handleCircuitStatus)
	mux.HandleFunc("POST /circuit/check", s.handleCircuitCheck)
	mux.HandleFunc("GET /circuit/token-usage", s.handleTokenUsage)
	mux.HandleFunc("GET /circuit/events", s.handleCircuitEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler; test hook.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.log.Infof("http: listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// --- request/response envelopes ---

type processRequest struct {
	Content  string `json:"content"`
	UserID   string `json:"userId,omitempty"`
	Language string `json:"language,omitempty"`
}

type processResponse struct {
	FeedbackID      string           `json:"feedbackId"`
	TaskID          string           `json:"taskId"`
	Status          string           `json:"status"`
	Analysis        any              `json:"analysis,omitempty"`
	Plan            any              `json:"plan,omitempty"`
	Error           any              `json:"error,omitempty"`
	BreakerSnapshot breaker.Snapshot `json:"breakerSnapshot"`
}

type checkRequest struct {
	Service         string `json:"service"`
	Action          string `json:"action"`
	EstimatedTokens int    `json:"estimatedTokens,omitempty"`
	TaskID          string `json:"taskId,omitempty"`
}

type listResponse struct {
	List  any `json:"list"`
	Total int `json:"total"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// --- handlers ---

// handleProcess runs the whole pipeline synchronously and returns the
// terminal state in one response.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}

	taskID, stream, err := s.orch.Submit(req.Content, req.UserID, req.Language)
	if err != nil {
		if stage.KindOf(err, "") == stage.KindValidation {
			writeError(w, http.StatusBadRequest, "%v", err)
		} else {
			writeError(w, http.StatusInternalServerError, "%v", err)
		}
		return
	}

	resp := processResponse{TaskID: taskID}
	for {
		e, ok := stream.Recv()
		if !ok {
			break
		}
		switch e.Type {
		case bus.TypeIntent:
			resp.Analysis = e.Data
		case bus.TypeSuggestion:
			resp.Plan = e.Data
		case bus.TypeError:
			resp.Error = e.Data
		case bus.TypeDone:
		}
		if e.Type == bus.TypeDone {
			break
		}
	}

	task, err := s.st.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load task: %v", err)
		return
	}
	resp.FeedbackID = task.FeedbackID
	if fb, err := s.st.GetFeedback(task.FeedbackID); err == nil {
		resp.Status = string(fb.Status)
	}
	if s.brk != nil {
		resp.BreakerSnapshot = s.brk.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProcessStream relays the task's event stream as SSE. A client
// disconnect closes the subscription; the pipeline keeps running.
func (s *Server) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	_, stream, err := s.orch.Submit(req.Content, req.UserID, req.Language)
	if err != nil {
		if stage.KindOf(err, "") == stage.KindValidation {
			writeError(w, http.StatusBadRequest, "%v", err)
		} else {
			writeError(w, http.StatusInternalServerError, "%v", err)
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan bus.Event)
	go func() {
		defer close(events)
		for {
			e, ok := stream.Recv()
			if !ok {
				return
			}
			select {
			case events <- e:
			case <-r.Context().Done():
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			stream.Close()
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, total, err := s.st.ListFeedback(store.FeedbackFilter{
		Status:   store.FeedbackStatus(q.Get("status")),
		Language: q.Get("language"),
		Limit:    intParam(q.Get("limit"), 50),
		Offset:   intParam(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list feedback: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{List: list, Total: total})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if taskID := q.Get("taskId"); taskID != "" {
		task, err := s.st.GetTask(taskID)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, listResponse{List: []store.Task{}, Total: 0})
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse{List: []store.Task{*task}, Total: 1})
		return
	}

	list, total, err := s.st.ListTasks(store.TaskFilter{
		FeedbackID: q.Get("feedbackId"),
		Status:     store.TaskStatus(q.Get("status")),
		Limit:      intParam(q.Get("limit"), 50),
		Offset:     intParam(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tasks: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{List: list, Total: total})
}

func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if s.brk == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker not loaded")
		return
	}
	writeJSON(w, http.StatusOK, s.brk.Status())
}

// handleCircuitCheck is the diagnostic admission probe. It reserves
// nothing, so it never consumes budget or frees a real task's slot.
func (s *Server) handleCircuitCheck(w http.ResponseWriter, r *http.Request) {
	if s.brk == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker not loaded")
		return
	}
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}
	if req.Service == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "service and action are required")
		return
	}

	decision := s.brk.Probe(req.Service, req.Action, req.EstimatedTokens, req.TaskID)

	code := http.StatusOK
	if !decision.Allowed && decision.Reason == store.EventCircuitOpen {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, decision)
}

func (s *Server) handleTokenUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.UsageFilter{
		TaskID:     q.Get("taskId"),
		FeedbackID: q.Get("feedbackId"),
	}

	// Aggregates cover the whole filtered set, not just the page.
	all, _, err := s.st.ListTokenUsage(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list token usage: %v", err)
		return
	}

	filter.Limit = intParam(q.Get("limit"), 50)
	filter.Offset = intParam(q.Get("offset"), 0)
	page, total, err := s.st.ListTokenUsage(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list token usage: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records":    page,
		"total":      total,
		"aggregates": store.Aggregate(all),
	})
}

func (s *Server) handleCircuitEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, total, err := s.st.ListBreakerEvents(store.EventFilter{
		Service:        q.Get("service"),
		UnresolvedOnly: q.Get("unresolvedOnly") == "true",
		Limit:          intParam(q.Get("limit"), 50),
		Offset:         intParam(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list breaker events: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{List: list, Total: total})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// logRequests is the access-log middleware.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugf("http: %s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
