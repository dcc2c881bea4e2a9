// Package api exposes the engine over HTTP: inbound channel event injection,
// the external endpoint webhook, periodic task administration, and health.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/FlowBotIO/flowbot/internal/endpoint"
	"github.com/FlowBotIO/flowbot/internal/flow"
	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/periodic"
	"github.com/FlowBotIO/flowbot/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts configures the API server.
type Opts struct {
	Addr string
}

// Option customizes server options.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server routes HTTP requests to the interpreter, correlator, and scheduler.
type Server struct {
	addr       string
	interp     *flow.Interpreter
	correlator *endpoint.Correlator
	scheduler  *periodic.Scheduler
	graphs     store.GraphRepo
	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(interp *flow.Interpreter, correlator *endpoint.Correlator, scheduler *periodic.Scheduler, graphs store.GraphRepo, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		addr:       o.Addr,
		interp:     interp,
		correlator: correlator,
		scheduler:  scheduler,
		graphs:     graphs,
	}
}

// Handler returns the routed handler, exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleEvent)
	mux.HandleFunc("POST /endpoint/{botId}/{nodeId}", s.handleEndpoint)
	mux.HandleFunc("GET /periodic/{taskId}", s.handleGetTask)
	mux.HandleFunc("POST /periodic/{taskId}/{action}", s.handleTaskAction)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API: listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	}
}

// handleEvent injects one inbound channel event into the interpreter.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if event.BotID == "" || event.UserID == "" {
		writeError(w, http.StatusBadRequest, "botId and userId are required")
		return
	}
	if event.ChatID == "" {
		event.ChatID = event.UserID
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	bot, ok := s.graphs.Bot(r.Context(), event.BotID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	if err := s.interp.HandleInboundEvent(r.Context(), bot, &event); err != nil {
		slog.Error("API: event handling failed", "botID", event.BotID, "userID", event.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "event handling failed")
		return
	}
	writeSuccess(w, map[string]string{"state": "processed"})
}

type endpointRequest struct {
	AccessKey string         `json:"accessKey"`
	Payload   map[string]any `json:"payload"`
}

// handleEndpoint authenticates an external webhook call against the node's
// configured access key before anything is stored or resumed. A wrong key
// leaves no trace: no EndpointRecord, no session change.
func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botId")
	nodeID := r.PathValue("nodeId")

	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	graph, err := s.graphs.ActiveGraph(r.Context(), botID)
	if err != nil || graph == nil {
		writeError(w, http.StatusNotFound, "unknown bot or no active flow")
		return
	}
	node, ok := graph.Node(nodeID)
	if !ok || node.Type != models.NodeTypeEndpoint {
		writeError(w, http.StatusNotFound, "unknown endpoint node")
		return
	}
	if node.Data.AccessKey == "" {
		writeError(w, http.StatusForbidden, "endpoint not configured for external access")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.AccessKey), []byte(node.Data.AccessKey)) != 1 {
		slog.Warn("API: endpoint access key mismatch", "botID", botID, "nodeID", nodeID)
		writeError(w, http.StatusForbidden, "invalid access key")
		return
	}

	if req.Payload == nil {
		req.Payload = make(map[string]any)
	}
	if err := s.correlator.Receive(r.Context(), botID, nodeID, req.Payload); err != nil {
		slog.Error("API: endpoint receive failed", "botID", botID, "nodeID", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "endpoint processing failed")
		return
	}
	writeSuccess(w, map[string]string{"state": "received"})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.GetTask(r.Context(), r.PathValue("taskId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	writeSuccess(w, task)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	action := r.PathValue("action")

	var err error
	switch action {
	case "pause":
		err = s.scheduler.PauseTask(r.Context(), taskID)
	case "resume":
		err = s.scheduler.ResumeTask(r.Context(), taskID)
	case "stop":
		err = s.scheduler.StopTask(r.Context(), taskID)
	case "restart":
		err = s.scheduler.RestartTask(r.Context(), taskID)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		slog.Error("API: task action failed", "taskID", taskID, "action", action, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s failed", action))
		return
	}

	status, err := s.scheduler.GetStatus(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task status")
		return
	}
	writeSuccess(w, map[string]any{"taskId": taskID, "status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, map[string]string{"state": "ok"})
}
