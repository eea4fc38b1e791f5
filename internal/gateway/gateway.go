// Package gateway exposes the HTTP surface: task submission with allowlist,
// rate-limit and queue admission, task queries, cancellation, health, and a
// websocket task watch. Every response is wrapped {ok, data, error}.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawd/internal/audit"
	"github.com/basket/clawd/internal/config"
	"github.com/basket/clawd/internal/otel"
	"github.com/basket/clawd/internal/persistence"
)

// Config collects the server's collaborators. Metrics may be nil.
type Config struct {
	Store   *persistence.Store
	Server  config.ServerConfig
	Worker  config.WorkerConfig
	Limits  config.LimitsConfig
	Metrics *otel.Metrics
	Version string
}

// Server is the HTTP front door.
type Server struct {
	log     *slog.Logger
	cfg     Config
	limiter *SlidingLimiter
	started time.Time

	httpSrv *http.Server
}

func NewServer(log *slog.Logger, cfg Config) *Server {
	s := &Server{
		log:     log,
		cfg:     cfg,
		limiter: NewSlidingLimiter(cfg.Limits.GlobalRPM, cfg.Limits.UserRPM),
		started: time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/tasks/{id}/watch", s.handleWatch)
	mux.HandleFunc("POST /v1/tasks/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// The watch endpoint holds the connection open, so only the
		// header read is bounded here; handlers enforce the rest.
		IdleTimeout: timeout,
	}
	return s
}

// StartEviction periodically drops idle per-user rate windows so long-lived
// processes do not accumulate one window per user id ever seen.
func (s *Server) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.EvictIdle()
			}
		}
	}()
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.cfg.Server.Listen)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: false, Error: message})
}

// validKinds are the task kinds the queue accepts. "admin" is reserved:
// accepted here, failed by the worker.
var validKinds = map[string]bool{"ask": true, "run_skill": true, "admin": true}

type submitRequest struct {
	UserID  int64           `json:"user_id"`
	ChatID  int64           `json:"chat_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "Missing task kind")
		return
	}
	if !validKinds[req.Kind] {
		writeError(w, http.StatusBadRequest, "Unsupported task kind: "+req.Kind)
		return
	}

	ctx := r.Context()
	if !s.cfg.Store.IsUserAllowed(ctx, req.UserID) {
		audit.Record(&req.UserID, "auth_fail", fmt.Sprintf(`{"kind":%q}`, req.Kind), "user not in allowlist")
		writeError(w, http.StatusForbidden, "Unauthorized user")
		return
	}
	if !s.limiter.Allow(req.UserID) {
		audit.Record(&req.UserID, "limit_hit", fmt.Sprintf(`{"kind":%q}`, req.Kind), "")
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}
	if s.cfg.Worker.QueueLimit > 0 {
		queued, err := s.cfg.Store.CountTasksByStatus(ctx, persistence.TaskStatusQueued)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Queue check failed")
			return
		}
		if queued >= s.cfg.Worker.QueueLimit {
			audit.Record(&req.UserID, "limit_hit", fmt.Sprintf(`{"kind":%q,"queued":%d}`, req.Kind, queued), "queue full")
			writeError(w, http.StatusTooManyRequests, "Task queue is full")
			return
		}
	}

	payload := "{}"
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}
	taskID, err := s.cfg.Store.CreateTask(ctx, req.UserID, req.ChatID, req.Kind, payload)
	if err != nil {
		s.log.Error("task submit failed", "user_id", req.UserID, "kind", req.Kind, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to persist task")
		return
	}

	audit.Record(&req.UserID, "submit_task", fmt.Sprintf(`{"task_id":%q,"kind":%q}`, taskID, req.Kind), "")
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TasksSubmitted.Add(ctx, 1)
	}
	s.log.Info("task submitted", "task_id", taskID, "user_id", req.UserID, "chat_id", req.ChatID, "kind", req.Kind)
	writeData(w, http.StatusOK, map[string]string{"task_id": taskID})
}

type taskView struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	ResultJSON string `json:"result_json,omitempty"`
	ErrorText  string `json:"error_text,omitempty"`
}

func viewOf(task *persistence.Task) taskView {
	v := taskView{TaskID: task.TaskID, Status: string(task.Status)}
	if task.ResultJSON.Valid {
		v.ResultJSON = task.ResultJSON.String
	}
	if task.ErrorText.Valid {
		v.ErrorText = task.ErrorText.String
	}
	return v
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task")
		return
	}
	writeData(w, http.StatusOK, viewOf(task))
}

type cancelRequest struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	canceled, err := s.cfg.Store.CancelTasks(r.Context(), req.UserID, req.ChatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to cancel tasks")
		return
	}
	audit.Record(&req.UserID, "cancel_tasks", fmt.Sprintf(`{"chat_id":%d,"canceled":%d}`, req.ChatID, canceled), "")
	writeData(w, http.StatusOK, map[string]int64{"canceled": canceled})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queued, err := s.cfg.Store.CountTasksByStatus(ctx, persistence.TaskStatusQueued)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Health query failed")
		return
	}
	running, err := s.cfg.Store.CountTasksByStatus(ctx, persistence.TaskStatusRunning)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Health query failed")
		return
	}
	oldestAge, err := s.cfg.Store.OldestRunningTaskAgeSeconds(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Health query failed")
		return
	}

	workerState := "idle"
	if running > 0 {
		workerState = "busy"
	}
	data := map[string]any{
		"version":                    s.cfg.Version,
		"queue_length":               queued,
		"running_length":             running,
		"running_oldest_age_seconds": oldestAge,
		"worker_state":               workerState,
		"uptime_seconds":             int64(time.Since(s.started).Seconds()),
		"task_timeout_seconds":       s.cfg.Worker.TaskTimeoutSeconds,
	}
	if rss, ok := readRSSBytes(); ok {
		data["memory_rss_bytes"] = rss
	}
	writeData(w, http.StatusOK, data)
}

// readRSSBytes parses VmRSS out of /proc/self/status. Absent on non-Linux
// hosts; the health payload just omits the field.
func readRSSBytes() (int64, bool) {
	raw, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmRSS:"))
		if len(fields) < 1 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
