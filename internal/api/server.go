package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"QuantDesk/internal/capability"
	"QuantDesk/internal/execution"
	"QuantDesk/internal/taskqueue"
	"QuantDesk/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部执行能力与管理任务队列。
type Server struct {
	addr         string
	registry     *capability.Registry
	orchestrator *execution.Orchestrator
	tasks        *taskqueue.Service
	log          *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, registry *capability.Registry, orchestrator *execution.Orchestrator, tasks *taskqueue.Service) *Server {
	return &Server{
		addr:         addr,
		registry:     registry,
		orchestrator: orchestrator,
		tasks:        tasks,
		log:          logger.Named("api"),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表，测试可以直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/capabilities", s.handleListCapabilities)
	mux.HandleFunc("POST /api/v1/executions", s.handleExecute)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleExecutionStatus)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.handleExecutionCancel)
	mux.HandleFunc("POST /api/v1/tasks", s.handleEnqueue)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskStatus)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("GET /api/v1/tasks/{id}/progress", s.handleTaskProgress)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	return mux
}

// executeRequest 是执行与排队接口共用的请求体。
type executeRequest struct {
	CapabilityID string           `json:"capability_id"`
	Input        map[string]any   `json:"input"`
	UserID       string           `json:"user_id,omitempty"`
	Async        bool             `json:"async,omitempty"`
	Config       taskqueue.Config `json:"config"`
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	type item struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Streaming   bool   `json:"streaming"`
	}
	items := make([]item, 0)
	for _, id := range s.registry.IDs() {
		desc, err := s.registry.Resolve(id)
		if err != nil {
			continue
		}
		items = append(items, item{ID: desc.ID, Description: desc.Description, Streaming: desc.Streaming})
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": items})
}

// handleExecute 同步或异步执行一次能力调用。同步返回统一信封；
// 异步立即返回排队中的执行记录。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if req.CapabilityID == "" {
		writeError(w, http.StatusBadRequest, "capability_id 不能为空")
		return
	}

	if req.Async {
		ec := execution.NewContext(req.CapabilityID, req.UserID)
		record := s.orchestrator.ExecuteAsync(r.Context(), req.CapabilityID, req.Input, ec)
		writeJSON(w, http.StatusAccepted, record)
		return
	}
	env := s.orchestrator.ExecuteCapability(r.Context(), req.CapabilityID, req.Input, req.UserID)
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.GetStatus(r.PathValue("id")))
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.orchestrator.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

// handleEnqueue 创建一个排队任务。
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	task, err := s.tasks.Enqueue(r.Context(), req.CapabilityID, req.Input, req.Config)
	if err != nil {
		if errors.Is(err, capability.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("能力 %s 未注册", req.CapabilityID))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	tasks, err := s.tasks.ListTasks(r.Context(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTaskStatus 返回任务状态。未知任务同样返回 200，由响应体里
// 合成的失败记录表达找不到任务。
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.GetStatus(r.Context(), r.PathValue("id")))
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.tasks.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

// handleTaskProgress 以 SSE 流推送任务进度，任务进入终态后结束。
func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "响应不支持流式输出")
		return
	}
	id := r.PathValue("id")

	events, closeSub, err := s.tasks.SubscribeProgress(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer closeSub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// 订阅后先补发一次当前状态，避免客户端错过已发生的进度。
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	emit := func(event taskqueue.ProgressEvent) {
		raw, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
	}
	snapshot := s.tasks.GetStatus(r.Context(), id)
	emit(taskqueue.ProgressEvent{TaskID: id, Percent: snapshot.ProgressPercent, Message: snapshot.ProgressMessage})
	if snapshot.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			emit(event)
		case <-ticker.C:
			if s.tasks.GetStatus(r.Context(), id).Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func listOptionsFromQuery(r *http.Request) []taskqueue.ListOption {
	var opts []taskqueue.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, taskqueue.WithLimit(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		opts = append(opts, taskqueue.WithStatuses(execution.Status(raw)))
	}
	if raw := query.Get("capability"); raw != "" {
		opts = append(opts, taskqueue.WithCapability(raw))
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
