package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reportflow/internal/domain"
	"reportflow/internal/lock"
	"reportflow/internal/metrics"
	"reportflow/internal/queue"
	"reportflow/internal/scheduler"
	"reportflow/internal/worker"
)

// Store is the part of the repository the admin endpoints read and write.
type Store interface {
	Ping(ctx context.Context) error
	CreateScheduledTask(ctx context.Context, t domain.ScheduledTask) (string, error)
	GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	ListScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, t domain.ScheduledTask) error
	DeleteScheduledTask(ctx context.Context, id string) error
	ListExecutionLogs(ctx context.Context, f queue.LogFilter) ([]domain.ExecutionLog, error)
	ListEmailLogs(ctx context.Context, limit int) ([]domain.EmailLog, error)
}

type ScheduledRunner interface {
	ExecuteAllPendingTasks(ctx context.Context) (scheduler.Summary, error)
}

type QueueProcessor interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, priority int) (string, error)
	ProcessTaskQueue(ctx context.Context, maxBatch int) (worker.BatchResult, error)
	GetQueueLength(ctx context.Context) (int, error)
	RetryFailedTask(ctx context.Context, id string) error
	ListFailedTasks(ctx context.Context, limit int) ([]domain.QueueTask, error)
}

// Reports reports whether a report name can be exported.
type Reports interface {
	HasReport(name string) bool
}

type Deps struct {
	Store     Store
	Runner    ScheduledRunner
	Processor QueueProcessor
	Reports   Reports
	Locker    lock.Locker
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer

	// CronSecret, when set, is required as a bearer token on the cron endpoints.
	CronSecret string
	BatchLimit int
	// LockTTL bounds one trigger run and the run lock it holds.
	LockTTL time.Duration
	Debug   bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
	now  func() time.Time
}

func NewServer(d Deps) http.Handler {
	return newServer(d).r
}

func newServer(d Deps) *Server {
	if d.BatchLimit <= 0 {
		d.BatchLimit = 10
	}
	if d.LockTTL <= 0 {
		d.LockTTL = 10 * time.Minute
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocal()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: d, now: time.Now}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireCronSecret)
			r.Get("/cron/run-scheduled-tasks", s.runScheduledTasks)
			r.Get("/cron/process-task-queue", s.processTaskQueue)
		})

		r.Post("/tasks/enqueue", s.enqueueTask)
		r.Get("/tasks/queue-length", s.queueLength)
		r.Post("/tasks/retry", s.retryTask)
		r.Get("/tasks/failed", s.failedTasks)

		r.Get("/scheduled-tasks", s.listScheduledTasks)
		r.Post("/scheduled-tasks", s.createScheduledTask)
		r.Get("/scheduled-tasks/{id}", s.getScheduledTask)
		r.Put("/scheduled-tasks/{id}", s.updateScheduledTask)
		r.Delete("/scheduled-tasks/{id}", s.deleteScheduledTask)
		r.Post("/scheduled-tasks/{id}/run", s.runScheduledTaskNow)

		r.Get("/execution-logs", s.listExecutionLogs)
		r.Get("/execution-logs/download", s.downloadExecutionLogs)
		r.Get("/email-logs", s.listEmailLogs)
	})

	// Debug routes (pprof)
	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return s
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Success: false, Message: msg})
}

// intParam reads a positive integer query parameter, falling back to def
// when absent and capping at max.
func intParam(r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}
