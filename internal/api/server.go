// Package api serves the enrichment HTTP interface: fan-out rounds,
// application intake and progress streams, recovery, the cost governor and
// service stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/config"
	"github.com/sells-group/site-enrich/internal/cost"
	"github.com/sells-group/site-enrich/internal/fanout"
	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/monitoring"
	"github.com/sells-group/site-enrich/internal/progress"
	"github.com/sells-group/site-enrich/internal/recovery"
	"github.com/sells-group/site-enrich/internal/store"
)

// Store is the persistence the API reads and writes directly.
type Store interface {
	CreateApplication(ctx context.Context, app model.NewApplication) (*model.Application, error)
	GetApplication(ctx context.Context, id string) (*model.Application, error)
	Ping(ctx context.Context) error
}

// Fanout runs one overlay round.
type Fanout interface {
	Run(ctx context.Context, req fanout.Request) (*fanout.Result, error)
}

// Sweeper runs a recovery pass.
type Sweeper interface {
	Sweep(ctx context.Context, opts recovery.Options) (*recovery.Report, error)
}

// Evaluator runs the cost evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, now time.Time) (*cost.Evaluation, error)
}

// Mode reads and resets the system mode.
type Mode interface {
	Current(ctx context.Context) (*model.SystemModeState, error)
	Reset(ctx context.Context, actor, reason string) (*model.SystemModeState, bool, error)
	History(ctx context.Context, limit int) ([]model.SystemModeState, error)
}

// Collector gathers service stats.
type Collector interface {
	Collect(ctx context.Context) (*monitoring.Snapshot, error)
}

// Deps are the services behind the routes. Redis may be nil, in which case
// event streams send the current state and close.
type Deps struct {
	Store     Store
	Fanout    Fanout
	Trigger   recovery.Trigger
	Sweeper   Sweeper
	Evaluator Evaluator
	Mode      Mode
	Collector Collector
	Redis     redis.UniversalClient
}

// Server holds the route handlers.
type Server struct {
	deps Deps
	cfg  config.ServerConfig
	now  func() time.Time
	log  *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps, cfg config.ServerConfig) *Server {
	return &Server{
		deps: deps,
		cfg:  cfg,
		now:  time.Now,
		log:  zap.L().With(zap.String("component", "api")),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit())

		r.Post("/fanout", s.runFanout)
		r.Post("/applications", s.createApplication)
		r.Get("/applications/{id}", s.getApplication)
		r.Get("/applications/{id}/events", s.streamEvents)
		r.Post("/recovery", s.runRecovery)
		r.Post("/cost/evaluate", s.evaluateCost)
		r.Get("/system-mode", s.systemMode)
		r.Post("/system-mode/reset", s.resetSystemMode)
		r.Get("/stats", s.stats)
	})
	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// rateLimit limits requests per client IP. A non-positive rate disables it.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	if s.cfg.RateLimitRPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	lmt := tollbooth.NewLimiter(s.cfg.RateLimitRPS, &limiter.ExpirableOptions{
		DefaultExpirationTTL: 10 * time.Minute,
	})
	burst := int(s.cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}
	lmt.SetBurst(burst)
	lmt.SetIPLookups([]string{"RemoteAddr"})
	lmt.SetMessageContentType("application/json; charset=utf-8")
	lmt.SetMessage(`{"error":"rate limit exceeded"}`)
	return func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a service error to a response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, fanout.ErrInvalidRequest), errors.Is(err, cost.ErrActorRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, progress.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		s.log.Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
