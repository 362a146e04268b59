package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"studiosync/internal/config"
	appLog "studiosync/internal/log"
	"studiosync/internal/model"
	"studiosync/internal/reconcile"
	"studiosync/internal/store"
)

const (
	defaultLogLimit = 20
	maxLogLimit     = 200
	previewCacheTTL = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Syncer starts background runs.
type Syncer interface {
	Trigger(ctx context.Context, syncType string) (reconcile.TriggerStatus, error)
}

// Planner computes what the next run would write.
type Planner interface {
	Plan(ctx context.Context) (reconcile.Plan, error)
}

// Store is the read side of the booking store.
type Store interface {
	Ping(ctx context.Context) error
	RecentRuns(ctx context.Context, limit int) ([]model.SyncLogEntry, error)
	GetRun(ctx context.Context, id int64) (model.SyncLogEntry, error)
	ListSyncedBookings(ctx context.Context, calendarID string) ([]store.SyncedBooking, error)
}

// Options configures a Server.
type Options struct {
	CalendarID string
	// BasicAuth, if set with a username and password, protects every
	// endpoint except /health.
	BasicAuth *config.BasicAuthConfig
	Debug     bool
}

// Server exposes the operator API: trigger a run, inspect the sync log,
// list synced bookings and preview the next run.
type Server struct {
	opts    Options
	syncer  Syncer
	planner Planner
	store   Store
	echo    *echo.Echo

	// In-memory cache for /api/sync/preview; a preview fetches the feed.
	previewMu    sync.RWMutex
	previewCache *previewCache

	now func() time.Time
}

type previewCache struct {
	plan      reconcile.Plan
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(opts Options, syncer Syncer, planner Planner, st Store) *Server {
	s := &Server{
		opts:    opts,
		syncer:  syncer,
		planner: planner,
		store:   st,
		echo:    echo.New(),
		now:     time.Now,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = opts.Debug
	s.echo.HTTPErrorHandler = s.handleError

	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger())
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		s.echo.Use(s.basicAuthMiddleware())
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr, "debug", s.opts.Debug)
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(sctx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	ba := s.opts.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware() echo.MiddlewareFunc {
	username := s.opts.BasicAuth.Username
	password := s.opts.BasicAuth.Password

	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health"
		},
		Validator: func(u, p string, _ echo.Context) (bool, error) {
			return secureCompare(u, username) && secureCompare(p, password), nil
		},
		Realm: "studiosync",
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			kv := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency.String()}
			if v.Error != nil {
				appLog.Error("http request", v.Error, kv...)
				return nil
			}
			appLog.Debug("http request", kv...)
			return nil
		},
	})
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api/sync")
	api.POST("", s.handleTrigger)
	api.GET("/logs", s.handleLogs)
	api.GET("/logs/:id", s.handleLog)
	api.GET("/bookings", s.handleBookings)
	api.GET("/preview", s.handlePreview)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		appLog.Error("health check: database unreachable", err)
		return c.String(http.StatusServiceUnavailable, "database unavailable")
	}
	return c.String(http.StatusOK, "OK")
}

type triggerResponse struct {
	Status reconcile.TriggerStatus `json:"status"`
}

// handleTrigger starts a manual run. The outcome is only visible in the
// sync log.
//
// POST /api/sync -> 202 accepted | 409 already_running
func (s *Server) handleTrigger(c echo.Context) error {
	status, err := s.syncer.Trigger(c.Request().Context(), model.SyncManual)
	if err != nil {
		appLog.Error("api sync trigger failed", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start sync")
	}
	code := http.StatusAccepted
	if status == reconcile.TriggerAlreadyRunning {
		code = http.StatusConflict
	}
	return c.JSON(code, triggerResponse{Status: status})
}

type logsResponse struct {
	Entries []model.SyncLogEntry `json:"entries"`
}

// handleLogs returns the newest sync log entries.
//
// GET /api/sync/logs?limit=20 (max 200)
func (s *Server) handleLogs(c echo.Context) error {
	limit := parseIntDefault(c.QueryParam("limit"), defaultLogLimit)
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	entries, err := s.store.RecentRuns(c.Request().Context(), limit)
	if err != nil {
		appLog.Error("api sync logs failed", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read sync log")
	}
	return c.JSON(http.StatusOK, logsResponse{Entries: entries})
}

func (s *Server) handleLog(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	entry, err := s.store.GetRun(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "sync log entry not found")
	}
	if err != nil {
		appLog.Error("api sync log failed", err, "id", id)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read sync log")
	}
	return c.JSON(http.StatusOK, entry)
}

type bookingsResponse struct {
	CalendarID string                `json:"calendar_id"`
	Count      int                   `json:"count"`
	Bookings   []store.SyncedBooking `json:"bookings"`
}

func (s *Server) handleBookings(c echo.Context) error {
	rows, err := s.store.ListSyncedBookings(c.Request().Context(), s.opts.CalendarID)
	if err != nil {
		appLog.Error("api synced bookings failed", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list bookings")
	}
	return c.JSON(http.StatusOK, bookingsResponse{
		CalendarID: s.opts.CalendarID,
		Count:      len(rows),
		Bookings:   rows,
	})
}

type previewResponse struct {
	reconcile.Plan
	GeneratedAt time.Time `json:"generated_at"`
	Cached      bool      `json:"cached"`
}

// handlePreview returns what the next run would write without touching the
// store.
//
// GET /api/sync/preview?refresh=1
//   - refresh: bypass the 30s cache
func (s *Server) handlePreview(c echo.Context) error {
	now := s.now()

	if c.QueryParam("refresh") == "" {
		s.previewMu.RLock()
		pc := s.previewCache
		s.previewMu.RUnlock()
		if pc != nil && now.Sub(pc.updatedAt) < previewCacheTTL {
			return c.JSON(http.StatusOK, previewResponse{Plan: pc.plan, GeneratedAt: pc.updatedAt, Cached: true})
		}
	}

	plan, err := s.planner.Plan(c.Request().Context())
	if err != nil {
		appLog.Error("api sync preview failed", err)
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	s.previewMu.Lock()
	s.previewCache = &previewCache{plan: plan, updatedAt: now}
	s.previewMu.Unlock()

	return c.JSON(http.StatusOK, previewResponse{Plan: plan, GeneratedAt: now})
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleError renders every error as {"error": "..."}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, errorResponse{Error: msg})
	}
	if werr != nil {
		appLog.Error("failed to write error response", werr)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
