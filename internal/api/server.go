package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gridvid/internal/model"
	"gridvid/internal/progress"
	"gridvid/internal/runctl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Controller is the part of the run controller the HTTP surface drives.
type Controller interface {
	Start(ctx context.Context, req runctl.StartRequest) (string, error)
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
	SetConcurrency(n int) error
	Status() runctl.Status
	Manifest() (model.BatchManifest, bool)
}

type AccountLister interface {
	GetAll(ctx context.Context) ([]model.Account, error)
}

type Options struct {
	Controller Controller
	Accounts   AccountLister
	Events     *progress.Recorder
	// SettingsPath, when set, persists concurrency changes.
	SettingsPath string
	// BaseContext parents every batch started over HTTP; cancelling it stops them.
	BaseContext context.Context
	Logger      *zap.Logger
}

type Server struct {
	opts Options
	log  *zap.Logger
	mux  chi.Router
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Events == nil {
		opts.Events = progress.NewRecorder(0)
	}
	s := &Server{opts: opts, log: opts.Logger.Named("api")}
	s.mux = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/batch", s.startBatch)
		r.Get("/batch", s.batchStatus)
		r.Get("/batch/items", s.batchItems)
		r.Get("/batch/events", s.batchEvents)
		r.Post("/batch/pause", s.pauseBatch)
		r.Post("/batch/resume", s.resumeBatch)
		r.Post("/batch/stop", s.stopBatch)
		r.Put("/settings/concurrency", s.setConcurrency)
		r.Get("/accounts", s.listAccounts)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
