// Package httpapi exposes the pipeline over a small JSON API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/batch"
	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/config"
	"github.com/MimeLyc/flashcard-pipeline/internal/jobs"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
	"github.com/MimeLyc/flashcard-pipeline/internal/service"
	"github.com/MimeLyc/flashcard-pipeline/pkg/icron"
)

type pipeline interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*jobs.Run, error)
	Resume(ctx context.Context, batchID, source string) (*jobs.Run, bool, error)
	Batch(ctx context.Context, batchID string) (*service.BatchView, error)
	Cards(ctx context.Context, batchID string, offset, limit int) (*service.CardPage, error)
	Checkpoint(ctx context.Context, batchID string) (*queue.Checkpoint, error)
	Progress() []batch.Progress
	Runs() []*jobs.Run
	Run(id string) (*jobs.Run, bool)
	CacheStats(ctx context.Context) (cache.Stats, error)
	ClearCache(ctx context.Context, scope cache.Scope) (int64, error)
	WarmCache(ctx context.Context, vocabularyIDs []int64) (cache.WarmupStats, error)
	Sweep(ctx context.Context) (int, error)
	SweepInfo() (*icron.TriggerInfo, error)
	MetricsHandler() http.Handler
}

var _ pipeline = (*service.Pipeline)(nil)

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	pipeline pipeline
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier

	streamInterval time.Duration

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithStreamInterval sets how often the progress stream pushes an update.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(p pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline:       p,
		streamInterval: time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/batches", s.handleBatches)
	s.mux.HandleFunc("/api/batches/", s.handleBatch)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/runs/", s.handleRun)
	s.mux.HandleFunc("/api/progress", s.handleProgress)
	s.mux.HandleFunc("/api/progress/stream", s.handleProgressStream)
	s.mux.HandleFunc("/api/cache", s.handleCache)
	s.mux.HandleFunc("/api/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("/api/cache/warm", s.handleCacheWarm)
	s.mux.HandleFunc("/api/sweep", s.handleSweep)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", s.pipeline.MetricsHandler())
}
