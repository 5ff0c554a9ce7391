package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

// Server mounts the pipeline under /mcp/ and serves it with graceful
// drain on context cancellation.
type Server struct {
	pipeline *Pipeline
	logger   *zap.Logger
	started  time.Time
}

func NewServer(pipeline *Pipeline, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{pipeline: pipeline, logger: logger, started: time.Now()}
}

// Router builds the chi mux. All methods under /mcp/{serverID} reach the
// pipeline; write timeouts are left off the outer server so SSE streams
// survive.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/mcp/{serverID}", s.pipeline)
	r.Handle("/mcp/{serverID}/*", s.pipeline)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// Serve blocks until ctx is cancelled or the listener fails. In-flight
// requests get five seconds to drain.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ProbeFacilitators queries each configured facilitator's /supported
// endpoint and logs what it can settle. Startup continues either way.
func ProbeFacilitators(ctx context.Context, pool *x402.FacilitatorPool, logger *zap.Logger) {
	if pool == nil || logger == nil {
		return
	}
	for _, u := range pool.URLs() {
		client := pool.ClientFor(u)
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		supported, err := client.Supported(probeCtx)
		cancel()
		if err != nil {
			logger.Warn("facilitator probe failed",
				zap.String("facilitator", u),
				zap.Error(err))
			continue
		}
		networks := make([]string, 0, len(supported.Kinds))
		for _, kind := range supported.Kinds {
			networks = append(networks, kind.Network)
		}
		logger.Info("facilitator ready",
			zap.String("facilitator", u),
			zap.Strings("networks", networks))
	}
}
