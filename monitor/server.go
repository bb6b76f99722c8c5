// Package monitor serves the live state of a training run over HTTP:
// Prometheus metrics, the epoch history and the trainer status.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-exchangeable/checkpoints"
	"github.com/tsawler/go-exchangeable/training"
)

// Source is the run being monitored. *training.Trainer implements it.
type Source interface {
	History() *training.History
	Status() training.Status
}

// HistoryResponse is the body of GET /history.
type HistoryResponse struct {
	Status training.Status           `json:"status"`
	Epochs []checkpoints.EpochRecord `json:"epochs"`
}

const shutdownTimeout = 5 * time.Second

// Server is the monitor HTTP server.
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer serves src and the collectors of gatherer on addr.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewServer(addr string, src Source, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(src, gatherer, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter builds the monitor routes.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewRouter(src Source, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, logger, src.Status())
	})
	r.Get("/history", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, logger, HistoryResponse{
			Status: src.Status(),
			Epochs: src.History().Records(),
		})
	})
	r.Get("/history/last", func(w http.ResponseWriter, _ *http.Request) {
		rec, ok := src.History().Last()
		if !ok {
			http.Error(w, "no epoch finished yet", http.StatusNotFound)
			return
		}
		respondJSON(w, logger, rec)
	})
	return r
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func respondJSON(w http.ResponseWriter, logger zerolog.Logger, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

// Run serves until ctx is canceled, then shuts down gracefully. A clean
// shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info().Str("addr", s.server.Addr).Msg("monitor listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("monitor server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("monitor shutdown failed: %w", err)
		}
		<-errCh
		return nil
	}
}
