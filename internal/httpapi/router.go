package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	proto "github.com/ystepanoff/nowcomm/protocol"
	"github.com/ystepanoff/nowcomm/transport"
)

// NodeStatus is the part of a node the health endpoint reports on.
type NodeStatus interface {
	Ready() bool
	LocalAddress() proto.PeerAddress
	Peer() proto.PeerInfo
	Observer() *transport.Observer
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string                             `json:"status"` // "healthy", "degraded" or "unavailable"
	Address    string                             `json:"address"`
	Peer       string                             `json:"peer"`
	Deliveries map[string]transport.DeliveryStats `json:"deliveries"`
	LastResult *LastResult                        `json:"last_result,omitempty"`
}

type LastResult struct {
	Origin   string `json:"origin"`
	Sequence int32  `json:"sequence"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// NewRouter serves Prometheus metrics from gatherer and the node's health.
func NewRouter(logger zerolog.Logger, gatherer prometheus.Gatherer, node NodeStatus) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/health", health(node))

	return r
}

func health(node NodeStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:     "healthy",
			Address:    node.LocalAddress().String(),
			Peer:       node.Peer().Address.String(),
			Deliveries: make(map[string]transport.DeliveryStats),
		}
		for origin, s := range node.Observer().Stats() {
			resp.Deliveries[origin.String()] = s
		}
		if last, ok := node.Observer().Last(); ok {
			lr := &LastResult{
				Origin:   last.Tag.Origin.String(),
				Sequence: last.Tag.Sequence,
				Status:   last.Status.String(),
			}
			if last.Err != nil {
				lr.Error = last.Err.Error()
			}
			resp.LastResult = lr
			if last.Status != proto.SendSuccess {
				resp.Status = "degraded"
			}
		}

		status := http.StatusOK
		if !node.Ready() {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
