package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lightkeyd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	SubmitBatch(ctx context.Context, jobs []types.JobSpec, opts types.BatchOptions) (types.SubmitBatchResponse, error)
	Status(batchID string) (types.BatchStatusResponse, error)
	Cancel(batchID string) error
	ServerStatus() types.StatusResponse
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Post("/batches", func(w http.ResponseWriter, r *http.Request) {
		handleSubmitBatch(svc, w, r)
	})
	r.Get("/batches/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleBatchStatus(svc, w, r)
	})
	r.Post("/batches/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		handleBatchCancel(svc, w, r)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.ServerStatus()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no backend"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// handleSubmitBatch accepts a batch of analysis jobs.
//
// @Summary  Submit a batch of image analysis jobs
// @Accept   json
// @Produce  json
// @Param    request body types.SubmitBatchRequest true "batch submission"
// @Success  202 {object} types.SubmitBatchResponse
// @Failure  400 {object} types.ErrorResponse
// @Failure  503 {object} types.ErrorResponse
// @Router   /batches [post]
func handleSubmitBatch(svc Service, w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	start := time.Now()
	joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	resp, err := svc.SubmitBatch(joinedCtx, req.Jobs, req.Options)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if zlog != nil {
		z := zlog.Info().Str("batch", resp.BatchID).Int("jobs", resp.Jobs).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("batch submitted")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleBatchStatus reports the per-job breakdown of a batch.
//
// @Summary  Poll batch progress
// @Produce  json
// @Param    id path string true "batch id"
// @Success  200 {object} types.BatchStatusResponse
// @Failure  404 {object} types.ErrorResponse
// @Router   /batches/{id} [get]
func handleBatchStatus(svc Service, w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := svc.Status(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// handleBatchCancel cancels a running batch.
//
// @Summary  Cancel a batch
// @Produce  json
// @Param    id path string true "batch id"
// @Success  204
// @Failure  404 {object} types.ErrorResponse
// @Router   /batches/{id}/cancel [post]
func handleBatchCancel(svc Service, w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := svc.Cancel(id); err != nil {
		writeServiceError(w, err)
		return
	}
	if zlog != nil {
		zlog.Info().Str("batch", id).Msg("batch cancel requested")
	}
	w.WriteHeader(http.StatusNoContent)
}
