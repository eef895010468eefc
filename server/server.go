package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slanchor/intent"
	"slanchor/observability"
	"slanchor/storage"
)

const maxIntentBody = 1 << 20

// Server exposes the admission API: intent submission, job and record
// queries, liveness, and metrics.
type Server struct {
	store     *storage.Store
	validator *intent.Validator
	log       *slog.Logger
	metrics   *observability.AnchorMetrics
	router    http.Handler
}

// New constructs the HTTP server around the store and validator.
func New(store *storage.Store, validator *intent.Validator, log *slog.Logger) *Server {
	s := &Server{
		store:     store,
		validator: validator,
		log:       log,
		metrics:   observability.Anchor(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the routed handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/intents", s.SubmitIntent)
		api.Get("/jobs/{jobID}", s.GetJob)
		api.Get("/records/{recordID}", s.GetRecord)
	})
	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// SubmitIntent runs the admission pipeline and enqueues a publish job.
func (s *Server) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIntentBody))
	if err != nil {
		s.reject(w, http.StatusBadRequest, intent.CodeInvalidSchema, "unreadable request body")
		return
	}
	env, err := intent.ParseEnvelope(body)
	if err != nil {
		s.reject(w, http.StatusBadRequest, intent.CodeInvalidSchema, err.Error())
		return
	}

	adm, err := s.validator.Validate(r.Context(), env)
	if err != nil {
		var ierr *intent.Error
		if errors.As(err, &ierr) {
			s.reject(w, statusForCode(ierr.Code), ierr.Code, ierr.Detail)
			return
		}
		s.log.Error("admission check failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	res, err := s.store.Admit(r.Context(), adm.RecordID, adm.CanonicalBody, adm.RecordHash, adm.SignerPubKey, adm.Nonce)
	if err != nil {
		if errors.Is(err, storage.ErrReplayDetected) {
			// The validator pre-check raced another submission of the same
			// nonce; the unique index is the authority.
			s.reject(w, http.StatusConflict, intent.CodeReplayDetected, "nonce already used by signer")
			return
		}
		s.log.Error("admission write failed", "record_id", adm.RecordID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	outcome := "accepted"
	if res.Duplicate {
		outcome = "duplicate"
	}
	s.metrics.RecordAdmission(outcome)
	s.log.Info("intent admitted",
		"record_id", adm.RecordID,
		"job_id", res.JobID,
		"signer", adm.SignerPubKey,
		"duplicate", res.Duplicate)

	status := "queued"
	if res.Duplicate {
		job, err := s.store.JobByJobID(r.Context(), res.JobID)
		if err == nil {
			status = string(job.Status)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"recordId": adm.RecordID,
		"hash":     adm.RecordHash,
		"jobId":    res.JobID,
		"status":   status,
	})
}

// GetJob returns the lifecycle view of one job.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.JobByJobID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "job not found"})
			return
		}
		s.log.Error("job lookup failed", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, jobView(job))
}

// GetRecord returns the latest job for a record id plus the stored canonical
// body.
func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")
	job, err := s.store.LatestJobByRecordID(r.Context(), recordID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "record not found"})
			return
		}
		s.log.Error("record lookup failed", "record_id", recordID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	view := jobView(job)
	view["canonicalBody"] = json.RawMessage(job.RecordBody)
	s.writeJSON(w, http.StatusOK, view)
}

// Health verifies the job store is reachable.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func jobView(job *storage.Job) map[string]any {
	timestamps := map[string]any{
		"createdAt": job.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.SentAt != nil {
		timestamps["sentAt"] = job.SentAt.UTC().Format(time.RFC3339Nano)
	}
	view := map[string]any{
		"ok":         true,
		"jobId":      job.JobID,
		"recordId":   job.RecordID,
		"status":     string(job.Status),
		"timestamps": timestamps,
	}
	if job.LedgerTxID != "" {
		view["txid"] = job.LedgerTxID
	}
	if job.ErrorCode != "" {
		view["errorCode"] = job.ErrorCode
		view["errorDetail"] = job.ErrorDetail
	}
	return view
}

func statusForCode(code intent.ErrorCode) int {
	switch code {
	case intent.CodeReplayDetected:
		return http.StatusConflict
	case intent.CodeUnknownSigner:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) reject(w http.ResponseWriter, status int, code intent.ErrorCode, detail string) {
	s.metrics.RecordAdmission(string(code))
	s.log.Warn("intent rejected", "code", string(code), "detail", detail)
	s.writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": detail,
		"code":  string(code),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
