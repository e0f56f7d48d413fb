// Package server exposes the validator over HTTP.
//
//	POST /v1/validate   validate one mutation, JSON in and out
//	GET  /healthz       liveness
//	GET  /metrics       Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/njchilds90/chaosguard"
	"github.com/njchilds90/chaosguard/auditlog"
)

// DefaultMaxBody caps the size of a validation request body.
const DefaultMaxBody = 1 << 20

// ValidateRequest is the body of POST /v1/validate. When Start and End are
// both omitted the server locates the region itself and validates a
// replacement of its whole interior.
type ValidateRequest struct {
	Document    chaosguard.Document   `json:"document"`
	Markers     string                `json:"markers"`
	Target      chaosguard.TargetKind `json:"target"`
	Path        string                `json:"path,omitempty"`
	Start       *int                  `json:"start,omitempty"`
	End         *int                  `json:"end,omitempty"`
	Replacement string                `json:"replacement"`
	Request     string                `json:"request,omitempty"`

	// ChangedFiles lists every path the proposal touches.
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// ValidateResponse is the body returned by POST /v1/validate.
type ValidateResponse struct {
	RecordID   string                 `json:"record_id"`
	Decision   chaosguard.Decision    `json:"decision"`
	Violations []chaosguard.Violation `json:"violations"`
	Size       chaosguard.Size        `json:"size"`
	Error      string                 `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes HTTP requests to a Validator.
type Server struct {
	validator *chaosguard.Validator
	store     *auditlog.Store
	logger    *slog.Logger
	maxBody   int64
	registry  *prometheus.Registry
	metrics   *metrics
	router    *chi.Mux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditStore persists every audit record asynchronously.
func WithAuditStore(st *auditlog.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithMaxBody overrides DefaultMaxBody.
func WithMaxBody(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New builds a Server around v.
func New(v *chaosguard.Validator, opts ...Option) *Server {
	s := &Server{
		validator: v,
		logger:    slog.Default(),
		maxBody:   DefaultMaxBody,
		registry:  prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.registry)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/validate", s.handleValidate)
	})
	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.With(slog.String("request_id", middleware.GetReqID(r.Context())))

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var in ValidateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	req, err := s.buildRequest(in)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	began := time.Now()
	res, rec := s.validator.Validate(req)
	s.metrics.observe(res, time.Since(began))
	if s.store != nil {
		s.store.AppendAsync(rec)
	}

	logger.Info("Validated mutation",
		slog.String("record_id", rec.ID),
		slog.String("path", rec.Path),
		slog.String("decision", string(res.Decision)),
		slog.Int("violations", len(res.Violations)),
		slog.Int("changed", res.Size.Changed))

	out := ValidateResponse{
		RecordID:   rec.ID,
		Decision:   res.Decision,
		Violations: res.Violations,
		Size:       res.Size,
	}
	if out.Violations == nil {
		out.Violations = []chaosguard.Violation{}
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// buildRequest turns the wire form into a chaosguard.Request, locating the
// region when the caller gave no offsets.
func (s *Server) buildRequest(in ValidateRequest) (chaosguard.Request, error) {
	if in.Markers == "" {
		in.Markers = string(in.Target)
	}
	req := chaosguard.Request{
		Document: in.Document,
		Markers:  in.Markers,
		Mutation: chaosguard.Mutation{
			Target:      in.Target,
			Path:        in.Path,
			Replacement: in.Replacement,
			Request:     in.Request,
		},
		ChangedFiles: in.ChangedFiles,
	}
	switch {
	case in.Start != nil && in.End != nil:
		req.Mutation.Start, req.Mutation.End = *in.Start, *in.End
	case in.Start == nil && in.End == nil:
		// Unknown pairs and missing markers are reported by Validate.
		m, ok := s.validator.Policy().Markers(in.Markers)
		if !ok {
			break
		}
		if r, err := chaosguard.Locate(in.Document, m); err == nil {
			req.Mutation.Start, req.Mutation.End = r.Start, r.End
		}
	default:
		return req, errors.New("start and end must be given together")
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
