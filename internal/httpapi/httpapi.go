// Package httpapi implements Module G: the chi-routed HTTP surface over
// the Session Manager. Grounded on ytdlp.go's startPprofServer (the
// teacher's only net/http server-construction example) generalized from a
// bare http.ServeMux to a production router.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ytget/potbroker/errs"
	"github.com/ytget/potbroker/internal/logger"
	"github.com/ytget/potbroker/internal/session"
	"github.com/ytget/potbroker/types"
)

// maxBodyDiagnosticBytes bounds how much of a malformed request body is
// echoed back for diagnosis (spec.md §4.G: "bounded prefix (≤ 2 KiB)").
const maxBodyDiagnosticBytes = 2 * 1024

// Version is the broker's build version, overridden at build time via
// -ldflags (same pattern the original tool's utils::version module uses),
// falling back to "dev".
var Version = "dev"

// Server wraps a chi.Mux exposing the five routes of spec.md §4.G.
type Server struct {
	mux       *chi.Mux
	manager   *session.Manager
	validate  *validator.Validate
	startedAt time.Time
}

// NewServer builds a Server delegating to manager.
func NewServer(manager *session.Manager) *Server {
	s := &Server{
		manager:   manager,
		validate:  validator.New(),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Post("/get_pot", s.handleGetPot)
	r.Get("/ping", s.handlePing)
	r.Post("/invalidate_caches", s.handleInvalidateCaches)
	r.Post("/invalidate_it", s.handleInvalidateIntegrity)
	r.Get("/minter_cache", s.handleMinterCache)

	s.mux = r
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type requestIDCtxKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), requestIDCtxKey{}, uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDCtxKey{}).(string); ok {
		return id
	}
	return uuid.NewString()
}

// handleGetPot implements Receive → Validate → (Deprecated-field check) →
// Delegate-to-F → Serialize (spec.md §4.G).
func (s *Server) handleGetPot(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	log := logger.WithComponent(logger.ComponentHTTP)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, errs.Internal("read request body").WithRequestID(requestID))
		return
	}

	var req types.PotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		prefix := body
		if len(prefix) > maxBodyDiagnosticBytes {
			prefix = prefix[:maxBodyDiagnosticBytes]
		}
		s.writeError(w, errs.Unparseable("malformed JSON request body").
			WithDetails(errs.Details{Message: err.Error(), Body: string(prefix)}).
			WithRequestID(requestID))
		return
	}

	if err := s.validate.Struct(&req); err != nil {
		var fieldErrs validator.ValidationErrors
		field := ""
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			field = fieldErrs[0].Field()
		}
		s.writeError(w, errs.Validation("request failed validation").
			WithDetails(errs.Details{Field: field, Message: err.Error()}).
			WithRequestID(requestID))
		return
	}

	resp, err := s.manager.Generate(r.Context(), req)
	if err != nil {
		s.writeAPIError(w, err, requestID)
		return
	}

	log.Debug("minted pot", map[string]interface{}{"content_binding": req.ContentBinding, "request_id": requestID})
	s.writeJSON(w, http.StatusOK, resp)
}

// handlePing reports uptime and version.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.PingResponse{
		ServerUptimeSeconds: time.Since(s.startedAt).Seconds(),
		Version:             Version,
	})
}

func (s *Server) handleInvalidateCaches(w http.ResponseWriter, r *http.Request) {
	s.manager.InvalidateCaches()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidateIntegrity(w http.ResponseWriter, r *http.Request) {
	s.manager.InvalidateIntegrity()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMinterCache(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.ListMinterCache())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError renders err, wrapping non-*errs.APIError values as
// internal errors.
func (s *Server) writeAPIError(w http.ResponseWriter, err error, requestID string) {
	var apiErr *errs.APIError
	if !errors.As(err, &apiErr) {
		apiErr = errs.Internal(err.Error())
	}
	apiErr.WithRequestID(requestID)
	s.writeError(w, apiErr)
}

func (s *Server) writeError(w http.ResponseWriter, apiErr *errs.APIError) {
	logger.WithComponent(logger.ComponentHTTP).Warn("request failed", map[string]interface{}{
		"category":   string(apiErr.Category),
		"status":     apiErr.Status,
		"request_id": apiErr.RequestID,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr)
}
