package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/wene-labs/ledger/pkg/audit"
	"github.com/wene-labs/ledger/pkg/sink"
)

// bufferedResponse captures a handler's response so the audit middleware can
// replace it when the append fails on a fail-closed route.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: http.Header{}, status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// failClosed reports whether a failed audit append must replace the response.
func (s *Server) failClosed(method, path string) bool {
	if s.chain.Fanout().Mode() != sink.ModeRequired || !mutatingMethods[method] {
		return false
	}
	return !preflightExempt[method+" "+TemplateRoute(path)]
}

// withAudit wraps a handler with the dispatcher duties: fail-closed preflight,
// body introspection, and the post-handler API_* audit append.
func (s *Server) withAudit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		route := TemplateRoute(r.URL.Path)
		failClosed := s.failClosed(r.Method, r.URL.Path)

		// Known-unhealthy sink: refuse before any state is touched. No audit
		// entry is attempted, to avoid a partially persisted chain.
		if failClosed && !s.chain.Fanout().PrimaryConfigured() {
			WriteServiceUnavailable(w, "immutable audit sink is not operational")
			return
		}

		var sanitizedBody any
		if mutatingMethods[r.Method] &&
			strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err == nil {
				r.Body = io.NopCloser(bytes.NewReader(raw))
				sanitizedBody = SanitizeBody(raw)
			}
		}

		buffered := newBufferedResponse()
		started := s.now()
		next(buffered, r)
		duration := s.now().Sub(started)

		data := map[string]any{
			"route":            route,
			"method":           r.Method,
			"status":           buffered.status,
			"statusClass":      statusClass(buffered.status),
			"durationMs":       duration.Milliseconds(),
			"hasAuthorization": r.Header.Get("Authorization") != "",
			"origin":           r.Header.Get("Origin"),
			"requestBody":      sanitizedBody,
		}
		if q := r.URL.RawQuery; q != "" {
			data["query"] = q
		}
		if msg := errorMessageFrom(buffered); msg != "" {
			data["errorMessage"] = msg
		}

		actorType, actorID := ClassifyActor(r.Method, r.URL.Path, bearerToken(r), walletHint(sanitizedBody))
		_, err := s.chain.Append(r.Context(), AuditEventName(r.Method, r.URL.Path),
			audit.Actor{Type: actorType, ID: actorID}, data, "api")
		if err != nil {
			if failClosed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":  "audit log persistence failed",
					"detail": err.Error(),
				})
				return
			}
			s.logger.Warn("api audit append failed", "route", route, "error", err)
		}
		buffered.flush(w)
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// errorMessageFrom pulls the problem detail out of an error response body.
func errorMessageFrom(b *bufferedResponse) string {
	if b.status < 400 {
		return ""
	}
	var body struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(b.body.Bytes(), &body); err != nil {
		return http.StatusText(b.status)
	}
	switch {
	case body.Detail != "":
		return body.Detail
	case body.Error != "":
		return body.Error
	case body.Title != "":
		return body.Title
	}
	return http.StatusText(b.status)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return strings.TrimSpace(h)
}

// walletHint recovers a wallet address from the sanitized body for actor
// masking; redacted or absent values yield the anonymous actor.
func walletHint(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	v, _ := m["walletAddress"].(string)
	if v == "[REDACTED]" {
		return ""
	}
	return v
}

// corsMiddleware reflects the configured origin; a placeholder origin still
// serves requests but marks the config warning in runtime status.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.cfg.CORSOrigin; origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
