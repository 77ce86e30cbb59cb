// Package server implements the HTTP API for the orchestration core.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kobai/internal/auth"
	"github.com/ashita-ai/kobai/internal/ctxutil"
	"github.com/ashita-ai/kobai/internal/model"
	"github.com/ashita-ai/kobai/internal/telemetry"
)

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithRequestID(r.Context(), reqID)))
	})
}

// securityHeadersMiddleware sets headers every JSON API response carries.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		if actor, ok := wrapped.actor(); ok {
			attrs = append(attrs, "tenant_id", actor.TenantID, "user_id", actor.UserID)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// statusWriter captures the status code. The auth middleware runs inside the
// logging middleware, so it reports the authenticated actor back through
// setActor.
type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	claims      *auth.Claims
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush keeps streaming MCP responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) actor() (model.Actor, bool) {
	if w.claims == nil {
		return model.Actor{}, false
	}
	return w.claims.Actor(), true
}

// setActor records claims on every statusWriter in the wrapper chain.
func setActor(w http.ResponseWriter, claims *auth.Claims) {
	for w != nil {
		sw, ok := w.(*statusWriter)
		if !ok {
			return
		}
		sw.claims = claims
		w = sw.ResponseWriter
	}
}

var (
	tracer    = telemetry.Tracer("kobai/http")
	httpMeter = telemetry.Meter("kobai/http")
)

// tracingMiddleware creates an OTEL span for each HTTP request and records
// request count and duration metrics keyed by the mux route pattern.
func tracingMiddleware(mux *http.ServeMux, next http.Handler) http.Handler {
	requests, _ := httpMeter.Int64Counter("http.server.request_count")
	duration, _ := httpMeter.Float64Histogram("http.server.duration", otelmetric.WithUnit("ms"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", ctxutil.RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if actor, ok := wrapped.actor(); ok {
			span.SetAttributes(
				attribute.String("kobai.tenant_id", actor.TenantID.String()),
				attribute.String("kobai.role", string(actor.Role)),
			)
		}

		if requests != nil {
			requests.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if duration != nil {
			duration.Record(ctx, float64(time.Since(start).Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// publicPaths skip authentication.
var publicPaths = map[string]bool{
	"/health":       true,
	"/auth/token":   true,
	"/openapi.yaml": true,
}

// authMiddleware validates bearer tokens and puts the claims on the context.
func authMiddleware(jwtMgr *auth.JWTManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing authorization header")
			return
		}

		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return
		}

		claims, err := jwtMgr.ValidateToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		setActor(w, claims)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithClaims(r.Context(), claims)))
	})
}

// recoveryMiddleware turns a handler panic into a 500 response.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error("http: handler panic",
				"panic", fmt.Sprint(rec),
				"path", r.URL.Path,
				"request_id", ctxutil.RequestIDFromContext(r.Context()),
				"stack", string(debug.Stack()),
			)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: responseMeta(r),
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetail(w, r, status, model.ErrorDetail{Code: code, Message: message})
}

func writeErrorDetail(w http.ResponseWriter, r *http.Request, status int, detail model.ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: detail,
		Meta:  responseMeta(r),
	})
}

func responseMeta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// writeRateLimited is the ratelimit deny response.
func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
}

// decodeJSON decodes a size-limited JSON request body into target. Unknown
// fields and trailing data are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// handleDecodeError writes the 4xx response for a decodeJSON failure.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "request body is required")
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
	}
}

// writeServiceError maps a service-layer error onto the HTTP envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ve *model.ValidationError
	var re *model.RemoteError
	switch {
	case errors.As(err, &ve):
		writeErrorDetail(w, r, http.StatusBadRequest, model.ErrorDetail{
			Code: model.ErrCodeInvalidInput, Message: ve.Message, Field: ve.Field,
		})
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, model.ErrForbidden):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions")
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, model.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.As(err, &re):
		writeErrorDetail(w, r, http.StatusServiceUnavailable, model.ErrorDetail{
			Code: model.ErrCodeUnavailable, Message: re.Message, Details: map[string]string{"kind": string(re.Kind)},
		})
	case errors.Is(err, model.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "temporarily unavailable")
	default:
		logger.Error("http: request failed",
			"path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}
