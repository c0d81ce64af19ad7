// Package mw holds the kiosk HTTP middleware.
package mw

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/internal/metrics"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/apierror"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// RequestID propagates X-Request-ID or mints one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// Recover turns a handler panic into a canonical 500.
func Recover(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					reqID, _ := RequestIDFrom(r.Context())
					if logger != nil {
						logger.Error("panic", zap.Any("panic", v), zap.String("request_id", reqID), zap.String("path", r.URL.Path))
					}
					apierror.Write(w, http.StatusInternalServerError, &apierror.Body{
						Kind:      apierror.KindInternal,
						Message:   "internal error",
						RequestID: reqID,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// AccessLog logs one line per request and records request metrics. The
// route label is chi's route pattern so path parameters do not explode
// cardinality.
func AccessLog(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			elapsed := time.Since(start)
			m.RecordRequest(route, strconv.Itoa(status), elapsed)
			if logger == nil {
				return
			}
			reqID, _ := RequestIDFrom(r.Context())
			logger.Info("request",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
			)
		})
	}
}
