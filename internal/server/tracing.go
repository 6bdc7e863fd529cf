package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// tracingMiddleware starts a server span per request, continuing any trace
// context carried in the request headers.
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tracer.isEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := propagation.TraceContext{}.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		rc := requestContext(ctx)

		ctx, span, err := s.tracer.startSpan(ctx, "http_request",
			"http.method", r.Method,
			"http.target", rc.RawPath,
			"request.id", rc.ID,
		)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Invalid span attributes")
		}
		defer span.End()

		wrapped := newStatusRecorder(w)
		defer func() {
			span.SetAttributes(
				attribute.Int("http.status_code", wrapped.status),
				attribute.String("http.route", rc.Route),
			)
			if rc.ResolvedFilePath != "" {
				span.SetAttributes(attribute.String("asset.path", rc.ResolvedFilePath))
			}
			if rec := recover(); rec != nil {
				span.SetStatus(codes.Error, "response aborted")
				panic(rec)
			}
			if wrapped.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(wrapped.status))
			}
		}()

		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}
