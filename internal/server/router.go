package server

import (
	"io"
	"net/http"
	"strconv"
)

// Route labels recorded in RequestContext and metrics.
const (
	routeAsset    = "asset"
	routeHealthz  = "healthz"
	routeReadyz   = "readyz"
	routeMetrics  = "metrics"
	routeNotFound = "not_found"
	routeUnknown  = "unknown"
)

const (
	notFoundBody  = "Not Found\n"
	plainTextUTF8 = "text/plain; charset=utf-8"
)

// handler builds the middleware chain around the router.
func (s *Server) handler() http.Handler {
	return s.requestContextMiddleware(
		s.tracingMiddleware(
			s.metricsMiddleware(http.HandlerFunc(s.route)),
		),
	)
}

// route dispatches a request. Static assets take precedence over every other
// path; anything unmatched gets a plain 404.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r.Context())

	rc.Route = routeAsset
	if res, ok := s.assets.Serve(w, r); ok {
		rc.ResolvedFilePath = res.Path
		s.metrics.recordAsset(res)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		rc.Route = routeHealthz
		s.handleLiveness(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/readyz":
		rc.Route = routeReadyz
		s.handleReadiness(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.config.Metrics.Enabled:
		rc.Route = routeMetrics
		s.metricsHandler.ServeHTTP(w, r)
	default:
		rc.Route = routeNotFound
		writeText(w, http.StatusNotFound, notFoundBody)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	h := w.Header()
	h.Set("Content-Type", plainTextUTF8)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
