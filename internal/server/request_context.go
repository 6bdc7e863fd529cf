package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

// RequestContext describes a single in-flight request. It is created when the
// request arrives, owned by the goroutine serving it and discarded once the
// response is complete.
type RequestContext struct {
	ID               string
	Method           string
	RawPath          string
	ResolvedFilePath string // set when the file server produced the response
	Status           int
	Route            string
}

type requestContextKey struct{}

// FromContext returns the RequestContext stored in ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// requestContext never returns nil so handlers can record into it
// unconditionally.
func requestContext(ctx context.Context) *RequestContext {
	if rc, ok := FromContext(ctx); ok {
		return rc
	}
	return &RequestContext{}
}

// requestContextMiddleware attaches a RequestContext to every request and
// echoes its ID on the response.
func (s *Server) requestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &RequestContext{
			ID:      requestID(r.Header.Get(RequestIDHeader)),
			Method:  r.Method,
			RawPath: r.RequestURI,
		}
		if rc.RawPath == "" {
			rc.RawPath = r.URL.RequestURI()
		}
		w.Header().Set(RequestIDHeader, rc.ID)

		defer func() {
			s.logger.Debug().
				Str("request_id", rc.ID).
				Str("method", rc.Method).
				Str("path", rc.RawPath).
				Str("route", rc.Route).
				Str("file", rc.ResolvedFilePath).
				Int("status", rc.Status).
				Msg("Request completed")
		}()

		ctx := context.WithValue(r.Context(), requestContextKey{}, rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestID keeps a caller-supplied ID when it is short and printable,
// otherwise it generates a new one.
func requestID(incoming string) string {
	if incoming != "" && len(incoming) <= maxRequestIDLength && printableASCII(incoming) {
		return incoming
	}
	return uuid.NewString()
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
