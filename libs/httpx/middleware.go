package httpx

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that Chain(h, a, b) serves requests through a, then b,
// then h.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	wrapped := h
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// WithBodyLimit caps request bodies. Oversized public booking payloads fail
// at the reader instead of filling memory.
func WithBodyLimit(limitBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limitBytes)
			next.ServeHTTP(w, r)
		})
	}
}
