package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are recorded under their own path.
var staticRoutes = map[string]bool{
	"/":                     true,
	"/presence":             true,
	"/matches":              true,
	"/connections":          true,
	"/connections/incoming": true,
	"/connections/sent":     true,
	"/messages":             true,
	"/notifications":        true,
	"/notifications/ws":     true,
	"/tracking/ws":          true,
	"/trips":                true,
	"/trips/active":         true,
	"/health":               true,
	"/ready":                true,
	"/metrics":              true,
}

// normalizePath maps paths with IDs to route patterns so metric label
// cardinality stays bounded, e.g. /connections/abc/accept becomes
// /connections/{id}/accept. Unknown paths collapse to "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "connections" && parts[1] != "" &&
		(parts[2] == "accept" || parts[2] == "reject"):
		return "/connections/{id}/" + parts[2]
	case len(parts) == 3 && parts[0] == "connections" && parts[1] == "status" && parts[2] != "":
		return "/connections/status/{user_id}"
	case len(parts) == 2 && parts[0] == "messages" && parts[1] != "":
		return "/messages/{user_id}"
	case len(parts) == 3 && parts[0] == "notifications" && parts[1] != "" && parts[2] == "read":
		return "/notifications/{id}/read"
	}
	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	mrw.wroteHeader = true
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// Hijack lets websocket upgrades pass through.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(mrw.ResponseWriter, func() {
		mrw.statusCode = http.StatusSwitchingProtocols
		mrw.wroteHeader = true
	})
}

// Flush implements http.Flusher when the underlying writer does.
func (mrw *metricsResponseWriter) Flush() {
	if f, ok := mrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics: duration,
// request/response sizes and counts. /health and /ready are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil || r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(mrw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
