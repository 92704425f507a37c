// compression.go - gzip middleware for JSON responses.
package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

type compressionResponseWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (crw *compressionResponseWriter) Write(b []byte) (int, error) {
	return crw.writer.Write(b)
}

func (crw *compressionResponseWriter) WriteHeader(code int) {
	crw.Header().Del("Content-Length")
	crw.ResponseWriter.WriteHeader(code)
}

// CompressionMiddleware gzips responses for clients that accept it.
func CompressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsCompression(r) || shouldSkipCompression(r) {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzip.NewWriter(w)
		defer gz.Close()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Del("Content-Length")

		next.ServeHTTP(&compressionResponseWriter{ResponseWriter: w, writer: gz}, r)
	})
}

func acceptsCompression(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// shouldSkipCompression leaves /metrics alone; promhttp negotiates its own
// encoding.
func shouldSkipCompression(r *http.Request) bool {
	return r.URL.Path == "/metrics"
}
