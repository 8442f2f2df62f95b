package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with the project's timeouts.
// WriteTimeout stays above the per-request timeout so handlers can render their own timeout errors.
func New(addr string, handler http.Handler, requestTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
