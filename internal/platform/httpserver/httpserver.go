package httpserver

import (
	"net/http"
	"time"
)

// New builds the admin HTTP server with sane defaults. The provisioner only
// exposes health and metrics, so timeouts stay tight.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
	}
}
