// Package httpserver builds the HTTP server with production timeouts.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server with bounded read, write and idle timeouts so a
// slow client cannot hold a connection open indefinitely.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
