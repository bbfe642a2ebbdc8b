package api

import (
	"net/http"
	"time"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	idleTimeout       = 120 * time.Second
	// ShutdownTimeout bounds how long open requests get to finish.
	ShutdownTimeout = 10 * time.Second
)

// NewServer returns the HTTP server cmd/api runs. There is no write timeout:
// feed streams stay open for as long as the client listens.
func NewServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}
}
