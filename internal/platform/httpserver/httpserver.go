// Package httpserver builds the process's *http.Server.
package httpserver

import (
	"net/http"

	"sangha/internal/platform/config"
)

// New applies the configured timeouts. The write timeout must exceed the
// gateway timeout since creation waits on one gateway call.
func New(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
