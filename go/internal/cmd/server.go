package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/quizzo/go/internal/config"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(cfg *config.Config, services *Services) *http.Server {
	// The gateway handler carries its own routes, health check and CORS.
	handler := services.Gateway.Handler()

	// Setup HTTP/2 server
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
