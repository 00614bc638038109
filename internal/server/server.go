// Package server wires the relay hub into the HTTP listener.
package server

import (
	"log/slog"
	"net/http"
	"os"

	"pagesync/internal/api"
	"pagesync/internal/hub"
	"pagesync/pkg/config"
)

// Run loads the configuration, builds the page hub, and serves until the
// listener fails. CONFIG_PATH selects the config file; absent, defaults plus
// environment overrides apply.
func Run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	pageHub := hub.New(logger, cfg.Server.JWTSecret)

	services := []api.Service{
		{Path: "/ws", Handler: pageHub},
		{Path: "/healthz", Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})},
	}

	return api.ListenServices(services, cfg.Server.Port)
}
