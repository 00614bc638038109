//nolint:revive // exported
package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Service struct {
	Handler http.Handler
	Path    string
}

func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"Accept",
			"Accept-Encoding",
			"Content-Encoding",
		},
		MaxAge: int(time.Second),
	})
}

// Server mode constants
const (
	ServerModeUDS = "uds"
	ServerModeTCP = "tcp"
)

func newH2CServer(mux *http.ServeMux) *http.Server {
	return &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		// INFO: Use h2c so we can serve HTTP/2 without TLS.
		Handler: h2c.NewHandler(newCORS().Handler(mux), &http2.Server{
			IdleTimeout:          0,
			MaxConcurrentStreams: 100000,
			MaxHandlers:          0,
		}),
	}
}

// ListenServices starts the server listening on either a TCP port or a Unix
// socket.
//
// Environment variables:
//   - SERVER_MODE: "tcp" (default) or "uds"
//   - SERVER_SOCKET_PATH: custom socket path (uds mode, defaults to /tmp/pagesync/server.socket)
func ListenServices(services []Service, port string) error {
	mux := http.NewServeMux()

	for _, service := range services {
		slog.Info("Registering service", "path", service.Path)
		mux.Handle(service.Path, service.Handler)
	}

	mode := os.Getenv("SERVER_MODE")
	if mode == "" {
		mode = ServerModeTCP
	}

	switch mode {
	case ServerModeUDS:
		return listenIPC(mux)
	case ServerModeTCP:
		return listenTCP(mux, port)
	default:
		slog.Warn("Unknown SERVER_MODE, falling back to tcp", "mode", mode)
		return listenTCP(mux, port)
	}
}

func listenTCP(mux *http.ServeMux, port string) error {
	srv := newH2CServer(mux)
	srv.Addr = ":" + port

	slog.Info("Server listening on TCP", "port", port)
	return srv.ListenAndServe()
}
