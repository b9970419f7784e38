package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Endpoint is a channel that receives inbound traffic over HTTP.
type Endpoint interface {
	Name() string
	Path() string
	Handler() http.HandlerFunc
}

// Server is the single HTTP listener all webhook endpoints share, plus the
// health and metrics surfaces.
type Server struct {
	host   string
	port   int
	logger *slog.Logger
	mux    *http.ServeMux
	srv    *http.Server
}

// ServerConfig configures the shared HTTP server.
type ServerConfig struct {
	Host   string
	Port   int
	Logger *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8053
	}
	s := &Server{
		host:   cfg.Host,
		port:   cfg.Port,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// MountEndpoint registers a webhook endpoint at its path.
func (s *Server) MountEndpoint(ep Endpoint) {
	s.logger.Info("mounting webhook endpoint", "channel", ep.Name(), "path", ep.Path())
	s.mux.HandleFunc(ep.Path(), ep.Handler())
}

// Mount registers an arbitrary handler, e.g. the metrics endpoint.
func (s *Server) Mount(path string, h http.Handler) {
	s.mux.Handle(path, h)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server starting", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}
