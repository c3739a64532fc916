// Package health serves the process HTTP endpoint: a liveness probe, the
// Prometheus scrape target, and the Telegram webhook when enabled.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/metrics"
)

// StatusText is the liveness response body.
const StatusText = "Bot is running"

// DefaultWebhookPath is used when the webhook URL has no path.
const DefaultWebhookPath = "/telegram/webhook"

const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	Port    int
	Metrics *metrics.Collectors

	// Webhook, when set, is mounted at WebhookPath.
	Webhook     http.Handler
	WebhookPath string
}

// Server is the health HTTP server.
type Server struct {
	srv     *http.Server
	metrics *metrics.Collectors
}

// NewServer builds the server and its routes.
func NewServer(opts Options) *Server {
	s := &Server{metrics: opts.Metrics}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleStatus)
	if reg := opts.Metrics.Registry(); reg != nil {
		// gzhttp compresses every response, including this one.
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:           reg,
			DisableCompression: true,
		}))
	}
	if opts.Webhook != nil {
		path := opts.WebhookPath
		if path == "" {
			path = DefaultWebhookPath
		}
		mux.Handle(path, opts.Webhook)
		log.Debug().Str("path", path).Msg("Webhook route mounted")
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           gzhttp.GzipHandler(s.withLogging(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run listens until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Health server listening")
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down health server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown health server: %w", err)
	}
	return nil
}

func handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(StatusText))
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// withLogging records the request in metrics and logs non-probe traffic.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sr, r)

		route := routeName(r)
		s.metrics.ObserveRequest(route, sr.statusCode)
		if route == "/" || route == "/metrics" {
			return
		}
		log.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", sr.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// routeName maps the request to its mux pattern to keep label cardinality low.
func routeName(r *http.Request) string {
	switch r.Pattern {
	case "":
		return "unmatched"
	case "GET /{$}":
		return "/"
	case "GET /metrics":
		return "/metrics"
	default:
		return r.Pattern
	}
}
