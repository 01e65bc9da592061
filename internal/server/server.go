// Package server provides a lightweight HTTP status server that exposes
// health, the tracked EventSub subscriptions and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/eventsub"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

// SubscriptionsFunc returns the subscriptions currently tracked by the
// client. Used to dynamically fetch subscription data.
type SubscriptionsFunc func() []eventsub.Subscription

// ComponentStatusFunc returns the running status of each component (the
// EventSub transport, PubSub, chat). Used to dynamically fetch health data.
type ComponentStatusFunc func() []ComponentStatus

// ComponentStatus represents the running state of a single component.
type ComponentStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Detail  string `json:"detail,omitempty"`
}

// StatusServer serves the health and subscription JSON endpoints.
type StatusServer struct {
	addr string
	log  *logger.Logger
	srv  *http.Server

	mu                sync.RWMutex
	subscriptionsFunc SubscriptionsFunc
	statusFunc        ComponentStatusFunc
}

// NewStatusServer creates a new StatusServer bound to the given address.
// /metrics is served only when metrics is non-nil.
func NewStatusServer(addr string, metrics *observability.Metrics, log *logger.Logger) *StatusServer {
	if log == nil {
		log = logger.Discard()
	}
	s := &StatusServer{
		addr: addr,
		log:  log.WithComponent("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("GET /api/subscriptions/{id}", s.handleSubscription)
	if metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           withLogging(s.log, mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return s
}

// Handler returns the router, for tests and for mounting elsewhere.
func (s *StatusServer) Handler() http.Handler {
	return s.srv.Handler
}

// SetSubscriptionsFunc sets the function that lists subscriptions.
// Thread-safe.
func (s *StatusServer) SetSubscriptionsFunc(fn SubscriptionsFunc) {
	s.mu.Lock()
	s.subscriptionsFunc = fn
	s.mu.Unlock()
}

// SetComponentStatusFunc sets a function that dynamically returns the
// running status of all components. Thread-safe.
func (s *StatusServer) SetComponentStatusFunc(fn ComponentStatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFunc = fn
}

func (s *StatusServer) getComponentStatuses() []ComponentStatus {
	s.mu.RLock()
	fn := s.statusFunc
	s.mu.RUnlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (s *StatusServer) getSubscriptions() []eventsub.Subscription {
	s.mu.RLock()
	fn := s.subscriptionsFunc
	s.mu.RUnlock()
	if fn != nil {
		return fn()
	}
	return nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
// It performs graceful shutdown when the context is done.
func (s *StatusServer) Run(ctx context.Context) error {
	s.log.Info("Status server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Status server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func withLogging(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
