// Package api exposes the locate registry over HTTP. Detections are
// streamed to clients as server-sent events.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/keyring"
	"bt-locate.klederson.com/internal/locate"
	"github.com/rs/zerolog"
)

// Prefix is the path prefix of every route.
const Prefix = "/bt_locate/"

// Server serves the locate API.
type Server struct {
	registry  *locate.Registry
	keys      *keyring.Store
	bluezRoot string
	keepAlive time.Duration
	log       zerolog.Logger
	mux       *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithKeyring enables the saved IRK routes and irk_label on start.
func WithKeyring(k *keyring.Store) Option {
	return func(s *Server) { s.keys = k }
}

// WithBlueZRoot overrides where paired device keys are read from.
func WithBlueZRoot(root string) Option {
	return func(s *Server) { s.bluezRoot = root }
}

// WithKeepAlive sets how long the stream waits for an event before
// sending a ping.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// NewServer creates a server over registry.
func NewServer(registry *locate.Registry, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		registry:  registry,
		bluezRoot: keyring.DefaultBlueZRoot,
		keepAlive: config.StreamKeepAlive,
		log:       log,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST "+Prefix+"start", s.handleStart)
	s.mux.HandleFunc("POST "+Prefix+"stop", s.handleStop)
	s.mux.HandleFunc("GET "+Prefix+"status", s.handleStatus)
	s.mux.HandleFunc("GET "+Prefix+"trail", s.handleTrail)
	s.mux.HandleFunc("GET "+Prefix+"stream", s.handleStream)
	s.mux.HandleFunc("POST "+Prefix+"resolve_rpa", s.handleResolveRPA)
	s.mux.HandleFunc("POST "+Prefix+"environment", s.handleEnvironment)
	s.mux.HandleFunc("GET "+Prefix+"debug", s.handleDebug)
	s.mux.HandleFunc("GET "+Prefix+"paired_irks", s.handlePairedIRKs)
	s.mux.HandleFunc("POST "+Prefix+"clear_trail", s.handleClearTrail)

	s.mux.HandleFunc("GET "+Prefix+"irks", s.handleListIRKs)
	s.mux.HandleFunc("POST "+Prefix+"irks", s.handleAddIRK)
	s.mux.HandleFunc("DELETE "+Prefix+"irks/{ref}", s.handleDeleteIRK)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)
	s.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", sw.status).
		Dur("took", time.Since(start)).
		Msg("request")
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
