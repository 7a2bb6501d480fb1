// Package api exposes the export coordinator over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TaskExport/internal/export"
	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/signing"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// Service is the coordinator surface the handlers use.
type Service interface {
	RequestExport(ctx context.Context, filter model.FilterSpec, format model.Format) (*export.Result, error)
	RepeatExport(ctx context.Context, exportID string) (*export.Result, error)
	GetStatus(ctx context.Context, exportID string) (*export.Status, error)
	ResolveArtifact(ctx context.Context, exportID string) (*export.Artifact, error)
	History(ctx context.Context, q store.HistoryQuery) (*store.HistoryPage, error)
	Cancel(ctx context.Context, exportID string) error
}

// Presigner hands out object-store download links.
type Presigner interface {
	PresignURL(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
}

// Options configure the HTTP surface.
type Options struct {
	Address      string
	SignedURLTTL time.Duration
	// Mirror, when set, serves signed links from object storage.
	Mirror Presigner
}

// Server exposes HTTP endpoints for export requests and downloads.
type Server struct {
	opts    Options
	service Service
	signer  *signing.Signer
	log     logrus.FieldLogger
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(service Service, signer *signing.Signer, opts Options, log logrus.FieldLogger) *Server {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 5 * time.Minute
	}
	return &Server{opts: opts, service: service, signer: signer, log: log}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/download", s.handleSignedDownload)
	r.Route("/exports", func(r chi.Router) {
		r.Post("/", s.handleRequest)
		r.Get("/", s.handleHistory)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Delete("/", s.handleCancel)
			r.Post("/repeat", s.handleRepeat)
			r.Get("/download", s.handleDownload)
			r.Get("/signed-url", s.handleSignedURL)
		})
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.opts.Address,
			Handler:           s.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.WithField("address", s.opts.Address).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"took":       time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}
