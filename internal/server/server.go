// Package server exposes the HTTP control API: enrollment requests, the
// gallery and the faces currently on screen.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/enroll"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/tracker"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Enroller is the enrollment state machine.
type Enroller interface {
	Authorize(ok bool) (enroll.Token, error)
	Status(token enroll.Token) (enroll.Status, error)
	Confirm(ctx context.Context, token enroll.Token, name string) (string, error)
	Cancel(token enroll.Token) error
}

// Gallery is the part of the face store the API manages.
type Gallery interface {
	ListIdentities(ctx context.Context) ([]store.Identity, error)
	Crop(ctx context.Context, id int) ([]byte, error)
	DeleteIdentity(ctx context.Context, id int) error
}

// Tracks lists the faces currently on screen.
type Tracks interface {
	Tracks() []tracker.Track
}

// Deps are the collaborators behind the API. Stats may be nil.
type Deps struct {
	Enroller Enroller
	Gallery  Gallery
	Tracks   Tracks
	Stats    func() pipeline.Stats
}

// Server is the control API server.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
}

// New builds the router. Nothing listens until Start.
func New(cfg config.ServerConfig, deps Deps) *Server {
	r := chi.NewRouter()
	s := &Server{cfg: cfg, deps: deps, router: r}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.EnrollSecret == "" {
		log.Warn("server.enroll_secret is empty, enrollment requests are not authenticated")
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", s.health)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/enrollments", s.requestEnrollment)
		r.Get("/enrollments/{token}", s.enrollmentStatus)
		r.Post("/enrollments/{token}/confirm", s.confirmEnrollment)
		r.Delete("/enrollments/{token}", s.cancelEnrollment)

		r.Get("/identities", s.listIdentities)
		r.Get("/identities/{id}/crop", s.identityCrop)
		r.Delete("/identities/{id}", s.deleteIdentity)

		r.Get("/tracks", s.listTracks)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. A graceful stop returns nil.
func (s *Server) Start() error {
	log.WithField("addr", s.httpServer.Addr).Info("control API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "failed to start server")
	}
	return nil
}

// Shutdown drains open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down control API")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": chiMiddleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
