package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// authService is what the router needs from *auth.Service: token
// resolution for authMiddleware plus the ktra-prefixed account
// operations.
type authService interface {
	authenticator
	userService
}

// Server wires internal/registry, internal/mirror, and internal/auth
// onto a chi router matching spec.md §6's endpoint table, plus the
// additive read endpoints and a liveness probe.
type Server struct {
	registry registryService
	mirror   mirrorService
	auth     authService
	logger   *logrus.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMirror enables tarball fallback to an upstream mirror on a local
// miss. Without it, download misses are always NotFound.
func WithMirror(m mirrorService) Option {
	return func(s *Server) { s.mirror = m }
}

// WithLogger overrides the default logger, a logrus.New() writing to stderr.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds a Server over reg and auth.
func NewServer(reg registryService, auth authService, opts ...Option) *Server {
	s := &Server{registry: reg, auth: auth, logger: logrus.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the http.Handler serving every endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, loggingMiddleware(s.logger))

	r.Get("/healthz", handleHealthz)

	r.Route("/api/v1/crates", func(r chi.Router) {
		// The group's "/" pattern serves the search request on the bare
		// /api/v1/crates path.
		r.With(authMiddleware(s.auth)).Get("/", handleSearch(s.registry))
		r.With(authMiddleware(s.auth)).Put("/new", handlePublish(s.registry))
		r.With(authMiddleware(s.auth)).Delete("/{name}/{vers}/yank", handleYank(s.registry))
		r.With(authMiddleware(s.auth)).Put("/{name}/{vers}/unyank", handleUnyank(s.registry))

		r.With(authMiddleware(s.auth)).Get("/{name}/owners", handleListOwners(s.registry))
		r.With(authMiddleware(s.auth)).Put("/{name}/owners", handleAddOwners(s.registry))
		r.With(authMiddleware(s.auth)).Delete("/{name}/owners", handleRemoveOwners(s.registry))

		r.Get("/{name}/{vers}/download", handleDownload(s.registry, s.mirror))
		r.Get("/{name}/{vers}", handleGetVersion(s.registry))
		r.Get("/{name}", handleGetPackage(s.registry))
	})

	r.Route("/ktra/api/v1", func(r chi.Router) {
		r.Post("/new_user/{login}", handleNewUser(s.auth))
		r.Post("/login/{login}", handleLogin(s.auth))
		r.Post("/change_password/{login}", handleChangePassword(s.auth))
	})

	return r
}
