package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/starford/anylist/internal/cache"
	"github.com/starford/anylist/internal/refresher"
)

// AddressResolver reports where list requests would go right now.
type AddressResolver interface {
	ResolveAddress() (string, error)
}

// RefreshController is the part of the refresher the API drives.
type RefreshController interface {
	Trigger()
	Status() refresher.Status
}

// ServerInfo describes the supervised server, when there is one.
type ServerInfo interface {
	Available() bool
	Address() string
	PID() int
}

// Deps are the collaborators behind the status API. Server and Events may
// be nil.
type Deps struct {
	Cache       cache.Store
	Refresher   RefreshController
	Resolver    AddressResolver
	Server      ServerInfo
	Events      http.Handler
	AuthEnabled bool
	Token       string
}

// NewRouter creates the root router: unauthenticated health checks plus the
// /api routes behind the optional bearer token.
func NewRouter(d Deps) chi.Router {
	h := NewHandler(d)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(d.AuthEnabled, d.Token))

		r.Get("/status", h.Status)
		r.Get("/lists", h.Lists)
		r.Get("/lists/{list}/items", h.Items)
		r.Post("/refresh", h.Refresh)

		if d.Events != nil {
			r.Get("/events", d.Events.ServeHTTP)
		}
	})

	return r
}
