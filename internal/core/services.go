package core

import (
	"github.com/go-chi/chi/v5"
)

// Service is the interface every HTTP module implements. New endpoints are added by
// implementing this interface and registering the service at startup.
type Service interface {
	// Name returns the unique identifier for this service (e.g., "uploads", "storage", "files").
	// This is what ENABLED_SERVICES refers to.
	Name() string

	// Prefix is the path the service's sub-router is mounted at, e.g. "/api/uploads".
	Prefix() string

	// RegisterRoutes sets up HTTP routes for this service on the provided router.
	// The router is a sub-router scoped to Prefix.
	RegisterRoutes(router chi.Router)
}

// Registry holds the services built for this process, in registration order.
type Registry struct {
	services []Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make([]Service, 0)}
}

// Register adds a service to the registry.
func (r *Registry) Register(s Service) {
	r.services = append(r.services, s)
}

// Services returns all registered services.
// This is used by the edge router to set up routes for each service.
func (r *Registry) Services() []Service {
	return r.services
}
