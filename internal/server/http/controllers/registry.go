package controllers

import (
	"github.com/go-chi/chi/v5"

	"github.com/rzbill/raftlog/internal/runtime"
)

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes
// and manages the lifecycle of individual controllers.
type ControllerRegistry struct {
	general    *GeneralController
	partitions *PartitionsController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, version string) *ControllerRegistry {
	return &ControllerRegistry{
		general:    NewGeneralController(rt, version),
		partitions: NewPartitionsController(rt),
	}
}

// RegisterAllRoutes registers all controller routes with the given router:
// node health and status plus the per-partition endpoints.
func (r *ControllerRegistry) RegisterAllRoutes(router chi.Router) {
	r.general.RegisterRoutes(router)
	r.partitions.RegisterRoutes(router)
}
