package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/raftlog/internal/runtime"
)

// GeneralController serves node-wide endpoints: health and status.
type GeneralController struct {
	rt      *runtime.Runtime
	version string
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime, version string) *GeneralController {
	return &GeneralController{rt: rt, version: version}
}

// NodeStatus is the body of GET /v1/status.
type NodeStatus struct {
	NodeID     uint64               `json:"nodeId"`
	Version    string               `json:"version"`
	Members    map[uint64]string    `json:"members"`
	Healthy    bool                 `json:"healthy"`
	Error      string               `json:"error,omitempty"`
	Storage    runtime.StorageStats `json:"storage"`
	Partitions []runtime.Status     `json:"partitions"`
}

// RegisterRoutes registers general routes with the given router.
func (c *GeneralController) RegisterRoutes(r chi.Router) {
	r.Get("/v1/healthz", c.handleHealth)
	r.Get("/v1/status", c.handleStatus)
}

// handleHealth returns 200 OK with {"status": "ok"} if healthy, 503 Service
// Unavailable otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := NodeStatus{
		NodeID:  c.rt.NodeID(),
		Version: c.version,
		Members: c.rt.Config().Members,
		Healthy: true,
		Storage: c.rt.StorageStats(),
	}
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		st.Healthy, st.Error = false, err.Error()
	}
	for _, p := range c.rt.Partitions() {
		st.Partitions = append(st.Partitions, p.Status())
	}
	writeJSON(w, st)
}
