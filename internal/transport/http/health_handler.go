package http

import (
	"net/http"

	"github.com/go-chi/render"

	"desklicense/internal/services"
)

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	service *services.HealthService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service *services.HealthService) *HealthHandler {
	return &HealthHandler{service: service}
}

// Check handles GET /healthz. A degraded authority answers 503 so load
// balancers stop routing issuance to it.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := h.service.Check(r.Context())
	if status.Status != services.HealthOK {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}
