package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/services"
)

// RotateKeyRequest is the body of POST /api/keys/rotate. An empty kid is
// generated from the current time.
type RotateKeyRequest struct {
	Kid string `json:"kid,omitempty"`
}

// Bind implements render.Binder
func (*RotateKeyRequest) Bind(*http.Request) error { return nil }

// ImportKeyRequest is the body of POST /api/keys/import
type ImportKeyRequest struct {
	services.ImportKeyRequest
}

// Bind implements render.Binder
func (*ImportKeyRequest) Bind(*http.Request) error { return nil }

// UpdateKeyRequest is the body of PATCH /api/keys/{kid}
type UpdateKeyRequest struct {
	services.UpdateKeyRequest
}

// Bind implements render.Binder
func (*UpdateKeyRequest) Bind(*http.Request) error { return nil }

// KeyHandler serves key lifecycle endpoints
type KeyHandler struct {
	service services.LicenseService
	errs    *licenseErrors.ErrorHandler
	logger  *slog.Logger
}

// NewKeyHandler creates a key handler
func NewKeyHandler(service services.LicenseService, errs *licenseErrors.ErrorHandler, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "keys")),
	}
}

// Routes returns the key routes
func (h *KeyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/trust-anchors", h.TrustAnchors)
	r.Post("/rotate", h.Rotate)
	r.Post("/import", h.Import)
	r.Get("/{kid}", h.Get)
	r.Patch("/{kid}", h.Update)
	r.Post("/{kid}/revoke", h.Revoke)
	return r
}

// List handles GET /api/keys
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"keys": h.service.ListKeys(r.Context()),
	})
}

// TrustAnchors handles GET /api/keys/trust-anchors, the public keys that
// ship with the desktop client.
func (h *KeyHandler) TrustAnchors(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"anchors": h.service.TrustAnchors(r.Context()),
	})
}

// Rotate handles POST /api/keys/rotate
func (h *KeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	req := &RotateKeyRequest{}
	if r.ContentLength != 0 {
		if err := render.Bind(r, req); err != nil {
			h.errs.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
			return
		}
	}

	rot, err := h.service.RotateKey(r.Context(), req.Kid)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rot)
}

// Import handles POST /api/keys/import
func (h *KeyHandler) Import(w http.ResponseWriter, r *http.Request) {
	req := &ImportKeyRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errs.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}

	info, err := h.service.ImportKey(r.Context(), req.ImportKeyRequest)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, info)
}

// Get handles GET /api/keys/{kid}
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.GetKey(r.Context(), chi.URLParam(r, "kid"))
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, info)
}

// Update handles PATCH /api/keys/{kid}. Only the notes are editable.
func (h *KeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	req := &UpdateKeyRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errs.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}

	info, err := h.service.UpdateKey(r.Context(), chi.URLParam(r, "kid"), req.UpdateKeyRequest)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, info)
}

// Revoke handles POST /api/keys/{kid}/revoke
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	rev, err := h.service.RevokeKey(r.Context(), chi.URLParam(r, "kid"))
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, rev)
}
