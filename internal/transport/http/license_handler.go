package http

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/exporter"
	"desklicense/internal/license"
	"desklicense/internal/repository"
	"desklicense/internal/services"
)

// maxListLimit caps one page of GET /api/licenses
const maxListLimit = 500

// IssueLicenseRequest is the body of POST /api/licenses
type IssueLicenseRequest struct {
	license.Request
}

// Bind implements render.Binder; field validation happens in the issuer.
func (*IssueLicenseRequest) Bind(*http.Request) error { return nil }

// VerifyLicenseRequest is the body of POST /api/licenses/verify
type VerifyLicenseRequest struct {
	services.VerifyRequest
}

// Bind implements render.Binder
func (v *VerifyLicenseRequest) Bind(*http.Request) error {
	if v.License.Kid == "" && v.License.PayloadB64 == "" && v.License.SignatureB64 == "" {
		return fmt.Errorf("license is required")
	}
	return nil
}

// LicenseHandler serves issuance, ledger and verification endpoints
type LicenseHandler struct {
	service  services.LicenseService
	exporter *exporter.Exporter
	errs     *licenseErrors.ErrorHandler
	logger   *slog.Logger
}

// NewLicenseHandler creates a license handler
func NewLicenseHandler(service services.LicenseService, exp *exporter.Exporter, errs *licenseErrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	if exp == nil {
		exp = exporter.New(logger)
	}
	return &LicenseHandler{
		service:  service,
		exporter: exp,
		errs:     errs,
		logger:   logger.With(slog.String("handler", "licenses")),
	}
}

// Routes returns the license routes
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Get("/", h.List)
	r.Get("/export", h.Export)
	r.Post("/verify", h.Verify)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/download", h.Download)
	r.Delete("/{id}", h.Delete)
	return r
}

// Issue handles POST /api/licenses
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	req := &IssueLicenseRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errs.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}

	issued, err := h.service.Issue(r.Context(), req.Request)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/licenses/"+issued.ID)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, issued)
}

// List handles GET /api/licenses
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	licenses, err := h.service.ListLicenses(r.Context(), filter)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"licenses": licenses,
		"count":    len(licenses),
	})
}

// Export handles GET /api/licenses/export?format=csv|xlsx
func (h *LicenseHandler) Export(w http.ResponseWriter, r *http.Request) {
	format := exporter.FormatCSV
	if f := r.URL.Query().Get("format"); f != "" {
		parsed, err := exporter.ParseFormat(f)
		if err != nil {
			h.errs.HandleError(w, r, err)
			return
		}
		format = parsed
	}
	filter, err := parseFilter(r)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	filter.Limit, filter.Offset = 0, 0

	licenses, err := h.service.ListLicenses(r.Context(), filter)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := h.exporter.Export(r.Context(), &buf, licenses, exporter.Options{Format: format}); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="licenses.%s"`, format))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Get handles GET /api/licenses/{id}
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.GetLicense(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, l)
}

// Download handles GET /api/licenses/{id}/download, the .dat file the
// customer drops next to the desktop application.
func (h *LicenseHandler) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, err := h.service.GetLicense(r.Context(), id)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	data, err := l.License.Marshal()
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="license-%s%s"`, id, license.FileExtension))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Delete handles DELETE /api/licenses/{id}
func (h *LicenseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteLicense(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// Verify handles POST /api/licenses/verify
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	req := &VerifyLicenseRequest{}
	if err := render.Bind(r, req); err != nil {
		h.errs.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}

	resp, err := h.service.Verify(r.Context(), req.VerifyRequest)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

func parseFilter(r *http.Request) (repository.Filter, error) {
	q := r.URL.Query()
	f := repository.Filter{
		Kid:      q.Get("kid"),
		Customer: q.Get("customer"),
		Edition:  q.Get("edition"),
	}

	var verrs []licenseErrors.ValidationError
	intParam := func(name string, max int) int {
		raw := q.Get(name)
		if raw == "" {
			return 0
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || (max > 0 && n > max) {
			msg := fmt.Sprintf("%s must be a non-negative integer", name)
			if max > 0 {
				msg = fmt.Sprintf("%s must be an integer between 0 and %d", name, max)
			}
			verrs = append(verrs, licenseErrors.ValidationError{Field: name, Message: msg})
		}
		return n
	}
	f.Limit = intParam("limit", maxListLimit)
	f.Offset = intParam("offset", 0)

	if raw := q.Get("include_deleted"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			verrs = append(verrs, licenseErrors.ValidationError{Field: "include_deleted", Message: "include_deleted must be a boolean"})
		}
		f.IncludeDeleted = b
	}

	if len(verrs) > 0 {
		return repository.Filter{}, licenseErrors.NewValidationErrors(verrs)
	}
	return f, nil
}
