package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"desklicense/internal/keystore"
	"desklicense/internal/repository"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Runtime   RuntimeInfo              `json:"runtime"`
	Keys      KeysHealth               `json:"keys"`
	Services  map[string]ServiceHealth `json:"services"`
}

// RuntimeInfo describes the running process
type RuntimeInfo struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

// KeysHealth summarizes the key store
type KeysHealth struct {
	ActiveKid   string `json:"active_kid,omitempty"`
	TrustedKeys int    `json:"trusted_keys"`
}

// ServiceHealth represents the health of one dependency
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health states
const (
	HealthOK       = "healthy"
	HealthDegraded = "degraded"
)

// HealthService reports whether the authority can issue licenses.
type HealthService struct {
	keys    *keystore.Store
	repo    repository.Repository
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthService creates a health service.
func NewHealthService(keys *keystore.Store, repo repository.Repository, version string, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		keys:    keys,
		repo:    repo,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("component", "health_service")),
	}
}

// Check builds the current health report. A missing active key degrades
// the service: verification keeps working but issuance fails.
func (h *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    HealthOK,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Runtime: RuntimeInfo{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
		Services: make(map[string]ServiceHealth, 2),
	}

	status.Keys.TrustedKeys = h.keys.TrustedPublicKeys().Len()
	if key, err := h.keys.ActiveSigningKey(); err != nil {
		status.Status = HealthDegraded
		status.Services["signing"] = ServiceHealth{Status: HealthDegraded, Message: err.Error()}
	} else {
		status.Keys.ActiveKid = key.Kid
		status.Services["signing"] = ServiceHealth{Status: HealthOK}
	}

	if h.repo != nil {
		if _, err := h.repo.List(ctx, repository.Filter{Limit: 1}); err != nil {
			status.Status = HealthDegraded
			status.Services["repository"] = ServiceHealth{Status: HealthDegraded, Message: err.Error()}
		} else {
			status.Services["repository"] = ServiceHealth{Status: HealthOK}
		}
	}

	if status.Status != HealthOK {
		h.logger.LogAttrs(ctx, slog.LevelWarn, "health check degraded",
			slog.String("active_kid", status.Keys.ActiveKid),
			slog.Int("trusted_keys", status.Keys.TrustedKeys),
		)
	}
	return status
}
