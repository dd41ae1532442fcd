package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"desklicense/internal/audit"
	"desklicense/internal/config"
	"desklicense/internal/exporter"
	"desklicense/internal/infrastructure"
	"desklicense/internal/keystore"
	"desklicense/internal/license"
	"desklicense/internal/middleware"
	"desklicense/internal/repository"
	"desklicense/internal/secrets"
	"desklicense/internal/services"
	handlers "desklicense/internal/transport/http"
)

// Application is the assembled license authority.
type Application struct {
	Config     *config.Config
	Logger     *slog.Logger
	Telemetry  *infrastructure.Telemetry
	Keys       *keystore.Store
	Repository repository.Repository
	Audit      audit.Sink
	Metrics    *license.Metrics
	Licenses   services.LicenseService
	Health     *services.HealthService
	Exporter   *exporter.Exporter

	sealer  *secrets.PassphraseSealer
	closers []io.Closer
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	sheetsOpts    []option.ClientOption
	sealConfig    secrets.Config
	skipTelemetry bool
}

// WithLogger replaces the configured global logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSheetsOptions adds Google API client options for the sheets driver.
func WithSheetsOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.sheetsOpts = append(o.sheetsOpts, opts...) }
}

// WithSealConfig overrides the scrypt parameters used for new seals.
func WithSealConfig(cfg secrets.Config) Option {
	return func(o *options) { o.sealConfig = cfg }
}

// WithoutTelemetry leaves the global no-op OpenTelemetry providers in place.
func WithoutTelemetry() Option {
	return func(o *options) { o.skipTelemetry = true }
}

// New builds the authority from cfg. The keyring passphrase is mandatory:
// without it no private key can be sealed or unsealed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	o := options{sealConfig: secrets.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Application{Config: cfg, Logger: o.logger}
	if a.Logger == nil {
		logger, closer, err := infrastructure.OpenLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.Logger = logger
		a.closers = append(a.closers, closer)
	}

	if err := a.init(ctx, o); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Logger.LogAttrs(ctx, slog.LevelInfo, "license authority ready",
		slog.String("version", config.AppVersion),
		slog.String("repository", cfg.Repository.Driver),
		slog.Int("trusted_keys", a.Keys.TrustedPublicKeys().Len()),
	)
	return a, nil
}

func (a *Application) init(ctx context.Context, o options) error {
	cfg := a.Config

	telCfg := cfg.Telemetry
	if o.skipTelemetry {
		telCfg.TraceExporter, telCfg.MetricExporter = infrastructure.ExporterNone, infrastructure.ExporterNone
	}
	tel, err := infrastructure.NewTelemetry(ctx, telCfg, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.Telemetry = tel

	a.sealer, err = secrets.NewPassphraseSealer(cfg.Keys.Passphrase, o.sealConfig)
	if err != nil {
		if errors.Is(err, secrets.ErrEmptyPassphrase) {
			return fmt.Errorf("keyring passphrase is required (set %s_KEYS_PASSPHRASE): %w", config.EnvPrefix, err)
		}
		return err
	}
	a.Keys, err = keystore.LoadKeyring(cfg.Keys.KeyringFile, a.sealer)
	if err != nil {
		return fmt.Errorf("failed to load keyring %s: %w", cfg.Keys.KeyringFile, err)
	}

	a.Repository, err = a.openRepository(ctx, o)
	if err != nil {
		return err
	}

	a.Audit, err = a.openAudit()
	if err != nil {
		return err
	}

	a.Metrics, err = license.NewMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}

	issuer := license.NewIssuer(a.Keys, a.Logger,
		license.WithAudit(a.Audit),
		license.WithMetrics(a.Metrics),
	)
	a.Licenses = services.NewLicenseService(services.Dependencies{
		Keys:        a.Keys,
		Issuer:      issuer,
		Verifier:    license.NewVerifier(a.Keys, a.Metrics, a.Logger),
		Repository:  a.Repository,
		Audit:       a.Audit,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
		PersistKeys: a.PersistKeys,
	})
	a.Health = services.NewHealthService(a.Keys, a.Repository, config.AppVersion, a.Logger)
	a.Exporter = exporter.New(a.Logger)
	return nil
}

func (a *Application) openRepository(ctx context.Context, o options) (repository.Repository, error) {
	cfg := a.Config
	switch cfg.Repository.Driver {
	case config.RepositoryMemory:
		return repository.NewMemory(), nil
	case config.RepositoryFile:
		repo, err := repository.OpenFile(cfg.Repository.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open license ledger: %w", err)
		}
		return repo, nil
	case config.RepositorySheets:
		clientOpts := append([]option.ClientOption{}, o.sheetsOpts...)
		if cfg.Sheets.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Sheets.CredentialsFile))
		}
		if cfg.Sheets.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(cfg.Sheets.Endpoint))
		}
		repo, err := repository.NewSheets(ctx, cfg.Sheets.SpreadsheetID, cfg.Sheets.SheetName, clientOpts...)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureHeader(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare sheet %s: %w", cfg.Sheets.SheetName, err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown repository driver %q", cfg.Repository.Driver)
}

func (a *Application) openAudit() (audit.Sink, error) {
	sinks := audit.Multi{audit.NewLogger(a.Logger)}
	if path := a.Config.Audit.FilePath; path != "" {
		jsonl, err := audit.OpenJSONL(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, jsonl)
		sinks = append(sinks, jsonl)
	}
	return sinks, nil
}

// PersistKeys writes the sealed keyring and refreshes the client trust file.
func (a *Application) PersistKeys(s *keystore.Store) error {
	if err := keystore.SaveKeyring(a.Config.Keys.KeyringFile, s, a.sealer); err != nil {
		return err
	}
	if a.Config.Keys.TrustFile != "" {
		if err := keystore.SaveTrustAnchors(a.Config.Keys.TrustFile, s); err != nil {
			return err
		}
	}
	return nil
}

// Router builds the admin API router.
func (a *Application) Router() (chi.Router, error) {
	cfg := a.Config
	rc := handlers.RouterConfig{
		Licenses:   a.Licenses,
		Health:     a.Health,
		Exporter:   a.Exporter,
		Logger:     a.Logger,
		AdminToken: cfg.Security.AdminToken,
	}
	if cfg.Security.RateLimit.Enabled {
		rc.RateLimit = middleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, a.Logger)
	}
	if a.Telemetry.Enabled() {
		tm, err := middleware.NewOTelMiddleware(a.Telemetry.Meter)
		if err != nil {
			return nil, err
		}
		rc.Telemetry = tm
	}
	if a.Telemetry.MetricsHandler != nil && cfg.Server.MetricsPort == 0 {
		rc.Metrics = a.Telemetry.MetricsHandler
	}
	if cfg.Security.AdminToken == "" {
		a.Logger.Warn("admin token not configured, the admin API is unauthenticated")
	}
	return handlers.NewRouter(rc), nil
}

// Serve runs the admin API, plus a dedicated metrics listener when
// server.metrics_port is set, until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	router, err := a.Router()
	if err != nil {
		return err
	}
	cfg := a.Config.Server

	servers := []*http.Server{{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}}
	if cfg.MetricsPort > 0 && a.Telemetry.MetricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Telemetry.MetricsHandler)
		servers = append(servers, &http.Server{
			Addr:        ":" + strconv.Itoa(cfg.MetricsPort),
			Handler:     mux,
			ReadTimeout: cfg.ReadTimeout,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			a.Logger.LogAttrs(gctx, slog.LevelInfo, "http server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		a.Logger.LogAttrs(shutdownCtx, slog.LevelInfo, "shutting down http servers")
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close flushes audit files and telemetry.
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
