// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/incident-autopilot/internal/codefix"
	"github.com/bissquit/incident-autopilot/internal/config"
	"github.com/bissquit/incident-autopilot/internal/engine"
	"github.com/bissquit/incident-autopilot/internal/integrations/github"
	"github.com/bissquit/incident-autopilot/internal/integrations/grafana"
	"github.com/bissquit/incident-autopilot/internal/integrations/kubernetes"
	"github.com/bissquit/incident-autopilot/internal/integrations/mattermost"
	"github.com/bissquit/incident-autopilot/internal/integrations/metricsserver"
	"github.com/bissquit/incident-autopilot/internal/integrations/openai"
	"github.com/bissquit/incident-autopilot/internal/integrations/prometheus"
	"github.com/bissquit/incident-autopilot/internal/pkg/auth"
	"github.com/bissquit/incident-autopilot/internal/pkg/ctxlog"
	"github.com/bissquit/incident-autopilot/internal/pkg/httputil"
	"github.com/bissquit/incident-autopilot/internal/pkg/metrics"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/bissquit/incident-autopilot/internal/pkg/telemetry"
	"github.com/bissquit/incident-autopilot/internal/policy"
	"github.com/bissquit/incident-autopilot/internal/remediation"
	"github.com/bissquit/incident-autopilot/internal/signals"
	"github.com/bissquit/incident-autopilot/internal/tickets"
	"github.com/bissquit/incident-autopilot/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	k8s "k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	stores        *stores
	coordinator   *engine.Coordinator
	scheduler     *engine.Scheduler
	authenticator *auth.Authenticator
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance. cfg must already be validated.
func New(cfg *config.Config) (*App, error) {
	logger := InitLogger(cfg.Log)

	st, err := openStores(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		stores:        st,
		metricsCancel: metricsCancel,
	}

	if st.pool != nil {
		go app.collectDBMetrics(metricsCtx)
	}

	if err := app.wire(); err != nil {
		metricsCancel()
		_ = st.Close()
		return nil, err
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// wire builds the collaborators and the decision engine on top of the stores.
func (a *App) wire() error {
	cfg := a.config
	events := telemetry.NewLogEmitter(slog.LevelInfo)

	retryCfg := retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}

	restConfig, err := kubernetes.BuildConfig(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return err
	}
	clientset, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("create kubernetes client: %w", err)
	}
	platform := kubernetes.NewPlatform(clientset, cfg.Kubernetes.SourceConfigMapSuffix)

	var source signals.MetricsSource
	switch cfg.Metrics.Source {
	case config.MetricsMetricsServer:
		metricsClient, err := metricsv.NewForConfig(restConfig)
		if err != nil {
			return fmt.Errorf("create metrics client: %w", err)
		}
		source = metricsserver.NewSource(metricsClient, platform)
	default:
		source, err = prometheus.NewSource(prometheus.Config{
			URL:         cfg.Metrics.PrometheusURL,
			CPUQuery:    cfg.Metrics.CPUQuery,
			MemoryQuery: cfg.Metrics.MemoryQuery,
		})
		if err != nil {
			return fmt.Errorf("create prometheus source: %w", err)
		}
	}

	tracker, err := github.NewClient(github.Config{
		APIURL:            cfg.GitHub.APIURL,
		Token:             cfg.GitHub.Token,
		Owner:             cfg.GitHub.Owner,
		Repo:              cfg.GitHub.Repo,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("create github client: %w", err)
	}

	var annotator remediation.Annotator = grafana.Nop{}
	if cfg.Grafana.URL != "" {
		annotator = grafana.NewAnnotator(grafana.Config{
			URL:          cfg.Grafana.URL,
			APIKey:       cfg.Grafana.APIKey,
			DashboardUID: cfg.Grafana.DashboardUID,
		})
	} else {
		a.logger.Warn("grafana url is not set: dashboard annotations are disabled")
	}

	reasoning, err := openai.NewEngine(openai.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create reasoning engine: %w", err)
	}

	renderer, err := tickets.NewRenderer()
	if err != nil {
		return fmt.Errorf("create ticket renderer: %w", err)
	}

	var notifier engine.Notifier
	if cfg.Mattermost.WebhookURL != "" {
		notifier = mattermost.NewNotifier(mattermost.Config{
			WebhookURL: cfg.Mattermost.WebhookURL,
			Username:   cfg.Mattermost.Username,
			IconURL:    cfg.Mattermost.IconURL,
		}, renderer)
	}

	executor := remediation.NewExecutor(remediation.Deps{
		Platform:  platform,
		Ledger:    a.stores.ledger,
		Incidents: a.stores.incidents,
		Tracker:   tracker,
		Annotator: annotator,
		Renderer:  renderer,
		Events:    events,
	}, retryCfg)

	pipeline := codefix.NewPipeline(codefix.Deps{
		Platform:  platform,
		Engine:    reasoning,
		Host:      tracker,
		Annotator: annotator,
		Incidents: a.stores.incidents,
		Renderer:  renderer,
		Events:    events,
	}, codefix.Config{
		BaseBranch:   cfg.GitHub.BaseBranch,
		LogTailLines: cfg.Kubernetes.LogTailLines,
	}, retryCfg)

	collector := signals.NewCollector(source, signals.Thresholds{
		CPU:    cfg.Thresholds.CPU,
		Memory: cfg.Thresholds.Memory,
	}, retryCfg, events)

	a.coordinator = engine.NewCoordinator(engine.Deps{
		Collector:  collector,
		Workloads:  platform,
		Remediator: executor,
		Analyzer:   pipeline,
		Ledger:     a.stores.ledger,
		Incidents:  a.stores.incidents,
		Events:     events,
		Notifier:   notifier,
	}, engine.Config{
		Thresholds: policy.Thresholds{
			AnalysisThreshold: cfg.Policy.AnalysisThreshold,
			MaxRestartsPerDay: cfg.Policy.MaxRestartsPerDay,
		},
		Namespace:    cfg.Kubernetes.Namespace,
		MinInterval:  cfg.Scheduler.MinInterval,
		PollInterval: cfg.Scheduler.PollInterval,
		AutoRun:      cfg.Scheduler.Enabled,
		Retry:        retryCfg,
	})
	a.scheduler = engine.NewScheduler(a.coordinator, cfg.Scheduler.PollInterval, events)

	if cfg.JWT.SecretKey != "" {
		a.authenticator, err = auth.NewAuthenticator(cfg.JWT.SecretKey)
		if err != nil {
			return fmt.Errorf("create authenticator: %w", err)
		}
	} else {
		a.logger.Warn("jwt.secret_key is not set: operator routes are unauthenticated")
	}

	a.logger.Info("decision engine configured",
		"storage", a.stores.backend,
		"metrics_source", cfg.Metrics.Source,
		"namespace", cfg.Kubernetes.Namespace,
		"auto_run", cfg.Scheduler.Enabled,
	)
	return nil
}

// Coordinator returns the decision engine.
func (a *App) Coordinator() *engine.Coordinator {
	return a.coordinator
}

// Run starts the scheduler and the HTTP servers.
func (a *App) Run() error {
	a.scheduler.Start(context.Background())

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. Cycles already started
// by the scheduler finish before the stores close.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()
	a.scheduler.Stop()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.stores.pool)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.stores.pool)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	handler := engine.NewHandler(a.coordinator)

	r.Route("/api/v1", func(r chi.Router) {
		// A cycle may run for minutes while the code-fix path waits on the
		// reasoning engine, so only the read routes get a request timeout.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			handler.RegisterRoutes(r)
		})

		r.Group(func(r chi.Router) {
			if a.authenticator != nil {
				r.Use(httputil.AuthMiddleware(a.authenticator))
			}
			handler.RegisterOperatorRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.stores.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Storage unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

// InitLogger builds the process logger from the log section.
func InitLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
