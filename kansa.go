// Package kansa is the public API for embedding the Kansa decision
// governance gateway.
//
// Integrators import this package to construct and extend the server
// without forking it:
//
//	app, err := kansa.New(
//	    kansa.WithVersion(version),
//	    kansa.WithLogger(logger),
//	    kansa.WithExecutor(refunds),
//	    kansa.WithNotificationChannel(pager),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kansa (root) imports
// internal/*, but internal/* never imports kansa (root). Public types are
// standalone structs; the adapters that convert between them and the
// internal model live in this file, the only one that sees both sides.
package kansa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansa/api"
	"github.com/ashita-ai/kansa/internal/auth"
	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/config"
	"github.com/ashita-ai/kansa/internal/governance"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/mcp"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/notify"
	"github.com/ashita-ai/kansa/internal/policy"
	"github.com/ashita-ai/kansa/internal/ratelimit"
	"github.com/ashita-ai/kansa/internal/server"
	"github.com/ashita-ai/kansa/internal/storage"
	"github.com/ashita-ai/kansa/internal/storage/sqlite"
	"github.com/ashita-ai/kansa/internal/telemetry"
	"github.com/ashita-ai/kansa/migrations"
)

const (
	janitorInterval            = time.Minute
	idempotencyCleanupInterval = 15 * time.Minute
	hookQueueSize              = 1024
	hookTimeout                = 10 * time.Second
	bootstrapAdminID           = "admin"
)

// App is the Kansa server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB   // nil unless KANSA_STORE=postgres
	sqlite       *sqlite.Store // nil unless KANSA_STORE=sqlite
	relay        *storage.EventRelay
	ledger       *ledger.Ledger
	policy       *policy.Evaluator
	manager      *governance.Manager
	dispatcher   *notify.Dispatcher
	broker       *server.Broker
	idempotency  server.IdempotencyStore
	limiter      ratelimit.Limiter
	srv          *server.Server
	hooks        *hookRunner
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// backend bundles the three stores a storage mode provides.
type backend struct {
	ledger      ledger.Store
	windows     governance.WindowStore
	idempotency server.IdempotencyStore
	pinger      server.Pinger
}

// New initialises the Kansa server. It opens the configured store, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.policyFile != "" {
		cfg.PolicyFile = o.policyFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kansa starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	be, err := a.openBackend(ctx)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	clk := clock.Real{}

	a.ledger, err = ledger.New(ctx, be.ledger, logger, ledger.Options{
		MaxBuffer:     cfg.LedgerBufferSize,
		FlushSize:     cfg.LedgerFlushSize,
		FlushInterval: cfg.LedgerFlushInterval,
		Clock:         clk,
	})
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("ledger: %w", err)
	}

	table := policy.DefaultTable()
	if cfg.PolicyFile != "" {
		if table, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			a.closeStores()
			return nil, fmt.Errorf("policy: %w", err)
		}
	}
	a.policy, err = policy.NewEvaluator(table, clk, logger)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("policy: %w", err)
	}
	logger.Info("policy loaded", "version", a.policy.Snapshot().Version(), "file", cfg.PolicyFile)

	// Observer fan-out. With a notify connection every event goes through
	// Postgres so external LISTEN clients see what local subscribers see; the
	// relay feeds the local broker in Run.
	a.broker = server.NewBroker(logger)
	a.hooks = newHookRunner(o.eventHooks, logger)
	var stream governance.Publisher = a.broker
	if a.relay != nil {
		stream = a.relay
	}
	pub := fanout{stream, a.hooks}

	channels := make([]notify.Channel, 0, 2+len(o.channels))
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel("webhook", cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout))
	}
	channels = append(channels, notify.LogChannel{Logger: logger})
	for _, c := range o.channels {
		channels = append(channels, channelAdapter{c: c})
	}
	a.dispatcher = notify.NewDispatcher(clk, logger, channels,
		notify.WithReporter(governance.DeliveryEvents(pub)))

	a.manager, err = governance.NewManager(governance.Config{
		Ledger:            a.ledger,
		Policy:            a.policy,
		Notifier:          a.dispatcher,
		Executor:          adaptExecutor(o.executor),
		Publisher:         pub,
		Windows:           be.windows,
		Clock:             clk,
		Logger:            logger,
		RetainResolved:    cfg.RetainResolved,
		ExecuteTimeout:    cfg.ExecuteTimeout,
		CompensateTimeout: cfg.CompensateTimeout,
		AppendTimeout:     cfg.AppendTimeout,
		RetryDelay:        cfg.RetryDelay,
	})
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("governance: %w", err)
	}

	registry, err := loadRegistry(cfg)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	if registry.Len() == 0 {
		logger.Warn("no principals configured; set KANSA_ADMIN_API_KEY or KANSA_PRINCIPALS_FILE")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("auth: %w", err)
	}

	if cfg.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, clk)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(a.manager, a.policy, clk, logger, version)

	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, authHelper{roleFn: roleFn})
		})
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.idempotency = be.idempotency
	a.srv = server.New(server.ServerConfig{
		Manager:             a.manager,
		Ledger:              a.ledger,
		Policy:              a.policy,
		Registry:            registry,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Broker:              a.broker,
		Idempotency:         be.idempotency,
		Store:               be.pinger,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           cfg.Store,
		PolicyFile:          cfg.PolicyFile,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		TrustProxy:          cfg.TrustProxy,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return a, nil
}

func (a *App) openBackend(ctx context.Context) (backend, error) {
	switch a.cfg.Store {
	case config.StorePostgres:
		db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
		if err != nil {
			return backend{}, fmt.Errorf("storage: %w", err)
		}
		a.db = db
		// Window actors and chain heads live in this process; a second
		// gateway on the same database would fork the audit chain.
		if err := db.AcquireInstanceLock(ctx); err != nil {
			return backend{}, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return backend{}, fmt.Errorf("migrations: %w", err)
		}
		if db.HasNotify() {
			a.relay = storage.NewEventRelay(db)
		} else {
			a.logger.Info("event relay: disabled (no NOTIFY_URL)")
		}
		return backend{ledger: db, windows: db, idempotency: db, pinger: db}, nil

	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, a.cfg.SQLitePath)
		if err != nil {
			return backend{}, fmt.Errorf("sqlite: %w", err)
		}
		a.sqlite = s
		return backend{ledger: s, windows: s, idempotency: s, pinger: s}, nil

	default:
		a.logger.Warn("memory store: audit history is lost on restart (not for production)")
		return backend{
			ledger:      ledger.NewMemoryStore(),
			windows:     governance.NewMemoryWindowStore(),
			idempotency: server.NewMemoryIdempotencyStore(nil),
		}, nil
	}
}

// loadRegistry reads the principals file, if any, and adds the bootstrap
// admin when KANSA_ADMIN_API_KEY is set.
func loadRegistry(cfg config.Config) (*auth.Registry, error) {
	var (
		registry *auth.Registry
		err      error
	)
	if cfg.PrincipalsFile != "" {
		registry, err = auth.LoadRegistry(cfg.PrincipalsFile)
	} else {
		registry, err = auth.NewRegistry(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("principals: %w", err)
	}
	if cfg.AdminAPIKey != "" {
		hash, err := auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			return nil, fmt.Errorf("admin seed: %w", err)
		}
		if err := registry.Add(model.Principal{ID: bootstrapAdminID, Role: model.RoleAdmin, APIKeyHash: hash}); err != nil {
			return nil, fmt.Errorf("admin seed: %w", err)
		}
	}
	return registry, nil
}

// Handler returns the root HTTP handler, for tests and for embedding the
// gateway in another server.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.ledger.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	// Unblock the HTTP goroutine when a background task fails or ctx ends.
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdownHTTP()
	})
	g.Go(func() error { return a.manager.RunJanitor(gctx, janitorInterval) })
	g.Go(func() error {
		return server.RunIdempotencyCleanup(gctx, a.idempotency,
			a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyInProgressTTL, idempotencyCleanupInterval, a.logger)
	})
	g.Go(func() error { a.hooks.run(gctx); return nil })

	if a.cfg.PolicyFile != "" {
		w := policy.NewWatcher(a.cfg.PolicyFile, a.policy, a.cfg.PolicyPollInterval, a.logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	if a.cfg.Retention > 0 {
		g.Go(func() error { a.retentionLoop(gctx); return nil })
	}
	if a.cfg.CheckpointInterval > 0 {
		g.Go(func() error { a.checkpointLoop(gctx); return nil })
	}
	if a.relay != nil {
		g.Go(func() error {
			if err := a.relay.Run(gctx, a.broker.Publish); err != nil {
				return fmt.Errorf("event relay: %w", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) shutdownHTTP() error {
	ctx, cancel := contextWithOptionalTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	return nil
}

// Shutdown performs a graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) abort open windows and wait for executing ones,
// (3) flush the audit buffer,
// (4) stop notification timers.
// It then closes the store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kansa shutting down")

	_ = a.shutdownHTTP()

	mgrCtx, mgrCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.manager.Shutdown(mgrCtx); err != nil {
		a.logger.Error("governance shutdown incomplete", "error", err)
	}
	mgrCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.ledger.Drain(drainCtx)
	drainCancel()
	if n := a.ledger.Len(); n > 0 {
		a.logger.Error("audit buffer drain incomplete, unflushed entries will be lost", "remaining", n)
	}

	notifyCtx, notifyCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.dispatcher.Close(notifyCtx)
	notifyCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.closeStores()

	a.logger.Info("kansa stopped")
	return nil
}

func (a *App) closeStores() {
	if a.db != nil {
		a.db.Close(context.Background())
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", "error", err)
		}
	}
}

// ── Background loops ────────────────────────────────────────────────────────

func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			n, err := a.ledger.Anonymize(opCtx, a.cfg.Retention, model.ActorSystem)
			cancel()
			if err != nil {
				a.logger.Warn("retention pass failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("retention pass redacted operator identifiers", "entries", n)
			}
		}
	}
}

func (a *App) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			cp, err := a.ledger.Checkpoint(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("audit checkpoint failed", "error", err)
				continue
			}
			if cp != nil {
				a.logger.Info("audit checkpoint created",
					"from_seq", cp.FromSeq, "to_seq", cp.ToSeq, "root_hash", cp.RootHash[:16]+"...")
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────

// fanout publishes each event to every publisher in order.
type fanout []governance.Publisher

func (f fanout) Publish(ev model.WindowEvent) {
	for _, p := range f {
		p.Publish(ev)
	}
}

// hookRunner delivers window events to public EventHooks off the actor
// goroutines. Publish never blocks; events are dropped when the queue is full.
type hookRunner struct {
	hooks  []EventHook
	queue  chan model.WindowEvent
	logger *slog.Logger
}

func newHookRunner(hooks []EventHook, logger *slog.Logger) *hookRunner {
	return &hookRunner{hooks: hooks, queue: make(chan model.WindowEvent, hookQueueSize), logger: logger}
}

func (h *hookRunner) Publish(ev model.WindowEvent) {
	if len(h.hooks) == 0 {
		return
	}
	select {
	case h.queue <- ev:
	default:
		h.logger.Warn("event hook queue full, dropping event", "window_id", ev.WindowID, "kind", ev.Kind)
	}
}

func (h *hookRunner) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			h.deliver(ctx, ev)
		}
	}
}

func (h *hookRunner) deliver(ctx context.Context, ev model.WindowEvent) {
	pub := toPublicEvent(ev)
	for _, hook := range h.hooks {
		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
		if err := hook.OnWindowEvent(hookCtx, pub); err != nil {
			h.logger.Warn("event hook OnWindowEvent failed", "error", err, "window_id", ev.WindowID)
		}
		cancel()
	}
}

// adaptExecutor wraps a public Executor for the manager. A nil executor
// selects the deferred executor that waits for the agent's callback.
func adaptExecutor(e Executor) governance.Executor {
	if e == nil {
		return governance.DeferredExecutor{}
	}
	base := executorAdapter{e: e}
	if c, ok := e.(Compensator); ok {
		return compensatingExecutor{executorAdapter: base, c: c}
	}
	return base
}

type executorAdapter struct {
	e Executor
}

func (a executorAdapter) Execute(ctx context.Context, req governance.ExecutionRequest) (governance.ExecutionOutcome, error) {
	res, err := a.e.Execute(ctx, ExecutionRequest{
		WindowID:      req.WindowID,
		RequestID:     req.RequestID,
		AgentID:       req.AgentID,
		OperationType: req.OperationType,
		Amount:        req.Amount,
		Payload:       req.Payload,
	})
	if err != nil {
		return governance.ExecutionOutcome{}, err
	}
	return governance.ExecutionOutcome{
		Success:   res.Success,
		Pending:   res.Pending,
		Reference: res.Reference,
		Reason:    res.Reason,
	}, nil
}

// compensatingExecutor also satisfies governance.Compensator.
type compensatingExecutor struct {
	executorAdapter
	c Compensator
}

func (a compensatingExecutor) Compensate(ctx context.Context, windowID uuid.UUID, reason string) error {
	return a.c.Compensate(ctx, windowID, reason)
}

// channelAdapter wraps a public NotificationChannel to satisfy notify.Channel.
type channelAdapter struct {
	c NotificationChannel
}

func (a channelAdapter) Name() string { return a.c.Name() }

func (a channelAdapter) Send(ctx context.Context, target string, msg notify.Message, priority notify.Priority) error {
	return a.c.Send(ctx, target, Notification{
		WindowID:  msg.WindowID,
		Tier:      msg.Tier,
		Subject:   msg.Subject,
		Body:      msg.Body,
		State:     string(msg.State),
		Mode:      string(msg.Mode),
		Priority:  string(priority),
		Deadline:  msg.Deadline,
		AckBefore: msg.AckBefore,
	})
}

// authHelper implements AuthHelper using the server's RBAC middleware.
type authHelper struct {
	roleFn server.RoleMiddlewareFn
}

func (a authHelper) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	internal := make([]model.Role, len(roles))
	for i, r := range roles {
		internal[i] = model.Role(r)
	}
	return a.roleFn(internal...)
}

func toPublicEvent(ev model.WindowEvent) WindowEvent {
	return WindowEvent{
		Kind:       ev.Kind,
		WindowID:   ev.WindowID,
		PriorState: string(ev.PriorState),
		NewState:   string(ev.NewState),
		Actor:      ev.Actor,
		At:         ev.At,
		Details:    ev.Details,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
