package kansa

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	store           string
	policyFile      string
	logger          *slog.Logger
	version         string
	executor        Executor
	eventHooks      []EventHook
	channels        []NotificationChannel
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (KANSA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN/NOTIFY requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithStore selects the storage backend: "postgres", "sqlite" or "memory"
// (KANSA_STORE env var).
func WithStore(store string) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithPolicyFile loads the policy table from a YAML file and watches it for
// changes (KANSA_POLICY_FILE env var).
func WithPolicyFile(path string) Option {
	return func(o *resolvedOptions) { o.policyFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExecutor sets the executor for authorized windows. Only the last call
// wins. If the executor also implements Compensator, failed executions are
// compensated.
func WithExecutor(e Executor) Option {
	return func(o *resolvedOptions) { o.executor = e }
}

// WithEventHook registers a hook that receives every window event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithNotificationChannel adds an operator alert channel. The log channel
// and the configured webhook stay registered.
func WithNotificationChannel(c NotificationChannel) Option {
	return func(o *resolvedOptions) { o.channels = append(o.channels, c) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// The first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
