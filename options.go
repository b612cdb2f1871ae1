package monban

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	actuator    Actuator
	scanner     ContentScanner
	verifier    SignatureVerifier
	auditStore  AuditStore
	checkers    []Checker
	hooks       []DecisionHook
}

// WithPort overrides the TCP port from config (MONBAN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
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

// WithActuator sets the actuator invoked for approved mutating decisions.
// Only the last call wins. Without this option the App runs in dry-run
// mode: approved actions are logged but nothing is actuated.
func WithActuator(a Actuator) Option {
	return func(o *resolvedOptions) { o.actuator = a }
}

// WithContentScanner replaces the built-in adversarial-pattern scanner.
// Only the last call wins.
func WithContentScanner(s ContentScanner) Option {
	return func(o *resolvedOptions) { o.scanner = s }
}

// WithSignatureVerifier replaces the built-in Ed25519 attestation
// verifier. Only the last call wins. Registering approver keys through
// the agents API has no effect when a custom verifier is installed.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(o *resolvedOptions) { o.verifier = v }
}

// WithAuditStore replaces Postgres as the audit recorder's backend.
// Only the last call wins. The audit read endpoints still serve from
// Postgres; a custom store owns the authoritative chain.
func WithAuditStore(s AuditStore) Option {
	return func(o *resolvedOptions) { o.auditStore = s }
}

// WithCheckers replaces the checker-agent roster from config (MONBAN_CHECKERS env var).
func WithCheckers(checkers ...Checker) Option {
	return func(o *resolvedOptions) { o.checkers = append([]Checker(nil), checkers...) }
}

// WithDecisionHook registers a hook to receive decision lifecycle notifications.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithDecisionHook(hook DecisionHook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, hook) }
}
