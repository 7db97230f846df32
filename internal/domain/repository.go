package domain

import "context"

// HealthSensor produces one consistent snapshot per poll.
// Individual readings that fail come back as "unknown" rather than an
// error; Snapshot itself never fails.
type HealthSensor interface {
	Snapshot(ctx context.Context) HealthSnapshot
}

// GuardStore persists per-cause pause guards across controller restarts.
// Implementation: versioned JSON file with atomic (temp+rename) writes.
type GuardStore interface {
	// Load reads the persisted state. A missing record yields an empty
	// state; an unparseable one yields ErrCorruptState.
	Load() (GuardState, error)

	// Activate marks a cause active and persists the change.
	Activate(cause PauseCause) error

	// Clear marks a cause inactive and persists the change.
	Clear(cause PauseCause) error

	// StatePath returns the backing file path (for status output and tests).
	StatePath() string
}

// ScanController is the consumed Scan Control API.
// Pause and Resume are idempotent from the controller's perspective.
type ScanController interface {
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context, reason string) error

	// Status reports whether a scan is currently active. Callers must
	// treat an error as "assume running" to fail toward safety.
	Status(ctx context.Context) (ScanRuntimeStatus, error)
}

// TunnelProvider is one interchangeable remote-access mechanism.
type TunnelProvider interface {
	// Name returns the binary/display name (e.g. "cloudflared").
	Name() string

	// Kind returns the provider enum value.
	Kind() ProviderKind

	// Available reports whether the provider can be attempted on this
	// host (binary present, etc.).
	Available() bool

	// CommandArgs returns the argv (program first) that exposes the
	// given local port.
	CommandArgs(localPort int) []string

	// AwaitURL blocks until the provider's public URL is discovered,
	// reading the process log at logPath, or fails when ctx is done.
	AwaitURL(ctx context.Context, logPath string) (string, error)
}

// TunnelStatusSink receives tunnel state reports for external consumers.
type TunnelStatusSink interface {
	Report(status TunnelStatus) error
}

// Notifier delivers human-readable events to external channels.
// Delivery failures are logged by implementations, never propagated.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// KeyProvider abstracts the source of the secret-store encryption key.
type KeyProvider interface {
	GetKey() ([]byte, error)
	StoreKey(key []byte) error
	KeyExists() bool
}

// SecretStore provides encrypted persistent storage for notification
// credentials (webhook URLs, bot tokens).
type SecretStore interface {
	GetSecret(key string) (string, error)
	SetSecret(key, value string) error
	GetAllSecrets() (map[string]string, error)
	Close() error
}
