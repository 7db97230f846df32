// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"time"
)

// PauseCause identifies why the scan was (or should be) paused.
// Causes are tracked independently; several may be active at once.
type PauseCause string

const (
	CauseNetworkOutage PauseCause = "network_outage"
	CauseLowBattery    PauseCause = "low_battery"
	CauseOverheat      PauseCause = "overheat"
)

// AllCauses lists every pause cause in evaluation order.
var AllCauses = []PauseCause{CauseNetworkOutage, CauseLowBattery, CauseOverheat}

// HealthSnapshot is one poll's view of device health.
// Produced fresh each poll and never merged across polls.
// Unknown readings are reported via the *Known flags; a cause whose
// reading is unknown must never trigger.
type HealthSnapshot struct {
	Online           bool
	BatteryPercent   int
	BatteryKnown     bool
	Charging         bool
	TemperatureC     float64
	TemperatureKnown bool
	Timestamp        time.Time
}

// GuardEntry records that a pause for one cause has been sent and not
// yet resumed.
type GuardEntry struct {
	Active bool      `json:"active"`
	Since  time.Time `json:"since"`
}

// GuardState maps each cause to its persisted guard entry.
// Invariant: a cause is active iff the corresponding pause request was
// sent to the Scan Control API and no resume has since succeeded.
type GuardState struct {
	Version int                       `json:"version"`
	Causes  map[PauseCause]GuardEntry `json:"causes"`
}

// NewGuardState returns an empty state with all causes inactive.
func NewGuardState() GuardState {
	return GuardState{
		Version: 1,
		Causes:  make(map[PauseCause]GuardEntry),
	}
}

// IsActive reports whether the guard for cause is set.
func (s GuardState) IsActive(cause PauseCause) bool {
	return s.Causes[cause].Active
}

// ActiveCount returns the number of active guards.
func (s GuardState) ActiveCount() int {
	n := 0
	for _, e := range s.Causes {
		if e.Active {
			n++
		}
	}
	return n
}

// ProviderKind identifies a tunnel provider variant.
type ProviderKind string

const (
	ProviderCloudflare  ProviderKind = "cloudflare"
	ProviderNgrok       ProviderKind = "ngrok"
	ProviderLocalTunnel ProviderKind = "localtunnel"
)

// TunnelSession is one live tunnel process. Owned exclusively by the
// supervisor; at most one exists at a time.
type TunnelSession struct {
	ID        string
	Provider  ProviderKind
	PID       int
	PublicURL string
	StartedAt time.Time
	LogPath   string
}

// TunnelStatus is what the supervisor reports to the status sink and
// what the dashboard reads.
type TunnelStatus struct {
	Active   bool         `json:"active"`
	Provider ProviderKind `json:"provider,omitempty"`
	URL      string       `json:"url,omitempty"`
}

// ScanRuntimeStatus is read from the external Scan Control API.
type ScanRuntimeStatus struct {
	Running bool `json:"running"`
}

// Severity grades a notification event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a human-readable notification delivered to external sinks.
type Event struct {
	Title    string
	Message  string
	Severity Severity
	Fields   map[string]string
	At       time.Time
}

// Sentinel errors used for CLI exit-code mapping.
var (
	// ErrProvidersExhausted means every configured tunnel provider
	// failed to produce a URL within its attempt window.
	ErrProvidersExhausted = errors.New("all tunnel providers exhausted")

	// ErrAPIUnreachable means the Scan Control API could not be
	// reached or returned a non-success status.
	ErrAPIUnreachable = errors.New("scan control API unreachable")

	// ErrCorruptState means a persisted state record could not be
	// parsed.
	ErrCorruptState = errors.New("corrupt state record")
)
