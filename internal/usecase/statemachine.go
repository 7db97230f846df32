// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
)

// Thresholds configures the pause/resume boundaries. Resume thresholds
// are deliberately wider than pause thresholds (hysteresis) so the scan
// cannot oscillate at a boundary.
type Thresholds struct {
	BatteryPauseBelow      int     // pause when percent drops below this (and not charging)
	BatteryResumeAtOrAbove int     // resume only at or above this; must exceed BatteryPauseBelow
	MaxTempC               float64 // pause when temperature exceeds this
	TempResumeMarginC      float64 // resume once at or below MaxTempC minus this margin
}

// DefaultThresholds returns the calibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BatteryPauseBelow:      20,
		BatteryResumeAtOrAbove: 25,
		MaxTempC:               45.0,
		TempResumeMarginC:      5.0,
	}
}

// Validate rejects threshold pairs that would defeat the hysteresis.
func (t Thresholds) Validate() error {
	if t.BatteryResumeAtOrAbove <= t.BatteryPauseBelow {
		return fmt.Errorf("battery resume threshold (%d) must exceed pause threshold (%d)",
			t.BatteryResumeAtOrAbove, t.BatteryPauseBelow)
	}
	if t.TempResumeMarginC <= 0 {
		return fmt.Errorf("temperature resume margin must be positive, got %.1f", t.TempResumeMarginC)
	}
	return nil
}

// Outcome summarizes one evaluation pass for the driver.
type Outcome struct {
	ScanRunning     bool
	Paused          []domain.PauseCause
	Resumed         []domain.PauseCause
	NetworkRestored bool // outage guard cleared this pass; tunnel needs a restart
}

// StateMachine is the pause/resume decision core. It emits at most one
// pause or resume intent per cause per poll, each backed by exactly one
// Scan Control API call, guarded by the persisted per-cause state.
type StateMachine struct {
	thresholds Thresholds
	guards     domain.GuardStore
	scan       domain.ScanController
	notifier   domain.Notifier
	logger     *zap.Logger
}

// NewStateMachine creates the decision core.
func NewStateMachine(
	thresholds Thresholds,
	guards domain.GuardStore,
	scan domain.ScanController,
	notifier domain.Notifier,
	logger *zap.Logger,
) *StateMachine {
	return &StateMachine{
		thresholds: thresholds,
		guards:     guards,
		scan:       scan,
		notifier:   notifier,
		logger:     logger,
	}
}

// Evaluate runs one decision pass against a single consistent snapshot.
// Causes are evaluated independently and idempotently: a failed API
// call leaves guard state untouched and is retried on the next poll.
func (m *StateMachine) Evaluate(ctx context.Context, snap domain.HealthSnapshot) Outcome {
	outcome := Outcome{ScanRunning: true}

	// Absence or failure of the status endpoint means "assume active":
	// skipping a needed pause is the one mistake this loop must not make.
	if status, err := m.scan.Status(ctx); err != nil {
		m.logger.Debug("scan status unavailable, assuming running", zap.Error(err))
	} else {
		outcome.ScanRunning = status.Running
	}

	if !outcome.ScanRunning {
		// Guards stay untouched across the idle window. A cause that
		// recovers while no scan runs replays its resume transition on
		// the first poll that sees a running scan again, so "active iff
		// paused and not yet resumed" holds without evaluating here.
		m.logger.Debug("no scan running, skipping pause/resume evaluation")
		return outcome
	}

	state, err := m.guards.Load()
	if err != nil {
		m.logger.Warn("guard state unreadable, treating all causes inactive", zap.Error(err))
		state = domain.NewGuardState()
	}

	for _, cause := range domain.AllCauses {
		active := state.IsActive(cause)

		switch cause {
		case domain.CauseNetworkOutage:
			if !snap.Online && !active {
				m.pause(ctx, &state, cause, snap, &outcome)
			} else if snap.Online && active {
				if m.resume(ctx, &state, cause, snap, &outcome) {
					outcome.NetworkRestored = true
				}
			}

		case domain.CauseLowBattery:
			if !snap.BatteryKnown {
				continue
			}
			if snap.BatteryPercent < m.thresholds.BatteryPauseBelow && !snap.Charging && !active {
				m.pause(ctx, &state, cause, snap, &outcome)
			} else if active && (snap.Charging || snap.BatteryPercent >= m.thresholds.BatteryResumeAtOrAbove) {
				m.resume(ctx, &state, cause, snap, &outcome)
			}

		case domain.CauseOverheat:
			if !snap.TemperatureKnown {
				continue
			}
			if snap.TemperatureC > m.thresholds.MaxTempC && !active {
				m.pause(ctx, &state, cause, snap, &outcome)
			} else if active && snap.TemperatureC <= m.thresholds.MaxTempC-m.thresholds.TempResumeMarginC {
				m.resume(ctx, &state, cause, snap, &outcome)
			}
		}
	}

	return outcome
}

// pause sends the pause call and activates the guard only on success.
func (m *StateMachine) pause(ctx context.Context, state *domain.GuardState, cause domain.PauseCause, snap domain.HealthSnapshot, outcome *Outcome) {
	if err := m.scan.Pause(ctx, string(cause)); err != nil {
		m.logger.Warn("pause call failed, will retry next poll",
			zap.String("cause", string(cause)),
			zap.Error(err))
		return
	}

	if err := m.guards.Activate(cause); err != nil {
		// The pause went through; a re-pause next poll is harmless at
		// the API level, so persist failure is logged, not fatal.
		m.logger.Error("failed to persist guard state",
			zap.String("cause", string(cause)),
			zap.Error(err))
	}
	state.Causes[cause] = domain.GuardEntry{Active: true, Since: snap.Timestamp}
	outcome.Paused = append(outcome.Paused, cause)

	m.logger.Info("scan paused", zap.String("cause", string(cause)))
	m.notifier.Notify(ctx, pauseEvent(cause, snap))
}

// resume clears the guard for a cause. The API resume call is sent only
// when this is the last active guard; clearing an earlier cause while
// others remain is a purely local transition. Returns true when the
// guard was cleared.
func (m *StateMachine) resume(ctx context.Context, state *domain.GuardState, cause domain.PauseCause, snap domain.HealthSnapshot, outcome *Outcome) bool {
	last := state.ActiveCount() == 1

	if last {
		if err := m.scan.Resume(ctx, string(cause)); err != nil {
			m.logger.Warn("resume call failed, will retry next poll",
				zap.String("cause", string(cause)),
				zap.Error(err))
			return false
		}
	}

	if err := m.guards.Clear(cause); err != nil {
		m.logger.Error("failed to persist guard state",
			zap.String("cause", string(cause)),
			zap.Error(err))
	}
	delete(state.Causes, cause)
	outcome.Resumed = append(outcome.Resumed, cause)

	m.logger.Info("pause cause cleared",
		zap.String("cause", string(cause)),
		zap.Bool("scan_resumed", last))
	m.notifier.Notify(ctx, resumeEvent(cause, snap, !last))
	return true
}

func pauseEvent(cause domain.PauseCause, snap domain.HealthSnapshot) domain.Event {
	switch cause {
	case domain.CauseNetworkOutage:
		return domain.Event{
			Title:    "Network lost - scan paused",
			Message:  "Connectivity probes failed; the scan is paused until the network returns.",
			Severity: domain.SeverityWarning,
		}
	case domain.CauseLowBattery:
		return domain.Event{
			Title:    "Low battery - scan paused",
			Message:  "Battery is low and the device is not charging.",
			Severity: domain.SeverityWarning,
			Fields:   map[string]string{"Battery": fmt.Sprintf("%d%%", snap.BatteryPercent)},
		}
	default:
		return domain.Event{
			Title:    "Device overheating - scan paused",
			Message:  "Device temperature exceeded the safe ceiling.",
			Severity: domain.SeverityCritical,
			Fields:   map[string]string{"Temperature": fmt.Sprintf("%.1f°C", snap.TemperatureC)},
		}
	}
}

func resumeEvent(cause domain.PauseCause, snap domain.HealthSnapshot, stillPaused bool) domain.Event {
	var event domain.Event
	switch cause {
	case domain.CauseNetworkOutage:
		event = domain.Event{
			Title:    "Network restored",
			Message:  "Connectivity is back.",
			Severity: domain.SeverityInfo,
		}
	case domain.CauseLowBattery:
		event = domain.Event{
			Title:    "Battery recovered",
			Message:  "Battery level is healthy again.",
			Severity: domain.SeverityInfo,
			Fields:   map[string]string{"Battery": fmt.Sprintf("%d%%", snap.BatteryPercent)},
		}
	default:
		event = domain.Event{
			Title:    "Temperature back to normal",
			Message:  "Device has cooled down.",
			Severity: domain.SeverityInfo,
			Fields:   map[string]string{"Temperature": fmt.Sprintf("%.1f°C", snap.TemperatureC)},
		}
	}

	if stillPaused {
		event.Message += " Scan remains paused by other causes."
	} else {
		event.Message += " Scan resumed."
	}
	return event
}
