// Package sensor implements best-effort device health readings.
// Every accessor degrades to an "unknown" reading instead of failing;
// the state machine treats unknown as "do not trigger on this cause".
package sensor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
)

// Config holds sensor wiring. All fields have working defaults for a
// Termux/Android host; tests override them.
type Config struct {
	// ProbeAddrs are TCP endpoints tried in order for the connectivity
	// check. At least two independent endpoints avoid a false negative
	// from a single endpoint outage.
	ProbeAddrs []string

	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	// BatteryCommand is the executable queried for battery state.
	BatteryCommand string

	// PowerSupplyDir is the sysfs fallback for battery readings.
	PowerSupplyDir string

	// ThermalZoneGlob matches sysfs thermal zone temperature files.
	ThermalZoneGlob string
}

// DefaultConfig returns sensor defaults for a Termux host.
func DefaultConfig() Config {
	return Config{
		ProbeAddrs: []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
			"9.9.9.9:53",
		},
		ProbeTimeout:    5 * time.Second,
		BatteryCommand:  "termux-battery-status",
		PowerSupplyDir:  "/sys/class/power_supply/battery",
		ThermalZoneGlob: "/sys/class/thermal/thermal_zone*/temp",
	}
}

// Sensors composes the individual health accessors into one snapshot
// per poll.
type Sensors struct {
	connectivity *ConnectivityProbe
	battery      *BatteryReader
	thermal      *ThermalReader
	logger       *zap.Logger
}

// New creates the composite sensor set.
func New(config Config, logger *zap.Logger) *Sensors {
	return &Sensors{
		connectivity: NewConnectivityProbe(config.ProbeAddrs, config.ProbeTimeout, logger),
		battery:      NewBatteryReader(config.BatteryCommand, config.PowerSupplyDir, logger),
		thermal:      NewThermalReader(config.ThermalZoneGlob, logger),
		logger:       logger,
	}
}

// Snapshot produces one immutable HealthSnapshot. Reads run serially so
// every cause is evaluated against a consistent view; none of them can
// fail the snapshot.
func (s *Sensors) Snapshot(ctx context.Context) domain.HealthSnapshot {
	snap := domain.HealthSnapshot{Timestamp: time.Now()}

	snap.Online = s.connectivity.Online(ctx)

	battery, err := s.battery.Read(ctx)
	if err != nil {
		s.logger.Debug("battery reading unavailable", zap.Error(err))
	} else {
		snap.BatteryKnown = true
		snap.BatteryPercent = battery.Percent
		snap.Charging = battery.Charging
	}

	tempC, err := s.thermal.Read(ctx)
	if err != nil {
		s.logger.Debug("thermal reading unavailable", zap.Error(err))
	} else {
		snap.TemperatureKnown = true
		snap.TemperatureC = tempC
	}

	return snap
}

// Ensure Sensors implements domain.HealthSensor.
var _ domain.HealthSensor = (*Sensors)(nil)
