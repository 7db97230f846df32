// Package daemon implements the resilience controller: the single
// periodic loop that ties sensors, the pause/resume state machine and
// the tunnel supervisor together.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
	"github.com/reconx/resilientd/internal/tunnel"
	"github.com/reconx/resilientd/internal/usecase"
)

// Config holds controller configuration.
type Config struct {
	PollInterval     time.Duration // how often to evaluate health (default 30s)
	StartTunnel      bool          // bring the tunnel up on startup
	ReapStrayTunnels bool          // kill leftover provider processes on startup
}

// DefaultConfig returns default controller configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:     30 * time.Second,
		StartTunnel:      true,
		ReapStrayTunnels: true,
	}
}

// Controller is the periodic driver. It is the only component that
// invokes the state machine and the supervisor's entry points, so all
// decisions are serialized on its loop.
type Controller struct {
	config     Config
	sensors    domain.HealthSensor
	machine    *usecase.StateMachine
	supervisor *tunnel.Supervisor
	providers  []domain.TunnelProvider
	logger     *zap.Logger
}

// NewController creates a resilience controller. The provider list is
// the same one the supervisor runs; it is used to reap stray processes
// from a previous run.
func NewController(
	config Config,
	sensors domain.HealthSensor,
	machine *usecase.StateMachine,
	supervisor *tunnel.Supervisor,
	providers []domain.TunnelProvider,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		config:     config,
		sensors:    sensors,
		machine:    machine,
		supervisor: supervisor,
		providers:  providers,
		logger:     logger,
	}
}

// Run starts the controller loop. It blocks until ctx is canceled;
// cancellation tears down any in-flight tunnel before returning.
// Nothing inside a poll may terminate the loop: a failed poll is
// logged and the next tick proceeds.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("resilience controller started",
		zap.Duration("poll_interval", c.config.PollInterval))

	if c.config.ReapStrayTunnels {
		if n := tunnel.ReapStray(c.providers, c.logger); n > 0 {
			c.logger.Info("reaped stray tunnel processes", zap.Int("count", n))
		}
	}

	// Tunnel bring-up runs off the loop goroutine: a provider that
	// never produces a URL must not delay the first health evaluation.
	// The supervisor mutex serializes it against later entry points.
	if c.config.StartTunnel {
		go func() {
			if err := c.supervisor.Start(ctx); err != nil {
				c.logger.Warn("initial tunnel start failed", zap.Error(err))
			}
		}()
	}

	// First poll runs immediately; afterwards the ticker drives.
	c.poll(ctx)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("resilience controller stopping")
			c.supervisor.Stop()
			return ctx.Err()

		case <-ticker.C:
			c.poll(ctx)
			// A poll that overran the interval leaves a tick queued.
			// Drain it so slow polls skip ticks instead of piling up.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// poll executes one evaluation pass.
func (c *Controller) poll(ctx context.Context) {
	snap := c.sensors.Snapshot(ctx)

	c.logger.Debug("health snapshot",
		zap.Bool("online", snap.Online),
		zap.Bool("battery_known", snap.BatteryKnown),
		zap.Int("battery_percent", snap.BatteryPercent),
		zap.Bool("charging", snap.Charging),
		zap.Bool("temperature_known", snap.TemperatureKnown),
		zap.Float64("temperature_c", snap.TemperatureC))

	outcome := c.machine.Evaluate(ctx, snap)

	// The tunnel process is assumed dead or stale after an outage;
	// restoration gets exactly one stop+start cycle. The restart runs
	// in its own goroutine so the URL wait cannot stall pause/resume
	// evaluation on subsequent ticks.
	if outcome.NetworkRestored {
		c.logger.Info("network restored, restarting tunnel")
		go func() {
			if err := c.supervisor.Restart(ctx); err != nil {
				c.logger.Error("tunnel restart after restoration failed", zap.Error(err))
			}
		}()
	}
}
