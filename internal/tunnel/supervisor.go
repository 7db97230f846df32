package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
)

// Config holds supervisor settings. Zero ambient state: everything the
// supervisor touches is named here.
type Config struct {
	Providers      []domain.ProviderKind // priority order
	LocalPort      int                   // local service the tunnel exposes
	URLWaitTimeout time.Duration         // bound on URL discovery per provider
	StopTimeout    time.Duration         // SIGTERM grace before SIGKILL
	RestartBackoff time.Duration         // pause between stop and start on restart
	MaxRestarts    int                   // automatic restarts allowed per window
	RestartWindow  time.Duration         // sliding window for the restart budget
	LogDir         string                // per-attempt provider logs
	Detach         bool                  // start sessions that outlive this process (CLI one-shots)
}

// DefaultConfig returns supervisor defaults.
func DefaultConfig(stateDir string) Config {
	return Config{
		Providers: []domain.ProviderKind{
			domain.ProviderCloudflare,
			domain.ProviderNgrok,
			domain.ProviderLocalTunnel,
		},
		LocalPort:      8000,
		URLWaitTimeout: 45 * time.Second,
		StopTimeout:    5 * time.Second,
		RestartBackoff: 3 * time.Second,
		MaxRestarts:    5,
		RestartWindow:  10 * time.Minute,
		LogDir:         filepath.Join(stateDir, "tunnel-logs"),
	}
}

// ProvidersFromKinds resolves a priority-ordered kind list into
// provider implementations.
func ProvidersFromKinds(kinds []domain.ProviderKind) ([]domain.TunnelProvider, error) {
	providers := make([]domain.TunnelProvider, 0, len(kinds))
	for _, kind := range kinds {
		p, err := ProviderFor(kind)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// Supervisor owns the single TunnelSession. All entry points are
// serialized by one mutex: a start in progress blocks a new start until
// it resolves.
type Supervisor struct {
	config    Config
	providers []domain.TunnelProvider
	sink      domain.TunnelStatusSink
	notifier  domain.Notifier
	logger    *zap.Logger

	mu       sync.Mutex
	session  *domain.TunnelSession
	cmd      *exec.Cmd
	waitDone chan struct{}
	restarts []time.Time
	terminal bool
}

// NewSupervisor creates a tunnel supervisor over the given providers.
func NewSupervisor(
	config Config,
	providers []domain.TunnelProvider,
	sink domain.TunnelStatusSink,
	notifier domain.Notifier,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		config:    config,
		providers: providers,
		sink:      sink,
		notifier:  notifier,
		logger:    logger,
	}
}

// Session returns a copy of the current session, if any.
func (s *Supervisor) Session() *domain.TunnelSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	copied := *s.session
	return &copied
}

// Start attempts providers in priority order until one produces a URL.
// An existing session is superseded. Returns ErrProvidersExhausted when
// every provider fails.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	// A start racing shutdown must not spawn a fresh process.
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.session != nil {
		s.stopLocked()
	}

	for _, provider := range s.providers {
		if !provider.Available() {
			s.logger.Debug("tunnel provider not available",
				zap.String("provider", provider.Name()))
			continue
		}

		s.logger.Info("attempting tunnel provider",
			zap.String("provider", provider.Name()))

		if err := s.attemptLocked(ctx, provider); err != nil {
			s.logger.Warn("tunnel provider attempt failed",
				zap.String("provider", provider.Name()),
				zap.Error(err))
			continue
		}

		s.logger.Info("tunnel active",
			zap.String("provider", provider.Name()),
			zap.String("url", s.session.PublicURL))
		return nil
	}

	if err := s.sink.Report(domain.TunnelStatus{Active: false}); err != nil {
		s.logger.Warn("failed to report tunnel status", zap.Error(err))
	}
	s.notifier.Notify(ctx, domain.Event{
		Title:    "Tunnel failed",
		Message:  "No tunnel provider could establish remote access.",
		Severity: domain.SeverityCritical,
	})
	return domain.ErrProvidersExhausted
}

// attemptLocked spawns one provider process and waits (bounded) for its
// public URL. On failure the process is torn down before returning.
func (s *Supervisor) attemptLocked(ctx context.Context, provider domain.TunnelProvider) error {
	if err := os.MkdirAll(s.config.LogDir, 0700); err != nil {
		return fmt.Errorf("failed to create tunnel log dir: %w", err)
	}

	logPath := filepath.Join(s.config.LogDir,
		fmt.Sprintf("%s-%s.log", provider.Name(), time.Now().Format("20060102-150405")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create tunnel log: %w", err)
	}

	args := provider.CommandArgs(s.config.LocalPort)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	if s.config.Detach {
		// New session so the tunnel survives a one-shot CLI exit.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	} else {
		// Own process group so termination reaches npx-style children.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start %s: %w", provider.Name(), err)
	}
	logFile.Close()

	sessionID := uuid.NewString()
	var waitDone chan struct{}
	if !s.config.Detach {
		waitDone = make(chan struct{})
		go s.monitor(cmd, waitDone, sessionID)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, s.config.URLWaitTimeout)
	url, err := provider.AwaitURL(awaitCtx, logPath)
	cancel()
	if err != nil {
		s.killGroup(cmd.Process.Pid, waitDone)
		return err
	}

	s.session = &domain.TunnelSession{
		ID:        sessionID,
		Provider:  provider.Kind(),
		PID:       cmd.Process.Pid,
		PublicURL: url,
		StartedAt: time.Now(),
		LogPath:   logPath,
	}
	s.cmd = cmd
	s.waitDone = waitDone

	if err := s.sink.Report(domain.TunnelStatus{
		Active:   true,
		Provider: provider.Kind(),
		URL:      url,
	}); err != nil {
		s.logger.Warn("failed to persist tunnel URL", zap.Error(err))
	}

	s.notifier.Notify(ctx, domain.Event{
		Title:    "Remote access enabled",
		Message:  fmt.Sprintf("%s tunnel is now active.", provider.Name()),
		Severity: domain.SeverityInfo,
		Fields: map[string]string{
			"URL":   url,
			"Local": fmt.Sprintf("http://localhost:%d", s.config.LocalPort),
		},
	})
	return nil
}

// monitor waits for process exit and drives the automatic restart path
// when the exit was not requested.
func (s *Supervisor) monitor(cmd *exec.Cmd, done chan struct{}, sessionID string) {
	err := cmd.Wait()
	close(done)

	s.mu.Lock()
	current := s.session != nil && s.session.ID == sessionID
	s.mu.Unlock()
	if !current {
		return // stopped or superseded deliberately
	}

	s.logger.Warn("tunnel process exited unexpectedly", zap.Error(err))
	s.handleUnexpectedExit(sessionID)
}

func (s *Supervisor) handleUnexpectedExit(sessionID string) {
	s.mu.Lock()
	if s.session == nil || s.session.ID != sessionID {
		s.mu.Unlock()
		return
	}
	s.session = nil
	s.cmd = nil
	s.waitDone = nil
	if err := s.sink.Report(domain.TunnelStatus{Active: false}); err != nil {
		s.logger.Warn("failed to report tunnel status", zap.Error(err))
	}

	now := time.Now()
	s.pruneRestartsLocked(now)
	if len(s.restarts) >= s.config.MaxRestarts {
		s.terminal = true
		s.mu.Unlock()
		s.logger.Error("tunnel restart budget exhausted, giving up until next trigger",
			zap.Int("max_restarts", s.config.MaxRestarts),
			zap.Duration("window", s.config.RestartWindow))
		s.notifier.Notify(context.Background(), domain.Event{
			Title:    "Tunnel failed permanently",
			Message:  "The tunnel kept dying and the restart budget is exhausted. No further automatic retries until connectivity is restored or a manual restart.",
			Severity: domain.SeverityCritical,
		})
		return
	}
	s.restarts = append(s.restarts, now)
	s.mu.Unlock()

	time.Sleep(s.config.RestartBackoff)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.session != nil {
		return
	}
	if err := s.startLocked(context.Background()); err != nil {
		s.logger.Error("automatic tunnel restart failed", zap.Error(err))
	}
}

// Restart is the explicit trigger (network restoration or CLI). It
// clears the terminal state and always performs one stop+start cycle.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminal = false
	now := time.Now()
	s.pruneRestartsLocked(now)
	s.restarts = append(s.restarts, now)

	s.stopLocked()
	time.Sleep(s.config.RestartBackoff)
	return s.startLocked(ctx)
}

// Stop terminates the tracked process and clears the persisted URL.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	if s.session == nil && s.cmd == nil {
		return
	}

	cmd := s.cmd
	waitDone := s.waitDone
	// Clearing the session first tells the monitor goroutine this exit
	// is expected.
	s.session = nil
	s.cmd = nil
	s.waitDone = nil

	if cmd != nil && cmd.Process != nil {
		s.killGroup(cmd.Process.Pid, waitDone)
	}

	if err := s.sink.Report(domain.TunnelStatus{Active: false}); err != nil {
		s.logger.Warn("failed to clear tunnel URL", zap.Error(err))
	}
}

// killGroup terminates a process group: SIGTERM, bounded wait, SIGKILL.
func (s *Supervisor) killGroup(pid int, waitDone chan struct{}) {
	if pid <= 0 {
		return
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM failed", zap.Int("pid", pid), zap.Error(err))
	}

	if waitDone == nil {
		return // detached session, nothing to wait on
	}

	select {
	case <-waitDone:
		return
	case <-time.After(s.config.StopTimeout):
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		s.logger.Debug("SIGKILL failed", zap.Int("pid", pid), zap.Error(err))
	}
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		s.logger.Warn("tunnel process did not exit after SIGKILL", zap.Int("pid", pid))
	}
}

func (s *Supervisor) pruneRestartsLocked(now time.Time) {
	cutoff := now.Add(-s.config.RestartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
}
