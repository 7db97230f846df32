package tunnel

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
)

// ReapStray finds and terminates tunnel provider processes left behind
// by a previous run (or started detached from the CLI). Matching is
// restricted to executable names, never free-form arguments: a command
// line that merely mentions a provider (this daemon's own --providers
// flag, a shell, an editor) must survive. The reaper also never touches
// its own process or its parent. Returns the number of processes
// terminated.
func ReapStray(providers []domain.TunnelProvider, logger *zap.Logger) int {
	procs, err := process.Processes()
	if err != nil {
		logger.Warn("cannot enumerate processes", zap.Error(err))
		return 0
	}

	names := ProviderNames(providers)
	self := os.Getpid()
	parent := os.Getppid()

	killed := 0
	for _, p := range procs {
		pid := int(p.Pid)
		if pid == self || pid == parent {
			continue
		}
		if !matchesProvider(p, names) {
			continue
		}

		logger.Info("terminating stray tunnel process", zap.Int("pid", pid))
		if err := p.Terminate(); err != nil {
			logger.Debug("SIGTERM failed, trying SIGKILL", zap.Int("pid", pid), zap.Error(err))
			if err := p.Kill(); err != nil {
				logger.Warn("failed to kill stray tunnel process", zap.Int("pid", pid), zap.Error(err))
				continue
			}
		}
		killed++
	}

	if killed > 0 {
		// Give the group a moment to die before a new session starts.
		time.Sleep(500 * time.Millisecond)
	}
	return killed
}

// matchesProvider compares only executable tokens against the provider
// names: the process name, the argv[0] basename, and, when argv[0] is a
// node interpreter, the script it runs (npx wraps localtunnel that way).
func matchesProvider(p *process.Process, names []string) bool {
	name, err := p.Name()
	if err != nil {
		return false
	}

	candidates := []string{name}
	if args, err := p.CmdlineSlice(); err == nil && len(args) > 0 {
		argv0 := filepath.Base(args[0])
		candidates = append(candidates, argv0)
		if isNodeInterpreter(argv0) && len(args) > 1 {
			candidates = append(candidates, filepath.Base(args[1]))
		}
	}

	for _, want := range names {
		for _, candidate := range candidates {
			if strings.EqualFold(candidate, want) {
				return true
			}
		}
	}
	return false
}

func isNodeInterpreter(name string) bool {
	switch strings.ToLower(name) {
	case "node", "nodejs", "npx":
		return true
	}
	return false
}

// ProviderNames returns the display names for a provider set.
func ProviderNames(providers []domain.TunnelProvider) []string {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	return names
}
