package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// batteryCommandTimeout bounds the Termux API call; the am broadcast it
// rides on can hang when the API app is not installed.
const batteryCommandTimeout = 5 * time.Second

// BatteryReading is the parsed battery state.
type BatteryReading struct {
	Percent  int
	Charging bool
}

// BatteryReader reads battery state from the Termux API with a sysfs
// fallback for non-Termux hosts.
type BatteryReader struct {
	command        string
	powerSupplyDir string
	logger         *zap.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, name string) ([]byte, error)
}

// NewBatteryReader creates a battery reader.
func NewBatteryReader(command, powerSupplyDir string, logger *zap.Logger) *BatteryReader {
	return &BatteryReader{
		command:        command,
		powerSupplyDir: powerSupplyDir,
		logger:         logger,
		runCommand:     runBatteryCommand,
	}
}

// termuxBatteryStatus matches the termux-battery-status JSON output.
type termuxBatteryStatus struct {
	Percentage int    `json:"percentage"`
	Status     string `json:"status"`
	Plugged    string `json:"plugged"`
}

// Read returns the current battery reading, preferring the Termux API.
func (r *BatteryReader) Read(ctx context.Context) (BatteryReading, error) {
	if reading, err := r.readTermux(ctx); err == nil {
		return reading, nil
	} else {
		r.logger.Debug("termux battery query failed, trying sysfs", zap.Error(err))
	}
	return r.readSysfs()
}

func (r *BatteryReader) readTermux(ctx context.Context) (BatteryReading, error) {
	out, err := r.runCommand(ctx, r.command)
	if err != nil {
		return BatteryReading{}, err
	}

	var status termuxBatteryStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return BatteryReading{}, fmt.Errorf("unexpected battery status output: %w", err)
	}
	if status.Percentage < 0 || status.Percentage > 100 {
		return BatteryReading{}, fmt.Errorf("battery percentage out of range: %d", status.Percentage)
	}

	charging := strings.EqualFold(status.Status, "CHARGING") ||
		strings.EqualFold(status.Status, "FULL") ||
		strings.HasPrefix(strings.ToUpper(status.Plugged), "PLUGGED")

	return BatteryReading{Percent: status.Percentage, Charging: charging}, nil
}

func (r *BatteryReader) readSysfs() (BatteryReading, error) {
	capData, err := os.ReadFile(filepath.Join(r.powerSupplyDir, "capacity"))
	if err != nil {
		return BatteryReading{}, err
	}
	percent, err := strconv.Atoi(strings.TrimSpace(string(capData)))
	if err != nil {
		return BatteryReading{}, fmt.Errorf("unparseable battery capacity: %w", err)
	}
	if percent < 0 || percent > 100 {
		return BatteryReading{}, fmt.Errorf("battery capacity out of range: %d", percent)
	}

	charging := false
	if statusData, err := os.ReadFile(filepath.Join(r.powerSupplyDir, "status")); err == nil {
		s := strings.TrimSpace(string(statusData))
		charging = strings.EqualFold(s, "Charging") || strings.EqualFold(s, "Full")
	}

	return BatteryReading{Percent: percent, Charging: charging}, nil
}

func runBatteryCommand(ctx context.Context, name string) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, batteryCommandTimeout)
	defer cancel()
	return exec.CommandContext(cmdCtx, name).Output()
}
