package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"
)

// ThermalReader reads the device temperature via gopsutil sensors with
// a sysfs thermal-zone fallback.
type ThermalReader struct {
	zoneGlob string
	logger   *zap.Logger

	// sensorTemps is swappable for tests.
	sensorTemps func(ctx context.Context) ([]host.TemperatureStat, error)
}

// NewThermalReader creates a thermal reader.
func NewThermalReader(zoneGlob string, logger *zap.Logger) *ThermalReader {
	return &ThermalReader{
		zoneGlob:    zoneGlob,
		logger:      logger,
		sensorTemps: host.SensorsTemperaturesWithContext,
	}
}

// Read returns the hottest plausible reading in Celsius. The hottest
// zone is what matters for the overheat cause.
func (r *ThermalReader) Read(ctx context.Context) (float64, error) {
	if temp, err := r.readSensors(ctx); err == nil {
		return temp, nil
	} else {
		r.logger.Debug("gopsutil sensors unavailable, trying sysfs", zap.Error(err))
	}
	return r.readSysfs()
}

func (r *ThermalReader) readSensors(ctx context.Context) (float64, error) {
	stats, err := r.sensorTemps(ctx)
	if err != nil {
		return 0, err
	}

	max := 0.0
	found := false
	for _, stat := range stats {
		// Readings at or below zero are dead sensors on phone SoCs.
		if stat.Temperature > 0 && stat.Temperature < 150 {
			found = true
			if stat.Temperature > max {
				max = stat.Temperature
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("no usable temperature sensors")
	}
	return max, nil
}

func (r *ThermalReader) readSysfs() (float64, error) {
	zones, err := filepath.Glob(r.zoneGlob)
	if err != nil || len(zones) == 0 {
		return 0, fmt.Errorf("no thermal zones matching %s", r.zoneGlob)
	}

	max := 0.0
	found := false
	for _, zone := range zones {
		data, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		raw, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		// Zones report millidegrees above 1000.
		if raw > 1000 {
			raw = raw / 1000
		}
		if raw > 0 && raw < 150 {
			found = true
			if raw > max {
				max = raw
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("no readable thermal zones")
	}
	return max, nil
}
