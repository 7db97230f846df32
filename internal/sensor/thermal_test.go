package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedSensorTemps(stats []host.TemperatureStat, err error) func(ctx context.Context) ([]host.TemperatureStat, error) {
	return func(ctx context.Context) ([]host.TemperatureStat, error) {
		return stats, err
	}
}

func TestThermalReadPicksHottestSensor(t *testing.T) {
	reader := NewThermalReader("", zap.NewNop())
	reader.sensorTemps = fixedSensorTemps([]host.TemperatureStat{
		{SensorKey: "cpu-0", Temperature: 38.5},
		{SensorKey: "battery", Temperature: 41.2},
		{SensorKey: "gpu", Temperature: 35.0},
	}, nil)

	temp, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 41.2, temp, 0.01)
}

func TestThermalReadIgnoresImplausibleSensors(t *testing.T) {
	reader := NewThermalReader("", zap.NewNop())
	reader.sensorTemps = fixedSensorTemps([]host.TemperatureStat{
		{SensorKey: "dead", Temperature: 0},
		{SensorKey: "negative", Temperature: -40},
		{SensorKey: "bogus", Temperature: 6500},
		{SensorKey: "cpu", Temperature: 37.0},
	}, nil)

	temp, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 37.0, temp, 0.01)
}

func TestThermalReadAllSensorsDeadFailsOver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "thermal_zone0"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thermal_zone0", "temp"), []byte("43500\n"), 0600))

	reader := NewThermalReader(filepath.Join(dir, "thermal_zone*", "temp"), zap.NewNop())
	reader.sensorTemps = fixedSensorTemps([]host.TemperatureStat{
		{SensorKey: "dead", Temperature: 0},
	}, nil)

	temp, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 43.5, temp, 0.01)
}

func TestThermalReadSysfsMillidegreesScaled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "thermal_zone0"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "thermal_zone1"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thermal_zone0", "temp"), []byte("38000"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thermal_zone1", "temp"), []byte("46000"), 0600))

	reader := NewThermalReader(filepath.Join(dir, "thermal_zone*", "temp"), zap.NewNop())
	reader.sensorTemps = fixedSensorTemps(nil, errors.New("not supported"))

	temp, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 46.0, temp, 0.01)
}

func TestThermalReadSysfsPlainDegrees(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "thermal_zone0"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thermal_zone0", "temp"), []byte("44"), 0600))

	reader := NewThermalReader(filepath.Join(dir, "thermal_zone*", "temp"), zap.NewNop())
	reader.sensorTemps = fixedSensorTemps(nil, errors.New("not supported"))

	temp, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 44.0, temp, 0.01)
}

func TestThermalReadNothingAvailable(t *testing.T) {
	reader := NewThermalReader(filepath.Join(t.TempDir(), "thermal_zone*", "temp"), zap.NewNop())
	reader.sensorTemps = fixedSensorTemps(nil, errors.New("not supported"))

	_, err := reader.Read(context.Background())
	assert.Error(t, err)
}
