package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/collector/config"
	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

// minimalConfig builds a config with no devices and no external
// dependencies, so New/Start/Stop can be exercised without a real driver,
// database, or Redis instance.
func minimalConfig() *config.Config {
	return &config.Config{}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNewBuildsWithNoExternalDependencies(t *testing.T) {
	rt, err := New(Options{Config: minimalConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	assert.NotNil(t, rt.Cache())
	assert.NotNil(t, rt.Alarms())
	assert.NotNil(t, rt.Events())
}

func TestStartStopWithNoDevicesIsClean(t *testing.T) {
	rt, err := New(Options{Config: minimalConfig()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	assert.Empty(t, rt.DeviceIDs())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	assert.NoError(t, rt.Stop(stopCtx))
}

func TestWriteValueToUnknownDeviceErrors(t *testing.T) {
	rt, err := New(Options{Config: minimalConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	err = rt.WriteValue(context.Background(), "missing-device", driver.WriteRequest{Address: "40001"}, 0)
	assert.Error(t, err)
}

func TestAcknowledgeUnknownOccurrenceErrors(t *testing.T) {
	rt, err := New(Options{Config: minimalConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	err = rt.Acknowledge("missing-rule", domain.PointID{Kind: domain.PointKindData, ID: "temp-1"}, "operator1")
	assert.Error(t, err)
}

func TestShelveUnknownOccurrenceErrors(t *testing.T) {
	rt, err := New(Options{Config: minimalConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	err = rt.Shelve("missing-rule", domain.PointID{Kind: domain.PointKindData, ID: "temp-1"}, time.Now().Add(time.Hour), "operator1")
	assert.Error(t, err)
}

func TestSuppressUnknownOccurrenceErrors(t *testing.T) {
	rt, err := New(Options{Config: minimalConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	err = rt.Suppress("missing-rule", domain.PointID{Kind: domain.PointKindData, ID: "temp-1"}, "operator1")
	assert.Error(t, err)
}

func TestHealthReturnsOverallStatus(t *testing.T) {
	rt, err := New(Options{Config: minimalConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	snap := rt.Health(context.Background())
	assert.NotEmpty(t, snap.Overall)
}
