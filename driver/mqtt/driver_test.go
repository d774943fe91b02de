package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

func TestNewRejectsWrongProtocol(t *testing.T) {
	_, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolModbus})
	assert.Error(t, err)
}

func TestNewSetsBrokerFromEndpoint(t *testing.T) {
	drv, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolMQTT, Endpoint: "tcp://broker:1883"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolMQTT, drv.GetProtocolType())
	assert.Equal(t, "tcp://broker:1883", drv.(*Driver).broker)
}

func TestReadValuesWhileDisconnectedReturnsNotConnected(t *testing.T) {
	drv, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolMQTT})
	require.NoError(t, err)

	_, err = drv.ReadValues(context.Background(), []string{"sensors/temp-1"})
	require.Error(t, err)
	var de *driver.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, driver.ErrorKindNotConnected, de.Kind)
}

func TestWriteValueBeforeConnectIsNotConnected(t *testing.T) {
	drv, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolMQTT})
	require.NoError(t, err)

	err = drv.WriteValue(context.Background(), driver.WriteRequest{Address: "sensors/temp-1", Value: 1})
	require.Error(t, err)
	var de *driver.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, driver.ErrorKindNotConnected, de.Kind)
}

func TestSubscribeBeforeConnectIsNotConnected(t *testing.T) {
	drv, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolMQTT})
	require.NoError(t, err)

	concrete := drv.(*Driver)
	err = concrete.Subscribe("sensors/temp-1", func(b []byte) (float64, error) { return 0, nil })
	require.Error(t, err)
	var de *driver.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, driver.ErrorKindNotConnected, de.Kind)
}
