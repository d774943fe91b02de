package bacnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		name   string
		addr   string
		want   objectAddress
		errMsg string
	}{
		{name: "analog input", addr: "analog-input:3:present-value", want: objectAddress{objectType: "analog-input", instance: 3, property: "present-value"}},
		{name: "binary output", addr: "binary-output:0:present-value", want: objectAddress{objectType: "binary-output", instance: 0, property: "present-value"}},
		{name: "missing segment", addr: "analog-input:3", errMsg: "invalid bacnet address"},
		{name: "non-numeric instance", addr: "analog-input:x:present-value", errMsg: "invalid bacnet instance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseAddress(tc.addr)
			if tc.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewRejectsWrongProtocol(t *testing.T) {
	_, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolModbus})
	assert.Error(t, err)
}

func TestNewAcceptsBACnetDevice(t *testing.T) {
	drv, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolBACnet, Endpoint: "192.168.1.10"})
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolBACnet, drv.GetProtocolType())
}

func TestReadValuesWhileDisconnectedReturnsNotConnected(t *testing.T) {
	drv, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolBACnet})
	require.NoError(t, err)

	_, err = drv.ReadValues(context.Background(), []string{"analog-input:3:present-value"})
	require.Error(t, err)
	var de *driver.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, driver.ErrorKindNotConnected, de.Kind)
}

func TestWriteValueWhileDisconnectedReturnsNotConnected(t *testing.T) {
	drv, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolBACnet})
	require.NoError(t, err)

	err = drv.WriteValue(context.Background(), driver.WriteRequest{Address: "analog-output:1:present-value", Value: 1})
	require.Error(t, err)
	var de *driver.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, driver.ErrorKindNotConnected, de.Kind)
}

func TestDisconnectWithoutConnectIsSafe(t *testing.T) {
	drv, err := New(domain.Device{ID: "dev-1", Protocol: domain.ProtocolBACnet})
	require.NoError(t, err)

	concrete := drv.(*Driver)
	assert.NoError(t, concrete.Disconnect(context.Background()))
}
