// Package opcua implements the driver.Driver contract over OPC UA using
// github.com/gopcua/opcua. DataPoint addresses are OPC UA NodeIDs in their
// string form, e.g. "ns=2;s=Temperature".
package opcua

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

// Driver is an OPC UA specialization of driver.Driver.
type Driver struct {
	*driver.Base

	deviceID string
	endpoint string
	client   *opcua.Client
}

func New(device domain.Device) (driver.Driver, error) {
	if device.Protocol != domain.ProtocolOPCUA {
		return nil, fmt.Errorf("opcua: device %s is not an opc ua device", device.ID)
	}
	return &Driver{
		Base:     driver.NewBase(device.ID),
		deviceID: device.ID,
		endpoint: device.Endpoint,
	}, nil
}

func (d *Driver) Initialize(ctx context.Context, device domain.Device) error {
	d.endpoint = device.Endpoint
	return nil
}

func (d *Driver) Connect(ctx context.Context) error {
	d.SetState(driver.ConnectionConnecting)
	client, err := opcua.NewClient(d.endpoint, opcua.SecurityMode(ua.MessageSecurityModeNone))
	if err != nil {
		derr := driver.NewError(driver.ErrorKindConnection, d.deviceID, d.endpoint, err)
		d.SetLastError(derr)
		d.SetState(driver.ConnectionFailed)
		return derr
	}
	if err := client.Connect(ctx); err != nil {
		derr := driver.NewError(driver.ErrorKindConnection, d.deviceID, d.endpoint, err)
		d.SetLastError(derr)
		d.SetState(driver.ConnectionFailed)
		return derr
	}
	d.client = client
	d.SetState(driver.ConnectionConnected)
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	if d.client != nil {
		_ = d.client.Close(ctx)
	}
	d.SetState(driver.ConnectionDisconnected)
	return nil
}

func (d *Driver) ReadValues(ctx context.Context, addresses []string) ([]driver.Reading, error) {
	if !d.IsConnected() {
		return nil, driver.NewError(driver.ErrorKindNotConnected, d.deviceID, "", driver.ErrNotConnected)
	}
	nodes := make([]*ua.ReadValueID, 0, len(addresses))
	for _, addr := range addresses {
		id, err := ua.ParseNodeID(addr)
		if err != nil {
			return nil, driver.NewError(driver.ErrorKindInvalidAddress, d.deviceID, addr, err)
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: id})
	}
	start := time.Now()
	resp, err := d.client.Read(ctx, &ua.ReadRequest{NodesToRead: nodes, TimestampsToReturn: ua.TimestampsToReturnBoth})
	latency := time.Since(start)
	if err != nil {
		d.Counters.RecordRead(false, latency)
		derr := driver.NewError(driver.ErrorKindProtocol, d.deviceID, "", err)
		d.SetLastError(derr)
		return nil, derr
	}
	readings := make([]driver.Reading, 0, len(resp.Results))
	for i, result := range resp.Results {
		if result.Status != ua.StatusOK {
			d.Counters.RecordRead(false, latency)
			continue
		}
		raw, _ := result.Value.Value().(float64)
		d.Counters.RecordRead(true, latency)
		readings = append(readings, driver.Reading{
			Address:   addresses[i],
			Raw:       raw,
			Timestamp: time.Now(),
			Quality:   domain.QualityGood,
		})
	}
	return readings, nil
}

func (d *Driver) WriteValue(ctx context.Context, req driver.WriteRequest) error {
	if !d.IsConnected() {
		return driver.NewError(driver.ErrorKindNotConnected, d.deviceID, req.Address, driver.ErrNotConnected)
	}
	id, err := ua.ParseNodeID(req.Address)
	if err != nil {
		return driver.NewError(driver.ErrorKindInvalidAddress, d.deviceID, req.Address, err)
	}
	v, err := ua.NewVariant(req.Value)
	if err != nil {
		return driver.NewError(driver.ErrorKindWriteRejected, d.deviceID, req.Address, err)
	}
	wreq := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value:       &ua.DataValue{EncodingMask: ua.DataValueValue, Value: v},
		}},
	}
	resp, err := d.client.Write(ctx, wreq)
	if err != nil || len(resp.Results) == 0 || resp.Results[0] != ua.StatusOK {
		derr := driver.NewError(driver.ErrorKindWriteRejected, d.deviceID, req.Address, err)
		d.Counters.RecordWrite(false)
		d.SetLastError(derr)
		return derr
	}
	d.Counters.RecordWrite(true)
	return nil
}

func (d *Driver) GetProtocolType() domain.ProtocolKind { return domain.ProtocolOPCUA }

func (d *Driver) Start(ctx context.Context) error { return d.Connect(ctx) }
func (d *Driver) Stop(ctx context.Context) error  { return d.Disconnect(ctx) }
