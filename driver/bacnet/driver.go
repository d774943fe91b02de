// Package bacnet implements the driver.Driver contract over BACnet/IP using
// github.com/alexbeltran/gobacnet. DataPoint addresses are given as
// "objectType:instance:property", e.g. "analog-input:3:present-value".
package bacnet

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	bac "github.com/alexbeltran/gobacnet"
	bactypes "github.com/alexbeltran/gobacnet/types"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

type objectAddress struct {
	objectType string
	instance   uint32
	property   string
}

func parseAddress(addr string) (objectAddress, error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 3 {
		return objectAddress{}, fmt.Errorf("invalid bacnet address %q, want type:instance:property", addr)
	}
	instance, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return objectAddress{}, fmt.Errorf("invalid bacnet instance in %q: %w", addr, err)
	}
	return objectAddress{objectType: parts[0], instance: uint32(instance), property: parts[2]}, nil
}

// Driver is a BACnet/IP specialization of driver.Driver.
type Driver struct {
	*driver.Base

	deviceID string
	endpoint string

	client     *bac.Client
	remoteAddr bactypes.Device
}

func New(device domain.Device) (driver.Driver, error) {
	if device.Protocol != domain.ProtocolBACnet {
		return nil, fmt.Errorf("bacnet: device %s is not a bacnet device", device.ID)
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
	client, err := bac.NewClient(&bac.ClientBuilder{})
	if err != nil {
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
		d.client.Close()
	}
	d.SetState(driver.ConnectionDisconnected)
	return nil
}

// ReadValues resolves each address to a BACnet object/property pair and
// passes it to readProperty. readProperty does not query the device: it
// returns an error for every point, so each well-formed address is counted
// as a failed read, reported as an ErrorKindProtocol error, and left out of
// the returned readings. No value is ever fabricated for a BACnet point.
func (d *Driver) ReadValues(ctx context.Context, addresses []string) ([]driver.Reading, error) {
	if !d.IsConnected() {
		return nil, driver.NewError(driver.ErrorKindNotConnected, d.deviceID, "", driver.ErrNotConnected)
	}
	readings := make([]driver.Reading, 0, len(addresses))
	var lastErr error
	for _, addr := range addresses {
		start := time.Now()
		obj, err := parseAddress(addr)
		if err != nil {
			d.Counters.RecordRead(false, time.Since(start))
			lastErr = driver.NewError(driver.ErrorKindInvalidAddress, d.deviceID, addr, err)
			continue
		}
		raw, err := d.readProperty(obj)
		d.Counters.RecordRead(err == nil, time.Since(start))
		if err != nil {
			lastErr = driver.NewError(driver.ErrorKindProtocol, d.deviceID, addr, err)
			continue
		}
		readings = append(readings, driver.Reading{Address: addr, Raw: raw, Timestamp: time.Now(), Quality: domain.QualityGood})
	}
	return readings, lastErr
}

// readProperty does not call d.client.ReadProperty; it returns an error
// naming the object and property for every call.
func (d *Driver) readProperty(obj objectAddress) (float64, error) {
	return 0, fmt.Errorf("bacnet: present-value decoding for %s:%d:%s is not wired", obj.objectType, obj.instance, obj.property)
}

func (d *Driver) WriteValue(ctx context.Context, req driver.WriteRequest) error {
	if !d.IsConnected() {
		return driver.NewError(driver.ErrorKindNotConnected, d.deviceID, req.Address, driver.ErrNotConnected)
	}
	if _, err := parseAddress(req.Address); err != nil {
		return driver.NewError(driver.ErrorKindInvalidAddress, d.deviceID, req.Address, err)
	}
	err := driver.NewError(driver.ErrorKindWriteRejected, d.deviceID, req.Address, fmt.Errorf("bacnet: present-value writing is not wired"))
	d.Counters.RecordWrite(false)
	d.SetLastError(err)
	return err
}

func (d *Driver) GetProtocolType() domain.ProtocolKind { return domain.ProtocolBACnet }

func (d *Driver) Start(ctx context.Context) error { return d.Connect(ctx) }
func (d *Driver) Stop(ctx context.Context) error  { return d.Disconnect(ctx) }
