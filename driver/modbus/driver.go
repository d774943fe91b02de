// Package modbus implements the driver.Driver contract over Modbus TCP
// using github.com/goburrow/modbus. Register addresses are decimal strings
// with an optional table prefix ("holding:", "input:", "coil:",
// "discrete:"); a bare number addresses the holding register table.
package modbus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

// addressKind is the Modbus table a DataPoint address belongs to.
type addressKind int

const (
	kindHolding addressKind = iota
	kindInput
	kindCoil
	kindDiscrete
)

type parsedAddress struct {
	kind   addressKind
	offset uint16
}

// parseAddress accepts "holding:100", "input:4", "coil:12", "discrete:0".
// A bare number defaults to the holding register table, matching the most
// common Modbus integration convention.
func parseAddress(addr string) (parsedAddress, error) {
	parts := strings.SplitN(addr, ":", 2)
	kindStr, numStr := "holding", parts[0]
	if len(parts) == 2 {
		kindStr, numStr = parts[0], parts[1]
	}
	n, err := strconv.ParseUint(numStr, 10, 16)
	if err != nil {
		return parsedAddress{}, fmt.Errorf("invalid modbus address %q: %w", addr, err)
	}
	var k addressKind
	switch kindStr {
	case "holding":
		k = kindHolding
	case "input":
		k = kindInput
	case "coil":
		k = kindCoil
	case "discrete":
		k = kindDiscrete
	default:
		return parsedAddress{}, fmt.Errorf("unknown modbus table %q", kindStr)
	}
	return parsedAddress{kind: k, offset: uint16(n)}, nil
}

// Driver is a Modbus TCP specialization of driver.Driver.
type Driver struct {
	*driver.Base

	deviceID string
	endpoint string
	timeout  time.Duration

	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client
}

func New(device domain.Device) (driver.Driver, error) {
	if device.Protocol != domain.ProtocolModbus {
		return nil, fmt.Errorf("modbus: device %s is not a modbus device", device.ID)
	}
	timeout := device.Settings.ReadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Driver{
		Base:     driver.NewBase(device.ID),
		deviceID: device.ID,
		endpoint: device.Endpoint,
		timeout:  timeout,
	}, nil
}

func (d *Driver) Initialize(ctx context.Context, device domain.Device) error {
	d.endpoint = device.Endpoint
	if device.Settings.ReadTimeout > 0 {
		d.timeout = device.Settings.ReadTimeout
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context) error {
	d.SetState(driver.ConnectionConnecting)
	handler := gomodbus.NewTCPClientHandler(d.endpoint)
	handler.Timeout = d.timeout
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		derr := driver.NewError(driver.ErrorKindConnection, d.deviceID, d.endpoint, err)
		d.SetLastError(derr)
		d.SetState(driver.ConnectionFailed)
		return derr
	}
	d.handler = handler
	d.client = gomodbus.NewClient(handler)
	d.SetState(driver.ConnectionConnected)
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	if d.handler != nil {
		_ = d.handler.Close()
	}
	d.SetState(driver.ConnectionDisconnected)
	return nil
}

// ReadValues reads each address in turn, continuing past individual
// failures so a single bad register does not block the rest of the batch;
// the last error seen is returned alongside whatever readings succeeded.
func (d *Driver) ReadValues(ctx context.Context, addresses []string) ([]driver.Reading, error) {
	if !d.IsConnected() {
		return nil, driver.NewError(driver.ErrorKindNotConnected, d.deviceID, "", driver.ErrNotConnected)
	}
	readings := make([]driver.Reading, 0, len(addresses))
	var lastErr error
	for _, addr := range addresses {
		start := time.Now()
		select {
		case <-ctx.Done():
			return readings, ctx.Err()
		default:
		}
		r, err := d.readOne(addr)
		latency := time.Since(start)
		if err != nil {
			d.Counters.RecordRead(false, latency)
			d.SetLastError(err.(*driver.Error))
			lastErr = err
			continue
		}
		d.Counters.RecordRead(true, latency)
		readings = append(readings, r)
	}
	return readings, lastErr
}

type Reading = driver.Reading

func (d *Driver) readOne(addr string) (driver.Reading, error) {
	parsed, err := parseAddress(addr)
	if err != nil {
		return driver.Reading{}, driver.NewError(driver.ErrorKindInvalidAddress, d.deviceID, addr, err)
	}
	if d.client == nil {
		return driver.Reading{}, driver.NewError(driver.ErrorKindNotConnected, d.deviceID, addr, driver.ErrNotConnected)
	}
	var raw float64
	switch parsed.kind {
	case kindHolding:
		bytes, err := d.client.ReadHoldingRegisters(parsed.offset, 1)
		if err != nil {
			return driver.Reading{}, driver.NewError(driver.ErrorKindProtocol, d.deviceID, addr, err)
		}
		raw = float64(uint16(bytes[0])<<8 | uint16(bytes[1]))
	case kindInput:
		bytes, err := d.client.ReadInputRegisters(parsed.offset, 1)
		if err != nil {
			return driver.Reading{}, driver.NewError(driver.ErrorKindProtocol, d.deviceID, addr, err)
		}
		raw = float64(uint16(bytes[0])<<8 | uint16(bytes[1]))
	case kindCoil:
		bytes, err := d.client.ReadCoils(parsed.offset, 1)
		if err != nil {
			return driver.Reading{}, driver.NewError(driver.ErrorKindProtocol, d.deviceID, addr, err)
		}
		if len(bytes) > 0 && bytes[0]&0x01 != 0 {
			raw = 1
		}
	case kindDiscrete:
		bytes, err := d.client.ReadDiscreteInputs(parsed.offset, 1)
		if err != nil {
			return driver.Reading{}, driver.NewError(driver.ErrorKindProtocol, d.deviceID, addr, err)
		}
		if len(bytes) > 0 && bytes[0]&0x01 != 0 {
			raw = 1
		}
	}
	return driver.Reading{Address: addr, Raw: raw, Timestamp: time.Now(), Quality: domain.QualityGood}, nil
}

func (d *Driver) WriteValue(ctx context.Context, req driver.WriteRequest) error {
	parsed, err := parseAddress(req.Address)
	if err != nil {
		return driver.NewError(driver.ErrorKindInvalidAddress, d.deviceID, req.Address, err)
	}
	if d.client == nil {
		return driver.NewError(driver.ErrorKindNotConnected, d.deviceID, req.Address, driver.ErrNotConnected)
	}
	var werr error
	switch parsed.kind {
	case kindHolding:
		_, werr = d.client.WriteSingleRegister(parsed.offset, uint16(req.Value))
	case kindCoil:
		v := uint16(0)
		if req.Value != 0 {
			v = 0xFF00
		}
		_, werr = d.client.WriteSingleCoil(parsed.offset, v)
	default:
		werr = fmt.Errorf("modbus: table %d is not writable", parsed.kind)
	}
	if werr != nil {
		derr := driver.NewError(driver.ErrorKindWriteRejected, d.deviceID, req.Address, werr)
		d.Counters.RecordWrite(false)
		d.SetLastError(derr)
		return derr
	}
	d.Counters.RecordWrite(true)
	return nil
}

func (d *Driver) GetProtocolType() domain.ProtocolKind { return domain.ProtocolModbus }

func (d *Driver) Start(ctx context.Context) error { return d.Connect(ctx) }
func (d *Driver) Stop(ctx context.Context) error  { return d.Disconnect(ctx) }
