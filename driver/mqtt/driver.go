// Package mqtt implements the driver.Driver contract over MQTT using
// github.com/eclipse/paho.mqtt.golang. Unlike the polled fieldbus drivers,
// MQTT is push-based: ReadValues returns the most recent retained/received
// value per topic instead of issuing a request, and WriteValue publishes.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/driver"
)

// Driver is an MQTT specialization of driver.Driver. Each DataPoint address
// is the MQTT topic to subscribe/publish; payloads are parsed as decimal
// floating point.
type Driver struct {
	*driver.Base

	deviceID string
	broker   string
	client   paho.Client

	mu     sync.RWMutex
	latest map[string]driver.Reading
}

func New(device domain.Device) (driver.Driver, error) {
	if device.Protocol != domain.ProtocolMQTT {
		return nil, fmt.Errorf("mqtt: device %s is not an mqtt device", device.ID)
	}
	return &Driver{
		Base:     driver.NewBase(device.ID),
		deviceID: device.ID,
		broker:   device.Endpoint,
		latest:   make(map[string]driver.Reading),
	}, nil
}

func (d *Driver) Initialize(ctx context.Context, device domain.Device) error {
	d.broker = device.Endpoint
	return nil
}

func (d *Driver) Connect(ctx context.Context) error {
	d.SetState(driver.ConnectionConnecting)
	opts := paho.NewClientOptions().AddBroker(d.broker).SetClientID("pulseone-" + d.deviceID)
	opts.SetAutoReconnect(false) // worker owns reconnect pacing, not the mqtt client
	opts.SetConnectionLostHandler(func(paho.Client, error) {
		d.SetState(driver.ConnectionReconnecting)
	})
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		err := driver.NewError(driver.ErrorKindTimeout, d.deviceID, d.broker, fmt.Errorf("connect timed out"))
		d.SetLastError(err)
		d.SetState(driver.ConnectionFailed)
		return err
	}
	if err := token.Error(); err != nil {
		derr := driver.NewError(driver.ErrorKindConnection, d.deviceID, d.broker, err)
		d.SetLastError(derr)
		d.SetState(driver.ConnectionFailed)
		return derr
	}
	d.client = client
	d.SetState(driver.ConnectionConnected)
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(250)
	}
	d.SetState(driver.ConnectionDisconnected)
	return nil
}

// Subscribe arranges for topic to be tracked as a DataPoint address,
// parsing incoming payloads with parseFn. It fails with ErrNotConnected
// before Connect; ReadValues returns readings only for topics subscribed
// this way.
func (d *Driver) Subscribe(topic string, parseFn func([]byte) (float64, error)) error {
	if d.client == nil {
		return driver.NewError(driver.ErrorKindNotConnected, d.deviceID, topic, driver.ErrNotConnected)
	}
	token := d.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		v, err := parseFn(msg.Payload())
		quality := domain.QualityGood
		if err != nil {
			quality = domain.QualityBad
		}
		d.mu.Lock()
		d.latest[topic] = driver.Reading{Address: topic, Raw: v, Timestamp: time.Now(), Quality: quality}
		d.mu.Unlock()
	})
	token.Wait()
	return token.Error()
}

// ReadValues returns the most recently received sample for each topic; a
// topic with no sample yet is simply omitted, and a sample is returned
// unchanged on every call until a newer one arrives (no Stale quality is
// applied here).
func (d *Driver) ReadValues(ctx context.Context, addresses []string) ([]driver.Reading, error) {
	if !d.IsConnected() {
		return nil, driver.NewError(driver.ErrorKindNotConnected, d.deviceID, "", driver.ErrNotConnected)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]driver.Reading, 0, len(addresses))
	for _, addr := range addresses {
		if r, ok := d.latest[addr]; ok {
			out = append(out, r)
			d.Counters.RecordRead(true, 0)
		}
	}
	return out, nil
}

func (d *Driver) WriteValue(ctx context.Context, req driver.WriteRequest) error {
	if d.client == nil {
		return driver.NewError(driver.ErrorKindNotConnected, d.deviceID, req.Address, driver.ErrNotConnected)
	}
	payload := fmt.Sprintf("%g", req.Value)
	token := d.client.Publish(req.Address, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		err := driver.NewError(driver.ErrorKindTimeout, d.deviceID, req.Address, fmt.Errorf("publish timed out"))
		d.Counters.RecordWrite(false)
		d.SetLastError(err)
		return err
	}
	if err := token.Error(); err != nil {
		derr := driver.NewError(driver.ErrorKindWriteRejected, d.deviceID, req.Address, err)
		d.Counters.RecordWrite(false)
		d.SetLastError(derr)
		return derr
	}
	d.Counters.RecordWrite(true)
	return nil
}

func (d *Driver) GetProtocolType() domain.ProtocolKind { return domain.ProtocolMQTT }

func (d *Driver) Start(ctx context.Context) error { return d.Connect(ctx) }
func (d *Driver) Stop(ctx context.Context) error  { return d.Disconnect(ctx) }
