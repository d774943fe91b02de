// Package config loads and hot-reloads PulseOne's YAML configuration:
// devices and their points, alarm rules, virtual points, and the cache and
// historian policies. Grounded on the teacher's unified configuration
// composed of sub-policies plus an fsnotify watch loop for hot-reload.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pulseone/collector/domain"
)

// CachePolicy controls the Live Value Cache's external mirror.
type CachePolicy struct {
	RedisAddr string        `yaml:"redis_addr"`
	MirrorTTL time.Duration `yaml:"mirror_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// HistorianPolicy controls the Historian Buffer's database and batching.
type HistorianPolicy struct {
	DSN           string        `yaml:"dsn"`
	Table         string        `yaml:"table"`
	QueueCapacity int           `yaml:"queue_capacity"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// IntrospectionPolicy controls the read-only HTTP/websocket surface.
type IntrospectionPolicy struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the full, composed PulseOne configuration.
type Config struct {
	Devices       []DeviceConfig      `yaml:"devices"`
	AlarmRules    []AlarmRuleConfig   `yaml:"alarm_rules"`
	VirtualPoints []VirtualPointConfig `yaml:"virtual_points"`
	Cache         CachePolicy         `yaml:"cache"`
	Historian     HistorianPolicy     `yaml:"historian"`
	Introspection IntrospectionPolicy `yaml:"introspection"`
}

// DeviceConfig is the YAML shape of a domain.Device plus its points.
type DeviceConfig struct {
	ID               string              `yaml:"id"`
	Name             string              `yaml:"name"`
	Protocol         string              `yaml:"protocol"`
	Endpoint         string              `yaml:"endpoint"`
	Enabled          bool                `yaml:"enabled"`
	PollInterval     time.Duration       `yaml:"poll_interval"`
	ReconnectBackoff time.Duration       `yaml:"reconnect_backoff"`
	MaxBackoff       time.Duration       `yaml:"max_backoff"`
	ReadTimeout      time.Duration       `yaml:"read_timeout"`
	WriteTimeout     time.Duration       `yaml:"write_timeout"`
	Points           []DataPointConfig   `yaml:"points"`
}

// DataPointConfig is the YAML shape of a domain.DataPoint.
type DataPointConfig struct {
	ID          string  `yaml:"id"`
	Address     string  `yaml:"address"`
	Name        string  `yaml:"name"`
	DataType    string  `yaml:"data_type"`
	GroupName   string  `yaml:"group"`
	Writable    bool    `yaml:"writable"`
	Deadband    float64 `yaml:"deadband"`
	LogInterval time.Duration `yaml:"log_interval"`

	ScalingEnabled bool    `yaml:"scaling_enabled"`
	Factor         float64 `yaml:"factor"`
	Offset         float64 `yaml:"offset"`
	Min            float64 `yaml:"min"`
	Max            float64 `yaml:"max"`
}

// AnalogBandConfig is the YAML shape of a domain.AnalogBand.
type AnalogBandConfig struct {
	Name      string  `yaml:"name"`
	HighLimit float64 `yaml:"high_limit"`
	LowLimit  float64 `yaml:"low_limit"`
	Deadband  float64 `yaml:"deadband"`
	Severity  int     `yaml:"severity"`
}

// AlarmRuleConfig is the YAML shape of a domain.AlarmRule.
type AlarmRuleConfig struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	TargetKind      string             `yaml:"target_kind"` // "analog" | "digital"
	TargetPointKind string             `yaml:"target_point_kind"`
	TargetPointID   string             `yaml:"target_point_id"`
	GroupName       string             `yaml:"group"`
	AnalogBands     []AnalogBandConfig `yaml:"analog_bands"`
	DigitalTrigger  string             `yaml:"digital_trigger"`
	ConditionScript string             `yaml:"condition_script"`
	MessageScript   string             `yaml:"message_script"`
	MessageTemplate string             `yaml:"message_template"`
	Enabled         bool               `yaml:"enabled"`

	Severity         int                    `yaml:"severity"`
	Priority         int                    `yaml:"priority"`
	AutoAcknowledge  bool                   `yaml:"auto_acknowledge"`
	AutoClear        bool                   `yaml:"auto_clear"`
	Latched          bool                   `yaml:"latched"`
	SuppressionRules map[string]any         `yaml:"suppression_rules"`
	Notification     AlarmNotificationConfig `yaml:"notification"`
	Escalation       *AlarmEscalationConfig  `yaml:"escalation_rules"`
}

// AlarmNotificationConfig is the YAML shape of a
// domain.AlarmNotificationSettings.
type AlarmNotificationConfig struct {
	Enabled           bool     `yaml:"enabled"`
	DelaySec          int      `yaml:"delay_sec"`
	RepeatIntervalMin int      `yaml:"repeat_interval_min"`
	Channels          []string `yaml:"channels"`
	Recipients        []string `yaml:"recipients"`
}

// AlarmEscalationConfig is the YAML shape of a domain.AlarmEscalationRules.
type AlarmEscalationConfig struct {
	Enabled  bool                   `yaml:"enabled"`
	MaxLevel int                    `yaml:"max_level"`
	Rules    map[string]any         `yaml:"rules"`
}

// VirtualPointConfig is the YAML shape of a domain.VirtualPoint.
type VirtualPointConfig struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Trigger      string        `yaml:"trigger"` // "timer" | "on_change" | "event" | "on_demand"
	TimerPeriod  time.Duration `yaml:"timer_period"`
	CronExpr     string        `yaml:"cron"`
	Executor     string        `yaml:"executor"` // "script" | "formula" | "aggregate" | "reference"
	Script       string        `yaml:"script"`
	Formula      string        `yaml:"formula"`
	Aggregate    string        `yaml:"aggregate"`
	Dependencies []string      `yaml:"dependencies"` // "data:<id>" or "virtual:<id>"
	ErrorPolicy  string        `yaml:"error_policy"`
	DefaultValue float64       `yaml:"default_value"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ToDevices translates the YAML device list into domain.Device values.
func (c *Config) ToDevices() []domain.Device {
	out := make([]domain.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		dev := domain.Device{
			ID:       d.ID,
			Name:     d.Name,
			Protocol: parseProtocol(d.Protocol),
			Endpoint: d.Endpoint,
			Enabled:  d.Enabled,
			Settings: domain.DeviceSettings{
				PollInterval:     d.PollInterval,
				ReconnectBackoff: d.ReconnectBackoff,
				MaxBackoff:       d.MaxBackoff,
				ReadTimeout:      d.ReadTimeout,
				WriteTimeout:     d.WriteTimeout,
			},
		}
		for _, p := range d.Points {
			dev.DataPoints = append(dev.DataPoints, domain.DataPoint{
				ID:          p.ID,
				DeviceID:    d.ID,
				Address:     p.Address,
				Name:        p.Name,
				DataType:    p.DataType,
				GroupName:   p.GroupName,
				Writable:    p.Writable,
				Deadband:    p.Deadband,
				LogInterval: p.LogInterval,
				Scaling: domain.ScalingParams{
					Enabled: p.ScalingEnabled,
					Factor:  p.Factor,
					Offset:  p.Offset,
					Min:     p.Min,
					Max:     p.Max,
				},
			})
		}
		out = append(out, dev)
	}
	return out
}

func parseProtocol(s string) domain.ProtocolKind {
	switch s {
	case "mqtt":
		return domain.ProtocolMQTT
	case "bacnet":
		return domain.ProtocolBACnet
	case "opcua":
		return domain.ProtocolOPCUA
	default:
		return domain.ProtocolModbus
	}
}

func parsePointID(s string) domain.PointID {
	if len(s) > 8 && s[:8] == "virtual:" {
		return domain.PointID{Kind: domain.PointKindVirtual, ID: s[8:]}
	}
	if len(s) > 5 && s[:5] == "data:" {
		return domain.PointID{Kind: domain.PointKindData, ID: s[5:]}
	}
	return domain.PointID{Kind: domain.PointKindData, ID: s}
}

// ToAlarmRules translates the YAML alarm rule list into domain.AlarmRule values.
func (c *Config) ToAlarmRules() []domain.AlarmRule {
	out := make([]domain.AlarmRule, 0, len(c.AlarmRules))
	for _, r := range c.AlarmRules {
		rule := domain.AlarmRule{
			ID:               r.ID,
			Name:             r.Name,
			Target:           domain.PointID{Kind: parsePointKind(r.TargetPointKind), ID: r.TargetPointID},
			GroupName:        r.GroupName,
			DigitalTrigger:   parseDigitalTrigger(r.DigitalTrigger),
			ConditionScript:  r.ConditionScript,
			MessageScript:    r.MessageScript,
			MessageTemplate:  r.MessageTemplate,
			Enabled:          r.Enabled,
			Severity:         r.Severity,
			Priority:         r.Priority,
			AutoAcknowledge:  r.AutoAcknowledge,
			AutoClear:        r.AutoClear,
			Latched:          r.Latched,
			SuppressionRules: r.SuppressionRules,
			Notification: domain.AlarmNotificationSettings{
				Enabled:           r.Notification.Enabled,
				DelaySec:          r.Notification.DelaySec,
				RepeatIntervalMin: r.Notification.RepeatIntervalMin,
				Channels:          r.Notification.Channels,
				Recipients:        r.Notification.Recipients,
			},
		}
		if r.Escalation != nil {
			rule.Escalation = &domain.AlarmEscalationRules{
				Enabled:  r.Escalation.Enabled,
				MaxLevel: r.Escalation.MaxLevel,
				Rules:    r.Escalation.Rules,
			}
		}
		if r.TargetKind == "digital" {
			rule.TargetKind = domain.AlarmTargetDigital
		} else {
			rule.TargetKind = domain.AlarmTargetAnalog
		}
		for _, b := range r.AnalogBands {
			rule.AnalogBands = append(rule.AnalogBands, domain.AnalogBand{
				Name: b.Name, HighLimit: b.HighLimit, LowLimit: b.LowLimit,
				Deadband: b.Deadband, Severity: b.Severity,
			})
		}
		out = append(out, rule)
	}
	return out
}

func parsePointKind(s string) domain.PointKind {
	if s == "virtual" {
		return domain.PointKindVirtual
	}
	return domain.PointKindData
}

func parseDigitalTrigger(s string) domain.DigitalTriggerKind {
	switch s {
	case "on_false":
		return domain.DigitalOnFalse
	case "on_change":
		return domain.DigitalOnChange
	case "on_rising":
		return domain.DigitalOnRising
	case "on_falling":
		return domain.DigitalOnFalling
	default:
		return domain.DigitalOnTrue
	}
}

// ToVirtualPoints translates the YAML virtual point list into domain.VirtualPoint values.
func (c *Config) ToVirtualPoints() []domain.VirtualPoint {
	out := make([]domain.VirtualPoint, 0, len(c.VirtualPoints))
	for _, v := range c.VirtualPoints {
		vp := domain.VirtualPoint{
			ID:           v.ID,
			Name:         v.Name,
			Trigger:      parseTrigger(v.Trigger),
			TimerPeriod:  v.TimerPeriod,
			CronExpr:     v.CronExpr,
			Executor:     parseExecutor(v.Executor),
			Script:       v.Script,
			Formula:      v.Formula,
			Aggregate:    v.Aggregate,
			ErrorPolicy:  parseErrorPolicy(v.ErrorPolicy),
			DefaultValue: v.DefaultValue,
		}
		for _, d := range v.Dependencies {
			vp.Dependencies = append(vp.Dependencies, parsePointID(d))
		}
		out = append(out, vp)
	}
	return out
}

func parseTrigger(s string) domain.VirtualTriggerKind {
	switch s {
	case "on_change":
		return domain.VirtualTriggerOnChange
	case "event":
		return domain.VirtualTriggerEvent
	case "on_demand":
		return domain.VirtualTriggerOnDemand
	default:
		return domain.VirtualTriggerTimer
	}
}

func parseExecutor(s string) domain.VirtualExecutorKind {
	switch s {
	case "formula":
		return domain.VirtualExecutorFormula
	case "aggregate":
		return domain.VirtualExecutorAggregate
	case "reference":
		return domain.VirtualExecutorReference
	default:
		return domain.VirtualExecutorScript
	}
}

func parseErrorPolicy(s string) domain.VirtualErrorPolicy {
	switch s {
	case "return_last":
		return domain.VirtualErrorReturnLast
	case "return_zero":
		return domain.VirtualErrorReturnZero
	case "return_default":
		return domain.VirtualErrorReturnDefault
	default:
		return domain.VirtualErrorReturnNull
	}
}

// Watcher watches a config file for changes and invokes onChange with the
// freshly parsed Config, grounded on the teacher's fsnotify reload loop.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	onChange  func(*Config)
	mu        sync.Mutex
	stopCh    chan struct{}
}

func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{path: path, watcher: fw, onChange: onChange, stopCh: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(200 * time.Millisecond)
			}
		case <-debounce.C:
			w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	onChange := w.onChange
	w.mu.Unlock()
	if onChange != nil {
		onChange(cfg)
	}
}

func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
