// Package config loads the ecucore YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/ecucore/internal/decoder"
	"github.com/sweeney/ecucore/internal/engine"
	"github.com/sweeney/ecucore/internal/gpio"
	"github.com/sweeney/ecucore/internal/scheduler"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/ecucore/config.yaml"

// ErrInvalid is returned by Validate and LoadConfig for unusable settings.
var ErrInvalid = errors.New("config: invalid")

// Config holds all daemon configuration.
type Config struct {
	Trigger   TriggerConfig   `yaml:"trigger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	GPIO      GPIOConfig      `yaml:"gpio"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	HTTP      HTTPConfig      `yaml:"http"`

	path string // file path for save/load
}

// TriggerConfig describes the trigger wheel and decoder tuning.
type TriggerConfig struct {
	Pattern      string `yaml:"pattern"` // missing-tooth, dual-wheel, tooth-table
	Teeth        int    `yaml:"teeth"`
	MissingTeeth int    `yaml:"missing_teeth"`
	ToothAngles  []int  `yaml:"tooth_angles,omitempty"`
	TriggerAngle int    `yaml:"trigger_angle"` // degrees ATDC of tooth #1
	Sequential   bool   `yaml:"sequential"`

	Filter         string `yaml:"filter"` // off, light, normal, aggressive
	FilterTimeUs   uint32 `yaml:"filter_time_us"`
	CrankRPM       uint16 `yaml:"crank_rpm"`
	StallTimeUs    uint32 `yaml:"stall_time_us"`
	SyncToothCount int    `yaml:"sync_tooth_count"`

	ToothLog     bool `yaml:"tooth_log"`
	ToothLogSize int  `yaml:"tooth_log_size"`
}

// SchedulerConfig describes the output channels and their timers.
type SchedulerConfig struct {
	// TimerBits is the compare width of simulated timers. Host timers are
	// always 32 bits.
	TimerBits uint            `yaml:"timer_bits"`
	Timers    int             `yaml:"timers"`
	TickMs    int64           `yaml:"tick_ms"`
	Channels  []ChannelConfig `yaml:"channels"`
}

// ChannelConfig is one injector or coil output.
type ChannelConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // fuel or ignition
	Pin        int    `yaml:"pin"`
	Timer      int    `yaml:"timer"`
	Angle      int32  `yaml:"angle"`
	DurationUs uint32 `yaml:"duration_us"`
}

// GPIOConfig selects the trigger input lines.
type GPIOConfig struct {
	Chip      string `yaml:"chip"`
	Primary   int    `yaml:"primary"`
	Secondary int    `yaml:"secondary"` // -1 for none
	Edge      string `yaml:"edge"`      // rising or falling
}

// MQTTConfig configures diagnostic publishing.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	HeartbeatMs int64  `yaml:"heartbeat_ms"` // 0 disables
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables
}

// DefaultConfig returns a 36-1 wheel with one fuel and one ignition channel.
func DefaultConfig() *Config {
	return &Config{
		Trigger: TriggerConfig{
			Pattern:      string(decoder.MissingTooth),
			Teeth:        36,
			MissingTeeth: 1,
			Filter:       "normal",
			CrankRPM:     400,
			ToothLogSize: 128,
		},
		Scheduler: SchedulerConfig{
			TimerBits: 16,
			Timers:    1,
			TickMs:    1,
			Channels: []ChannelConfig{
				{Name: "inj1", Kind: "fuel", Pin: 22, Angle: 355, DurationUs: 3000},
				{Name: "ign1", Kind: "ignition", Pin: 23, Angle: 345, DurationUs: 2500},
			},
		},
		GPIO: GPIOConfig{
			Chip:      "gpiochip0",
			Primary:   gpio.DefaultPinPrimary,
			Secondary: -1,
			Edge:      string(gpio.RisingEdge),
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "ecucore",
			HeartbeatMs: 900000,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// LoadConfig reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("config: no config at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Printf("config: loaded from %s", path)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("ECU_TRIGGER_PATTERN"); v != "" {
		c.Trigger.Pattern = v
	}
	if v := os.Getenv("ECU_TRIGGER_TEETH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ECU_TRIGGER_TEETH=%q", ErrInvalid, v)
		}
		c.Trigger.Teeth = n
	}
	if v := os.Getenv("ECU_TRIGGER_MISSING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ECU_TRIGGER_MISSING=%q", ErrInvalid, v)
		}
		c.Trigger.MissingTeeth = n
	}
	if v := os.Getenv("ECU_TRIGGER_FILTER"); v != "" {
		c.Trigger.Filter = v
	}
	if v := os.Getenv("ECU_SEQUENTIAL"); v != "" {
		c.Trigger.Sequential = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("ECU_GPIO_CHIP"); v != "" {
		c.GPIO.Chip = v
	}
	if v := os.Getenv("ECU_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("ECU_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	return nil
}

// Validate checks that the configuration can build a decoder and scheduler.
func (c *Config) Validate() error {
	dc, err := c.DecoderConfig()
	if err != nil {
		return err
	}
	if _, err := decoder.New(dc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Scheduler.TimerBits < 8 || c.Scheduler.TimerBits > 32 {
		return fmt.Errorf("%w: timer_bits %d outside 8..32", ErrInvalid, c.Scheduler.TimerBits)
	}
	if c.Scheduler.Timers < 1 {
		return fmt.Errorf("%w: at least one timer is required", ErrInvalid)
	}
	if c.Scheduler.TickMs < 1 {
		return fmt.Errorf("%w: tick_ms must be positive", ErrInvalid)
	}

	names := make(map[string]bool)
	pins := make(map[int]string)
	perKind := make(map[scheduler.Kind]int)
	for i, ch := range c.Scheduler.Channels {
		if ch.Name == "" {
			return fmt.Errorf("%w: channel %d has no name", ErrInvalid, i)
		}
		if names[ch.Name] {
			return fmt.Errorf("%w: duplicate channel %q", ErrInvalid, ch.Name)
		}
		names[ch.Name] = true
		kind, err := parseKind(ch.Kind)
		if err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		perKind[kind]++
		if ch.Timer < 0 || ch.Timer >= c.Scheduler.Timers {
			return fmt.Errorf("%w: channel %q uses timer %d of %d", ErrInvalid, ch.Name, ch.Timer, c.Scheduler.Timers)
		}
		if other, ok := pins[ch.Pin]; ok {
			return fmt.Errorf("%w: channels %q and %q share pin %d", ErrInvalid, other, ch.Name, ch.Pin)
		}
		pins[ch.Pin] = ch.Name
		if ch.DurationUs == 0 {
			return fmt.Errorf("%w: channel %q has zero duration", ErrInvalid, ch.Name)
		}
		if ch.Angle < 0 || ch.Angle >= 720 {
			return fmt.Errorf("%w: channel %q angle %d outside 0..719", ErrInvalid, ch.Name, ch.Angle)
		}
	}

	if perKind[scheduler.Fuel] > scheduler.MaxFuel || perKind[scheduler.Ignition] > scheduler.MaxIgnition {
		return fmt.Errorf("%w: at most %d fuel and %d ignition channels", ErrInvalid, scheduler.MaxFuel, scheduler.MaxIgnition)
	}

	switch gpio.Edge(c.GPIO.Edge) {
	case gpio.RisingEdge, gpio.FallingEdge:
	default:
		return fmt.Errorf("%w: edge %q", ErrInvalid, c.GPIO.Edge)
	}
	if c.Trigger.Pattern != string(decoder.MissingTooth) && c.GPIO.Secondary < 0 {
		return fmt.Errorf("%w: pattern %s needs a secondary input", ErrInvalid, c.Trigger.Pattern)
	}
	if c.MQTT.HeartbeatMs < 0 {
		return fmt.Errorf("%w: heartbeat_ms must not be negative", ErrInvalid)
	}
	return nil
}

// DecoderConfig converts the trigger section for decoder.New.
func (c *Config) DecoderConfig() (decoder.Config, error) {
	t := c.Trigger
	filter, err := parseFilter(t.Filter)
	if err != nil {
		return decoder.Config{}, err
	}
	switch decoder.Pattern(t.Pattern) {
	case decoder.MissingTooth, decoder.DualWheel, decoder.ToothTable:
	default:
		return decoder.Config{}, fmt.Errorf("%w: pattern %q", ErrInvalid, t.Pattern)
	}
	return decoder.Config{
		Pattern:        decoder.Pattern(t.Pattern),
		Teeth:          t.Teeth,
		MissingTeeth:   t.MissingTeeth,
		ToothAngles:    t.ToothAngles,
		TriggerAngle:   t.TriggerAngle,
		Sequential:     t.Sequential,
		Filter:         filter,
		FilterTime:     t.FilterTimeUs,
		CrankRPM:       t.CrankRPM,
		StallTime:      t.StallTimeUs,
		SyncToothCount: t.SyncToothCount,
		ToothLog:       t.ToothLog,
		ToothLogSize:   t.ToothLogSize,
	}, nil
}

// SchedulerChannels converts the channel list for scheduler.New.
func (c *Config) SchedulerChannels() []scheduler.ChannelConfig {
	out := make([]scheduler.ChannelConfig, len(c.Scheduler.Channels))
	for i, ch := range c.Scheduler.Channels {
		kind, _ := parseKind(ch.Kind)
		out[i] = scheduler.ChannelConfig{Name: ch.Name, Kind: kind, Timer: ch.Timer}
	}
	return out
}

// Plans returns the engine's angle target for every channel.
func (c *Config) Plans() []engine.ChannelPlan {
	out := make([]engine.ChannelPlan, len(c.Scheduler.Channels))
	for i, ch := range c.Scheduler.Channels {
		out[i] = engine.ChannelPlan{Channel: i, Angle: ch.Angle, Duration: ch.DurationUs}
	}
	return out
}

// Pins returns the output pin of every channel, in channel order.
func (c *Config) Pins() []int {
	out := make([]int, len(c.Scheduler.Channels))
	for i, ch := range c.Scheduler.Channels {
		out[i] = ch.Pin
	}
	return out
}

// TriggerInput converts the gpio section for gpio.NewRealTrigger.
func (c *Config) TriggerInput() gpio.TriggerConfig {
	return gpio.TriggerConfig{
		Chip:      c.GPIO.Chip,
		Primary:   c.GPIO.Primary,
		Secondary: c.GPIO.Secondary,
		Edge:      gpio.Edge(c.GPIO.Edge),
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	return nil
}

func parseFilter(s string) (decoder.FilterMode, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return decoder.FilterOff, nil
	case "light":
		return decoder.FilterLight, nil
	case "normal":
		return decoder.FilterNormal, nil
	case "aggressive":
		return decoder.FilterAggressive, nil
	}
	return 0, fmt.Errorf("%w: filter %q", ErrInvalid, s)
}

func parseKind(s string) (scheduler.Kind, error) {
	switch strings.ToLower(s) {
	case "fuel":
		return scheduler.Fuel, nil
	case "ignition":
		return scheduler.Ignition, nil
	}
	return 0, fmt.Errorf("%w: kind %q", ErrInvalid, s)
}
