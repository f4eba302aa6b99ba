package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"splitter-service/internal/types"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loaded from YAML.
type Config struct {
	LogLevel int            `yaml:"log_level"`
	Redis    RedisConfig    `yaml:"redis"`
	Serial   SerialConfig   `yaml:"serial"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Sequence SequenceConfig `yaml:"sequence"`
	Pressure PressureConfig `yaml:"pressure"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type PinConfig struct {
	Offset         int  `yaml:"offset"`
	NormallyClosed bool `yaml:"normally_closed"`
}

type GPIOConfig struct {
	Chip    string            `yaml:"chip"`
	Inputs  map[int]PinConfig `yaml:"inputs"`
	Outputs map[string]int    `yaml:"outputs"`
}

// SequenceConfig carries the cycle timing in milliseconds, matching
// the board calibration units.
type SequenceConfig struct {
	StableMs      int `yaml:"stable_ms"`
	StartStableMs int `yaml:"start_stable_ms"`
	TimeoutMs     int `yaml:"timeout_ms"`
}

func (s SequenceConfig) Stable() time.Duration      { return time.Duration(s.StableMs) * time.Millisecond }
func (s SequenceConfig) StartStable() time.Duration {
	return time.Duration(s.StartStableMs) * time.Millisecond
}
func (s SequenceConfig) Timeout() time.Duration { return time.Duration(s.TimeoutMs) * time.Millisecond }

type PressureConfig struct {
	Device       string  `yaml:"device"`
	Channel      int     `yaml:"channel"`
	VRef         float64 `yaml:"vref"`
	MaxCounts    int     `yaml:"max_counts"`
	SensorVMin   float64 `yaml:"sensor_vmin"`
	SensorVMax   float64 `yaml:"sensor_vmax"`
	FullScalePSI float64 `yaml:"full_scale_psi"`
	OffsetPSI    float64 `yaml:"offset_psi"`
	EMAAlpha     float64 `yaml:"ema_alpha"`
	SampleMs     int     `yaml:"sample_ms"`
	ReadyWindow  int     `yaml:"ready_window"`
}

func (p PressureConfig) SampleInterval() time.Duration {
	return time.Duration(p.SampleMs) * time.Millisecond
}

// Default returns the shipped configuration.
func Default() *Config {
	inputs := make(map[int]PinConfig, len(types.WatchPins))
	for _, pin := range types.WatchPins {
		inputs[pin] = PinConfig{Offset: pin}
	}
	// The E-stop chain is normally closed so a broken wire reads as
	// pressed.
	inputs[types.PinEStop] = PinConfig{Offset: types.PinEStop, NormallyClosed: true}

	return &Config{
		LogLevel: 3,
		Redis:    RedisConfig{Host: "127.0.0.1", Port: 6379},
		Serial:   SerialConfig{Device: "/dev/ttyS1", Baud: 115200},
		GPIO: GPIOConfig{
			Chip:   "gpiochip0",
			Inputs: inputs,
			Outputs: map[string]int{
				"mill_lamp":     9,
				"safety_status": 11,
			},
		},
		Sequence: SequenceConfig{
			StableMs:      15,
			StartStableMs: 100,
			TimeoutMs:     30000,
		},
		Pressure: PressureConfig{
			Device:       "iio:device0",
			Channel:      0,
			VRef:         3.3,
			MaxCounts:    4095,
			SensorVMin:   0.33,
			SensorVMax:   2.97,
			FullScalePSI: 3000,
			EMAAlpha:     0.3,
			SampleMs:     10,
			ReadyWindow:  10,
		},
	}
}

// Load reads and validates a config file. A missing file returns the
// defaults along with the error so the caller can decide to continue.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return Default(), fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Default(), fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.Sequence.StableMs <= 0 || c.Sequence.StartStableMs <= 0 {
		return fmt.Errorf("sequence stability windows must be positive")
	}
	if c.Sequence.TimeoutMs < 1000 {
		return fmt.Errorf("sequence timeout %dms below 1s minimum", c.Sequence.TimeoutMs)
	}
	if c.Serial.Device == "" {
		return fmt.Errorf("serial device is required")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial baud must be positive")
	}
	if c.GPIO.Chip == "" {
		return fmt.Errorf("gpio chip is required")
	}
	for _, pin := range types.WatchPins {
		if _, ok := c.GPIO.Inputs[pin]; !ok {
			return fmt.Errorf("gpio input mapping missing for pin %d", pin)
		}
	}
	if c.Pressure.FullScalePSI <= 0 {
		return fmt.Errorf("pressure full scale must be positive")
	}
	if c.Pressure.EMAAlpha <= 0 || c.Pressure.EMAAlpha > 1 {
		return fmt.Errorf("pressure ema_alpha must be in (0, 1]")
	}
	return nil
}

// Save writes the config atomically: temp file in the same directory,
// sync, then rename over the target. A best-effort .bak of the old
// file is kept.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".splitter-config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("failed to keep config backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
