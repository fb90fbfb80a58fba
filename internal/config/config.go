package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes the external tools, the receiver limits used to validate
// start requests, and the sizing of the supervisor and broadcaster.
type Config struct {
	Pager      PagerConfig      `yaml:"pager"`
	Sensor     SensorConfig     `yaml:"sensor"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
}

type PagerConfig struct {
	Tuner        string `yaml:"tuner"`
	Decoder      string `yaml:"decoder"`
	SampleRate   int    `yaml:"sample_rate"`
	LineBuffered bool   `yaml:"line_buffered"`
}

type SensorConfig struct {
	Decoder string `yaml:"decoder"`
}

type ReceiverConfig struct {
	MinFrequencyHz int64   `yaml:"min_frequency_hz"`
	MaxFrequencyHz int64   `yaml:"max_frequency_hz"`
	MaxDeviceIndex int     `yaml:"max_device_index"`
	MaxGain        float64 `yaml:"max_gain"`
	MaxPPM         int     `yaml:"max_ppm"`
}

type SupervisorConfig struct {
	StartupGrace        time.Duration `yaml:"startup_grace"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
	DeviceBusyExitCodes []int         `yaml:"device_busy_exit_codes"`
	KillPatterns        []string      `yaml:"kill_patterns"`
}

type BroadcastConfig struct {
	HistoryCapacity int `yaml:"history_capacity"`
	SubscriberQueue int `yaml:"subscriber_queue"`
	// JournalQueue bounds the messages waiting for the durable log.
	JournalQueue int `yaml:"journal_queue"`
}

// Load reads the YAML file at path over the defaults, so keys present in the
// file win even when their value is zero. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Pager: PagerConfig{
			Tuner:      "rtl_fm",
			Decoder:    "multimon-ng",
			SampleRate: 22050,
		},
		Sensor: SensorConfig{
			Decoder: "rtl_433",
		},
		// R820T tuning range.
		Receiver: ReceiverConfig{
			MinFrequencyHz: 24_000_000,
			MaxFrequencyHz: 1_766_000_000,
			MaxDeviceIndex: 7,
			MaxGain:        49.6,
			MaxPPM:         1000,
		},
		Supervisor: SupervisorConfig{
			StartupGrace:        500 * time.Millisecond,
			StopTimeout:         3 * time.Second,
			DeviceBusyExitCodes: []int{1},
			KillPatterns:        []string{"rtl_fm", "multimon-ng", "rtl_433"},
		},
		Broadcast: BroadcastConfig{
			HistoryCapacity: 200,
			SubscriberQueue: 64,
			JournalQueue:    10_000,
		},
	}
}

func (c *Config) validate() error {
	if c.Pager.Tuner == "" || c.Pager.Decoder == "" || c.Sensor.Decoder == "" {
		return errors.New("tool commands cannot be empty")
	}
	if c.Pager.SampleRate <= 0 {
		return errors.New("pager.sample_rate must be positive")
	}
	if c.Receiver.MinFrequencyHz <= 0 || c.Receiver.MaxFrequencyHz <= c.Receiver.MinFrequencyHz {
		return errors.New("receiver frequency range is empty")
	}
	if c.Receiver.MaxDeviceIndex < 0 {
		return errors.New("receiver.max_device_index cannot be negative")
	}
	if c.Receiver.MaxGain < 0 || c.Receiver.MaxPPM < 0 {
		return errors.New("receiver.max_gain and receiver.max_ppm cannot be negative")
	}
	if c.Supervisor.StartupGrace < 0 || c.Supervisor.StopTimeout < 0 {
		return errors.New("supervisor timeouts cannot be negative")
	}
	if c.Broadcast.HistoryCapacity < 0 {
		return errors.New("broadcast.history_capacity cannot be negative")
	}
	if c.Broadcast.SubscriberQueue < 1 {
		return errors.New("broadcast.subscriber_queue must be at least 1")
	}
	if c.Broadcast.JournalQueue < 1 {
		return errors.New("broadcast.journal_queue must be at least 1")
	}

	return nil
}
