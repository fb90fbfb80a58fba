package supervisor

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/ierr"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

var Statuses = []string{
	string(StatusIdle),
	string(StatusStarting),
	string(StatusRunning),
	string(StatusStopping),
	string(StatusError),
}

var Protocols = []string{"POCSAG512", "POCSAG1200", "POCSAG2400", "FLEX"}

const (
	DefaultPagerFrequencyHz  int64 = 929_612_500
	DefaultSensorFrequencyHz int64 = 433_920_000
)

// Config holds the receiver parameters of one pipeline run. Zero gain means
// automatic gain; zero squelch and ppm are left to the tool defaults.
type Config struct {
	FrequencyHz int64    `json:"frequencyHz"`
	Gain        float64  `json:"gain"`
	Squelch     int      `json:"squelch"`
	PPM         int      `json:"ppm"`
	Device      int      `json:"device"`
	Protocols   []string `json:"protocols,omitempty"`
}

// FrequencyMHz converts a frequency given in MHz to Hz, rounding to the
// nearest hertz.
func FrequencyMHz(mhz float64) int64 {
	return int64(math.Round(mhz * 1e6))
}

// Limits bound what a Config may ask of the receiver hardware.
type Limits struct {
	MinFrequencyHz int64
	MaxFrequencyHz int64
	MaxDeviceIndex int
	MaxGain        float64
	MaxPPM         int
}

// Normalize fills in source defaults and validates cfg against limits. It
// returns an InvalidConfig error without touching any pipeline state.
func (cfg Config) Normalize(source broadcaster.Source, limits Limits) (Config, error) {
	if cfg.FrequencyHz == 0 {
		cfg.FrequencyHz = DefaultPagerFrequencyHz
		if source == broadcaster.SourceSensor {
			cfg.FrequencyHz = DefaultSensorFrequencyHz
		}
	}

	if cfg.FrequencyHz < limits.MinFrequencyHz || cfg.FrequencyHz > limits.MaxFrequencyHz {
		return cfg, invalidConfig("frequency %.4f MHz is outside the tunable range %.1f-%.1f MHz",
			float64(cfg.FrequencyHz)/1e6,
			float64(limits.MinFrequencyHz)/1e6,
			float64(limits.MaxFrequencyHz)/1e6)
	}

	if cfg.Device < 0 || cfg.Device > limits.MaxDeviceIndex {
		return cfg, invalidConfig("device index %d does not exist", cfg.Device)
	}

	if math.IsNaN(cfg.Gain) || cfg.Gain < 0 || cfg.Gain > limits.MaxGain {
		return cfg, invalidConfig("gain %.1f dB must be between 0 and %.1f", cfg.Gain, limits.MaxGain)
	}

	if cfg.Squelch < 0 {
		return cfg, invalidConfig("squelch cannot be negative")
	}

	if cfg.PPM < -limits.MaxPPM || cfg.PPM > limits.MaxPPM {
		return cfg, invalidConfig("ppm correction %d exceeds ±%d", cfg.PPM, limits.MaxPPM)
	}

	if source != broadcaster.SourcePager {
		cfg.Protocols = nil
		return cfg, nil
	}

	if len(cfg.Protocols) == 0 {
		cfg.Protocols = slices.Clone(Protocols)
		return cfg, nil
	}

	protocols := make([]string, 0, len(cfg.Protocols))
	for _, protocol := range cfg.Protocols {
		if !slices.Contains(Protocols, protocol) {
			return cfg, invalidConfig("unknown protocol %q", protocol)
		}

		if !slices.Contains(protocols, protocol) {
			protocols = append(protocols, protocol)
		}
	}
	cfg.Protocols = protocols

	return cfg, nil
}

func invalidConfig(format string, args ...any) error {
	return ierr.New(ierr.ErrorCodeInvalidConfig, fmt.Errorf(format, args...))
}

// State is a point-in-time view of a pipeline. Pid is set exactly while a
// process is held, that is while starting, running or stopping.
type State struct {
	Source     broadcaster.Source `json:"source"`
	Status     Status             `json:"status"`
	Config     Config             `json:"config"`
	Pid        int                `json:"pid,omitempty"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	ReasonCode ierr.ErrorCode     `json:"reasonCode,omitempty"`
}

func (s State) clone() State {
	s.Config.Protocols = slices.Clone(s.Config.Protocols)
	if s.StartedAt != nil {
		startedAt := *s.StartedAt
		s.StartedAt = &startedAt
	}

	return s
}
