package handler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goevery/intercept/internal/ierr"
	"github.com/goevery/intercept/internal/supervisor"
)

// Number accepts either a JSON number or a numeric string. NaN and infinities
// are rejected.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*n = 0
	case float64:
		*n = Number(v)
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			*n = 0
			return nil
		}

		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("invalid number %q", v)
		}
		*n = Number(f)
	default:
		return fmt.Errorf("expected a number, got %s", data)
	}

	return nil
}

// ReceiverRequest carries the tuning parameters of a start or restart.
// Frequency is in MHz; zero selects the source default.
type ReceiverRequest struct {
	Frequency Number   `json:"frequency"`
	Gain      Number   `json:"gain"`
	Squelch   Number   `json:"squelch"`
	PPM       Number   `json:"ppm"`
	Device    Number   `json:"device"`
	Protocols []string `json:"protocols"`
}

func (r ReceiverRequest) Config() (supervisor.Config, error) {
	squelch, err := integer("squelch", r.Squelch)
	if err != nil {
		return supervisor.Config{}, err
	}

	ppm, err := integer("ppm", r.PPM)
	if err != nil {
		return supervisor.Config{}, err
	}

	device, err := integer("device", r.Device)
	if err != nil {
		return supervisor.Config{}, err
	}

	return supervisor.Config{
		FrequencyHz: supervisor.FrequencyMHz(float64(r.Frequency)),
		Gain:        float64(r.Gain),
		Squelch:     squelch,
		PPM:         ppm,
		Device:      device,
		Protocols:   r.Protocols,
	}, nil
}

func integer(name string, n Number) (int, error) {
	f := float64(n)
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, ierr.New(ierr.ErrorCodeInvalidConfig, fmt.Errorf("%s must be an integer", name))
	}

	return int(f), nil
}
