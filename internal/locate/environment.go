package locate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"bt-locate.klederson.com/internal/config"
)

var (
	ErrNoIdentifier       = errors.New("at least one target identifier required (mac_address, name_pattern, irk_hex, device_id, device_key, or fingerprint_id)")
	ErrInvalidIRK         = errors.New("invalid irk_hex")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidExponent    = errors.New("custom environment requires a positive path loss exponent")
	ErrScannerUnavailable = errors.New("bluetooth scanner could not be started")
	ErrSessionStopped     = errors.New("session already started or stopped")
)

// Environment is an RF propagation preset.
type Environment int

const (
	FreeSpace Environment = iota
	Outdoor
	Indoor
	Custom
)

var environmentNames = map[Environment]string{
	FreeSpace: "FREE_SPACE",
	Outdoor:   "OUTDOOR",
	Indoor:    "INDOOR",
	Custom:    "CUSTOM",
}

func (e Environment) String() string {
	if name, ok := environmentNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Environment(%d)", int(e))
}

// MarshalText encodes the environment by name.
func (e Environment) MarshalText() ([]byte, error) {
	if _, ok := environmentNames[e]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidEnvironment, int(e))
	}
	return []byte(e.String()), nil
}

// UnmarshalText decodes a name accepted by ParseEnvironment.
func (e *Environment) UnmarshalText(b []byte) error {
	env, err := ParseEnvironment(string(b))
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// ParseEnvironment parses a preset name, case-insensitively. Hyphens and
// spaces are accepted in place of underscores.
func ParseEnvironment(s string) (Environment, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	name = strings.NewReplacer("-", "_", " ", "_").Replace(name)
	for env, n := range environmentNames {
		if n == name {
			return env, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidEnvironment, s)
}

// PathLossExponent returns the exponent n for env. Presets ignore custom;
// Custom requires a positive, finite custom value.
func PathLossExponent(env Environment, custom *float64) (float64, error) {
	switch env {
	case FreeSpace:
		return 2.0, nil
	case Outdoor:
		return 2.2, nil
	case Indoor:
		return 3.0, nil
	case Custom:
		if custom == nil || !(*custom > 0) || math.IsInf(*custom, 0) {
			return 0, ErrInvalidExponent
		}
		return *custom, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidEnvironment, int(env))
}

// ProximityBand is a coarse distance classification.
type ProximityBand string

const (
	BandImmediate ProximityBand = "IMMEDIATE"
	BandNear      ProximityBand = "NEAR"
	BandFar       ProximityBand = "FAR"
)

// BandFor classifies a distance in meters.
func BandFor(distance float64) ProximityBand {
	switch {
	case distance <= 1.0:
		return BandImmediate
	case distance <= 5.0:
		return BandNear
	default:
		return BandFar
	}
}

// DistanceEstimator converts RSSI to distance with the log-distance path
// loss model: d = 10^((RSSIAt1m - rssi) / (10 * N)).
type DistanceEstimator struct {
	N        float64
	RSSIAt1m int
}

// NewDistanceEstimator returns an estimator with the BLE reference power.
func NewDistanceEstimator(n float64) DistanceEstimator {
	return DistanceEstimator{N: n, RSSIAt1m: config.MeasuredPower}
}

// Estimate returns the distance in meters. Non-negative RSSI or a
// non-positive exponent yields 0.
func (e DistanceEstimator) Estimate(rssi int) float64 {
	if rssi >= 0 || e.N <= 0 {
		return 0
	}
	return math.Pow(10, float64(e.RSSIAt1m-rssi)/(10*e.N))
}
