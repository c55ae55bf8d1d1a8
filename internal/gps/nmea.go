// Package gps provides the position source used to tag detections. Fixes
// come from an NMEA 0183 receiver on a serial port.
package gps

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrNotNMEA     = errors.New("not an NMEA sentence")
	ErrChecksum    = errors.New("NMEA checksum mismatch")
	ErrUnsupported = errors.New("unsupported NMEA sentence")
)

// Sentence is the subset of a GGA, RMC or GST sentence the receiver uses.
type Sentence struct {
	Kind   string // "GGA", "RMC" or "GST"
	Fix    bool   // GGA quality > 0 or RMC status A
	HasPos bool
	Lat    float64
	Lon    float64
	HDOP   float64
	HasErr bool    // GST carried lat/lon sigmas
	LatErr float64 // 1-sigma latitude error, meters
	LonErr float64 // 1-sigma longitude error, meters
}

// ParseNMEA parses one sentence such as
// "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47".
// The checksum is verified when present.
func ParseNMEA(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, ErrNotNMEA
	}
	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		want, err := strconv.ParseUint(body[star+1:], 16, 8)
		if err != nil {
			return Sentence{}, fmt.Errorf("%w: %q", ErrChecksum, body[star+1:])
		}
		body = body[:star]
		var sum byte
		for i := 0; i < len(body); i++ {
			sum ^= body[i]
		}
		if sum != byte(want) {
			return Sentence{}, ErrChecksum
		}
	}

	f := strings.Split(body, ",")
	if len(f[0]) < 5 {
		return Sentence{}, ErrNotNMEA
	}
	kind := f[0][len(f[0])-3:] // talker id (GP, GN, GL...) is ignored

	switch kind {
	case "GGA":
		if len(f) < 9 {
			return Sentence{}, fmt.Errorf("GGA: %d fields", len(f))
		}
		s := Sentence{Kind: kind}
		q, _ := strconv.Atoi(f[6])
		s.Fix = q > 0
		s.Lat, s.Lon, s.HasPos = parseLatLon(f[2], f[3], f[4], f[5])
		s.HDOP, _ = strconv.ParseFloat(f[8], 64)
		return s, nil
	case "RMC":
		if len(f) < 7 {
			return Sentence{}, fmt.Errorf("RMC: %d fields", len(f))
		}
		s := Sentence{Kind: kind, Fix: f[2] == "A"}
		s.Lat, s.Lon, s.HasPos = parseLatLon(f[3], f[4], f[5], f[6])
		return s, nil
	case "GST":
		if len(f) < 8 {
			return Sentence{}, fmt.Errorf("GST: %d fields", len(f))
		}
		s := Sentence{Kind: kind}
		latErr, err1 := strconv.ParseFloat(f[6], 64)
		lonErr, err2 := strconv.ParseFloat(f[7], 64)
		if err1 == nil && err2 == nil {
			s.HasErr, s.LatErr, s.LonErr = true, latErr, lonErr
		}
		return s, nil
	}
	return Sentence{}, fmt.Errorf("%w: %s", ErrUnsupported, f[0])
}

// parseLatLon converts ddmm.mmmm/dddmm.mmmm plus hemisphere into signed
// decimal degrees.
func parseLatLon(lat, ns, lon, ew string) (float64, float64, bool) {
	la, ok1 := parseDegMin(lat, 2)
	lo, ok2 := parseDegMin(lon, 3)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	switch ns {
	case "S":
		la = -la
	case "N":
	default:
		return 0, 0, false
	}
	switch ew {
	case "W":
		lo = -lo
	case "E":
	default:
		return 0, 0, false
	}
	return la, lo, true
}

func parseDegMin(v string, degDigits int) (float64, bool) {
	if len(v) < degDigits+2 {
		return 0, false
	}
	deg, err := strconv.Atoi(v[:degDigits])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil || minutes >= 60 {
		return 0, false
	}
	return float64(deg) + minutes/60, true
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
