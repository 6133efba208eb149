// Package radio provides engine adapters: a tinygo bluetooth binding for
// real hardware and an in-memory simulator for development and tests.
package radio

import (
	"fmt"
	"strconv"
	"strings"

	"tinygo.org/x/bluetooth"
)

// Heart rate service, used by the simulator's default peripheral.
const (
	HeartRateService     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"
	BodySensorLocation   = "00002a38-0000-1000-8000-00805f9b34fb"
)

// CanonicalUUID returns the lower-case 128-bit form of a UUID given either
// in full or as a 16-bit short form such as "180d".
func CanonicalUUID(s string) (string, error) {
	u, err := parseUUID(s)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func parseUUID(s string) (bluetooth.UUID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("radio: parse uuid %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("radio: parse uuid %q: %w", s, err)
	}
	return u, nil
}

// charKey identifies a characteristic within a peripheral.
func charKey(service, characteristic string) (string, error) {
	svc, err := CanonicalUUID(service)
	if err != nil {
		return "", err
	}
	chr, err := CanonicalUUID(characteristic)
	if err != nil {
		return "", err
	}
	return svc + "/" + chr, nil
}
