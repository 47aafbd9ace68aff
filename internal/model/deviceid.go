// Package model defines Hypo's shared wire and domain types: device
// identity, clipboard content, history rows, and the sync envelope. It has
// no dependencies on any other internal package so every component can
// import it without risking a cycle.
package model

import (
	"strings"

	"github.com/google/uuid"
)

// DeviceID is a canonical, lowercase UUID string identifying one device.
type DeviceID string

// legacyPrefixes lists historical device-id forms that must be normalized
// on ingress (spec.md §3, §9 "device-id case & prefix drift").
var legacyPrefixes = []string{"android-", "macos-"}

// NormalizeDeviceID trims any legacy platform prefix, lowercases the
// remainder, and validates it parses as a UUID. All boundaries (discovery,
// pairing, frame decode, key store) must call this before comparing or
// persisting a device id — centralizing it here is the fix for the
// historical case/prefix drift bug class.
func NormalizeDeviceID(raw string) (DeviceID, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range legacyPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return DeviceID(id.String()), nil
}

// NewDeviceID generates a fresh v4 UUID device id.
func NewDeviceID() DeviceID {
	return DeviceID(uuid.New().String())
}

// Equal reports whether two device ids refer to the same device once both
// are normalized. Malformed ids are never equal to anything.
func (d DeviceID) Equal(other DeviceID) bool {
	a, err1 := NormalizeDeviceID(string(d))
	b, err2 := NormalizeDeviceID(string(other))
	if err1 != nil || err2 != nil {
		return false
	}
	return a == b
}

// String returns the lowercase canonical form, best-effort (no validation).
func (d DeviceID) String() string {
	return strings.ToLower(string(d))
}
