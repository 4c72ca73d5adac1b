// Package device runs one actor per physical device: it owns the device's
// transport, live state, circuit breaker, topology and periodic tasks.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dokzlo13/dingzd/internal/dingz"
)

var (
	// ErrWrongModel is returned when the unit at an address is not the expected product.
	ErrWrongModel = errors.New("unexpected device model")
	// ErrUnknownChannel is returned for commands against a channel the device does not expose.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnsupported is returned when a channel lacks the requested capability.
	ErrUnsupported = errors.New("capability not supported by channel")
	// ErrNotRunning is returned when a session is used after Shutdown.
	ErrNotRunning = errors.New("device session not running")
)

// Family selects which accessory behavior applies to a device.
type Family string

const (
	FamilyDingz  Family = "dingz"
	FamilySwitch Family = "switch"
	FamilyBulb   Family = "bulb"
)

// ParseFamily validates a family name.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(s)); f {
	case FamilyDingz, FamilySwitch, FamilyBulb:
		return f, nil
	case "":
		return FamilyDingz, nil
	default:
		return "", fmt.Errorf("unknown device family %q", s)
	}
}

// accepts reports whether a product code belongs to the family.
func (f Family) accepts(t dingz.DeviceType) bool {
	switch f {
	case FamilyDingz:
		return t == dingz.TypeDingz
	case FamilySwitch:
		return t.IsSwitch()
	case FamilyBulb:
		return t == dingz.TypeBulb
	}
	return false
}

// FamilyForType maps a product code to a family.
func FamilyForType(t dingz.DeviceType) (Family, bool) {
	for _, f := range []Family{FamilyDingz, FamilySwitch, FamilyBulb} {
		if f.accepts(t) {
			return f, true
		}
	}
	return "", false
}

// Identity describes one physical unit. Only Address may change after registration.
type Identity struct {
	MAC     string
	Name    string
	Address string
	Token   string
	Model   string
	Family  Family
}

// NormalizeMAC uppercases a MAC and strips separators.
func NormalizeMAC(mac string) string {
	r := strings.NewReplacer(":", "", "-", "", ".", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(mac)))
}
