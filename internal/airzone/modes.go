package airzone

import "fmt"

// Mode is an Airzone HVAC operating mode. The set of valid modes is closed:
// values arriving on the wire that are not in this set are a decode failure,
// never coerced to a default.
type Mode string

const (
	ModeOff  Mode = "off"
	ModeHeat Mode = "heat"
	ModeCool Mode = "cool"
	ModeFan  Mode = "fan"
	ModeDry  Mode = "dry"
	ModeAuto Mode = "auto"
)

// AllModes returns every valid mode in a stable order.
func AllModes() []Mode {
	return []Mode{ModeOff, ModeHeat, ModeCool, ModeFan, ModeDry, ModeAuto}
}

// ParseMode converts a wire string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModeHeat, ModeCool, ModeFan, ModeDry, ModeAuto:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// String returns the wire representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// ModesContain reports whether mode is present in the given set.
func ModesContain(set []Mode, mode Mode) bool {
	for _, m := range set {
		if m == mode {
			return true
		}
	}
	return false
}
