package hass

import (
	"strconv"
	"strings"

	"airzone-ha-bridge/internal/airzone"
)

// Command topic suffixes subscribed per climate entity.
const (
	SuffixSetMode        = "set_mode"
	SuffixSetTemperature = "set_temperature"
	SuffixSetPower       = "set_power"
)

// CommandFilters returns the subscription filters covering every command
// topic under the discovery prefix.
func CommandFilters(prefix string) []string {
	return []string{
		prefix + "/climate/+/" + SuffixSetMode,
		prefix + "/climate/+/" + SuffixSetTemperature,
		prefix + "/climate/+/" + SuffixSetPower,
	}
}

// ParseCommandTopic splits an inbound command topic into the entity uid and
// the command suffix. Non-command topics return ok=false.
func ParseCommandTopic(prefix, topic string) (uid, suffix string, ok bool) {
	for _, s := range []string{SuffixSetMode, SuffixSetTemperature, SuffixSetPower} {
		if u, found := uidFromTopic(prefix, topic, s); found {
			return u, s, true
		}
	}
	return "", "", false
}

// DecodeCommand parses a command payload for the given suffix into a vendor
// command. Unknown modes, non-numeric temperatures and unknown power values
// are rejected with a *airzone.DecodeError naming the field.
func DecodeCommand(topic, suffix string, payload []byte) (airzone.Command, error) {
	value := strings.TrimSpace(string(payload))

	switch suffix {
	case SuffixSetMode:
		mode, err := vendorMode(value)
		if err != nil {
			return airzone.Command{}, &airzone.DecodeError{Topic: topic, Field: "mode", Reason: err.Error()}
		}
		return airzone.Command{Kind: airzone.CommandMode, Mode: mode}, nil

	case SuffixSetTemperature:
		sp, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return airzone.Command{}, &airzone.DecodeError{Topic: topic, Field: "temperature", Reason: "not a number"}
		}
		return airzone.Command{Kind: airzone.CommandSetpoint, Setpoint: sp}, nil

	case SuffixSetPower:
		switch value {
		case "ON":
			return airzone.Command{Kind: airzone.CommandPower, On: true}, nil
		case "OFF":
			return airzone.Command{Kind: airzone.CommandPower, On: false}, nil
		}
		return airzone.Command{}, &airzone.DecodeError{Topic: topic, Field: "power", Reason: "expected ON or OFF"}
	}
	return airzone.Command{}, &airzone.DecodeError{Topic: topic, Reason: "unknown command suffix " + suffix}
}
