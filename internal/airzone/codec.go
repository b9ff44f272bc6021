package airzone

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Topic suffixes used by the vendor schema.
const (
	topicOnline       = "online"
	topicState        = "state"
	topicCapabilities = "capabilities"
	topicCommand      = "command"
	topicGetStatus    = "get_status"
)

// SubscriptionFilter returns the wildcard filter covering every topic the
// controller publishes under the given prefix.
func SubscriptionFilter(prefix string) string {
	return prefix + "/#"
}

// StatusRequestTopic returns the topic used to ask the controller for a full
// state snapshot. The payload is empty; devices answer by republishing their
// state and capabilities topics.
func StatusRequestTopic(prefix string) string {
	return prefix + "/" + topicGetStatus
}

type onlinePayload struct {
	Online *bool `json:"online"`
}

type systemPayload struct {
	Model    *string `json:"model"`
	Firmware *string `json:"firmware"`
	Name     *string `json:"name"`
}

type zoneStatePayload struct {
	Mode               *string  `json:"mode"`
	Setpoint           *float64 `json:"setpoint"`
	CurrentTemperature *float64 `json:"current_temperature"`
	On                 *bool    `json:"on"`
	Humidity           *int     `json:"humidity"`
	Name               *string  `json:"name"`
}

type capabilitiesPayload struct {
	Modes       []string `json:"modes"`
	MinSetpoint *float64 `json:"min_setpoint"`
	MaxSetpoint *float64 `json:"max_setpoint"`
	Step        *float64 `json:"step"`
}

// DecodeMessage parses an inbound Airzone MQTT message into a typed event.
// Topics outside the prefix, malformed JSON, missing required keys and
// out-of-enum values are all rejected with a *DecodeError naming the field.
func DecodeMessage(prefix, topic string, payload []byte) (Event, error) {
	rel, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return nil, &DecodeError{Topic: topic, Reason: "outside prefix " + prefix}
	}

	parts := strings.Split(rel, "/")
	switch {
	case len(parts) == 1 && parts[0] == topicOnline:
		return decodeOnline(topic, payload)
	case len(parts) == 2 && parts[1] == topicState:
		return decodeSystem(topic, parts[0], payload)
	case len(parts) == 3 && parts[2] == topicState:
		return decodeZoneState(topic, parts[0], parts[1], payload)
	case len(parts) == 3 && parts[2] == topicCapabilities:
		return decodeCapabilities(topic, parts[0], parts[1], payload)
	}
	return nil, &DecodeError{Topic: topic, Reason: "unknown topic shape"}
}

func unmarshalPayload(topic string, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &DecodeError{
				Topic:  topic,
				Field:  typeErr.Field,
				Reason: fmt.Sprintf("expected %s", typeErr.Type),
			}
		}
		return &DecodeError{Topic: topic, Field: "payload", Reason: "invalid JSON"}
	}
	return nil
}

func decodeOnline(topic string, payload []byte) (Event, error) {
	var p onlinePayload
	if err := unmarshalPayload(topic, payload, &p); err != nil {
		return nil, err
	}
	if p.Online == nil {
		return nil, &DecodeError{Topic: topic, Field: "online", Reason: "missing"}
	}
	return OnlineEvent{Online: *p.Online}, nil
}

func decodeSystem(topic, systemID string, payload []byte) (Event, error) {
	if systemID == "" {
		return nil, &DecodeError{Topic: topic, Field: "system_id", Reason: "empty"}
	}
	var p systemPayload
	if err := unmarshalPayload(topic, payload, &p); err != nil {
		return nil, err
	}
	ev := SystemEvent{SystemID: systemID}
	if p.Model != nil {
		ev.Meta.Model = *p.Model
	}
	if p.Firmware != nil {
		ev.Meta.Firmware = *p.Firmware
	}
	if p.Name != nil {
		ev.Meta.Name = *p.Name
	}
	return ev, nil
}

func decodeZoneState(topic, systemID, zoneID string, payload []byte) (Event, error) {
	if systemID == "" {
		return nil, &DecodeError{Topic: topic, Field: "system_id", Reason: "empty"}
	}
	if zoneID == "" {
		return nil, &DecodeError{Topic: topic, Field: "zone_id", Reason: "empty"}
	}

	var p zoneStatePayload
	if err := unmarshalPayload(topic, payload, &p); err != nil {
		return nil, err
	}

	ev := ZoneStateEvent{SystemID: systemID, ZoneID: zoneID}
	if p.Mode != nil {
		mode, err := ParseMode(*p.Mode)
		if err != nil {
			return nil, &DecodeError{Topic: topic, Field: "mode", Reason: err.Error()}
		}
		ev.State.Mode = &mode
	}
	ev.State.Setpoint = p.Setpoint
	ev.State.CurrentTemp = p.CurrentTemperature
	ev.State.On = p.On
	ev.State.Humidity = p.Humidity
	ev.State.Name = p.Name

	if ev.State == (ZoneState{}) {
		return nil, &DecodeError{Topic: topic, Field: "payload", Reason: "no recognized fields"}
	}
	return ev, nil
}

func decodeCapabilities(topic, systemID, zoneID string, payload []byte) (Event, error) {
	if systemID == "" {
		return nil, &DecodeError{Topic: topic, Field: "system_id", Reason: "empty"}
	}
	if zoneID == "" {
		return nil, &DecodeError{Topic: topic, Field: "zone_id", Reason: "empty"}
	}

	var p capabilitiesPayload
	if err := unmarshalPayload(topic, payload, &p); err != nil {
		return nil, err
	}

	ev := ZoneCapabilitiesEvent{SystemID: systemID, ZoneID: zoneID}
	for _, s := range p.Modes {
		mode, err := ParseMode(s)
		if err != nil {
			return nil, &DecodeError{Topic: topic, Field: "modes", Reason: err.Error()}
		}
		ev.Caps.Modes = append(ev.Caps.Modes, mode)
	}
	if p.MinSetpoint != nil && p.MaxSetpoint != nil && *p.MinSetpoint > *p.MaxSetpoint {
		return nil, &DecodeError{Topic: topic, Field: "min_setpoint", Reason: "greater than max_setpoint"}
	}
	if p.Step != nil && *p.Step <= 0 {
		return nil, &DecodeError{Topic: topic, Field: "step", Reason: "must be positive"}
	}
	ev.Caps.MinSetpoint = p.MinSetpoint
	ev.Caps.MaxSetpoint = p.MaxSetpoint
	ev.Caps.Step = p.Step
	return ev, nil
}

// CommandKind selects which zone parameter a command changes.
type CommandKind string

const (
	CommandSetpoint CommandKind = "setpoint"
	CommandMode     CommandKind = "mode"
	CommandPower    CommandKind = "power"
)

// Command is a single outbound instruction for one zone.
type Command struct {
	Kind     CommandKind
	Setpoint float64
	Mode     Mode
	On       bool
}

// Bounds is the setpoint range a command is clamped against. A nil *Bounds
// means the range has not been learned yet and the value is forwarded as-is.
type Bounds struct {
	Min  float64
	Max  float64
	Step float64
}

// Clamp limits v to the bounds and snaps it to the step grid anchored at Min.
func (b *Bounds) Clamp(v float64) float64 {
	if b == nil {
		return v
	}
	if b.Step > 0 {
		steps := math.Round((v - b.Min) / b.Step)
		v = b.Min + steps*b.Step
	}
	if v < b.Min {
		v = b.Min
	}
	if v > b.Max {
		v = b.Max
	}
	return v
}

// EncodeCommand serializes a command for the vendor command topic. Setpoints
// are clamped against bounds when known; callers validate before encoding, the
// clamp is a final guard on the wire value.
func EncodeCommand(prefix, systemID, zoneID string, cmd Command, bounds *Bounds) (string, []byte, error) {
	if systemID == "" || zoneID == "" {
		return "", nil, fmt.Errorf("encode command: missing zone address")
	}

	topic := fmt.Sprintf("%s/%s/%s/%s", prefix, systemID, zoneID, topicCommand)

	var body map[string]any
	switch cmd.Kind {
	case CommandSetpoint:
		body = map[string]any{"setpoint": bounds.Clamp(cmd.Setpoint)}
	case CommandMode:
		if _, err := ParseMode(string(cmd.Mode)); err != nil {
			return "", nil, fmt.Errorf("encode command: %w", err)
		}
		body = map[string]any{"mode": cmd.Mode.String()}
	case CommandPower:
		body = map[string]any{"on": cmd.On}
	default:
		return "", nil, fmt.Errorf("encode command: unknown kind %q", cmd.Kind)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("encode command: %w", err)
	}
	return topic, payload, nil
}
