package airzone

import "fmt"

// DecodeError describes why an inbound Airzone message was rejected. It names
// the offending field so operators can trace bad payloads; messages that fail
// to decode are dropped without touching the device model.
type DecodeError struct {
	Topic  string
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s: field %q: %s", e.Topic, e.Field, e.Reason)
	}
	return fmt.Sprintf("decode %s: %s", e.Topic, e.Reason)
}

// Event is an inbound Airzone message decoded into a typed value. Concrete
// types are OnlineEvent, SystemEvent, ZoneStateEvent and ZoneCapabilitiesEvent.
type Event interface {
	event()
}

// OnlineEvent reports the controller's online flag.
type OnlineEvent struct {
	Online bool
}

// SystemMeta is optional metadata reported by a system. Empty strings mean
// the field was absent from the payload.
type SystemMeta struct {
	Model    string
	Firmware string
	Name     string
}

// SystemEvent is a state report for a master controller.
type SystemEvent struct {
	SystemID string
	Meta     SystemMeta
}

// ZoneState is a partial zone state update. Nil pointers mean the field was
// absent from the payload and must not overwrite the stored value.
type ZoneState struct {
	Mode        *Mode
	Setpoint    *float64
	CurrentTemp *float64
	On          *bool
	Humidity    *int
	Name        *string
}

// ZoneStateEvent is a state report for a single zone.
type ZoneStateEvent struct {
	SystemID string
	ZoneID   string
	State    ZoneState
}

// Capabilities is a vendor capability advert for a zone: which modes it
// supports and the allowed setpoint range.
type Capabilities struct {
	Modes       []Mode
	MinSetpoint *float64
	MaxSetpoint *float64
	Step        *float64
}

// ZoneCapabilitiesEvent carries a capability advert for a single zone.
type ZoneCapabilitiesEvent struct {
	SystemID string
	ZoneID   string
	Caps     Capabilities
}

func (OnlineEvent) event()           {}
func (SystemEvent) event()           {}
func (ZoneStateEvent) event()        {}
func (ZoneCapabilitiesEvent) event() {}
