package hass

import (
	"airzone-ha-bridge/internal/model"
)

// statePayload is the climate entity's state document. Sensor entities read
// their values out of it through templates, so one publish updates every
// entity of the zone.
type statePayload struct {
	Mode        string   `json:"mode,omitempty"`
	Setpoint    *float64 `json:"setpoint,omitempty"`
	CurrentTemp *float64 `json:"current_temperature,omitempty"`
	On          *bool    `json:"on,omitempty"`
	Humidity    *int     `json:"humidity,omitempty"`
}

// StateMessage builds the state publish for a zone.
func StateMessage(prefix string, z *model.Zone, retain bool) Message {
	uid := UniqueID(z.SystemID, z.ID, model.EntityClimate)

	p := statePayload{
		Setpoint:    z.Setpoint,
		CurrentTemp: z.CurrentTemp,
		On:          z.On,
		Humidity:    z.Humidity,
	}
	if z.Mode != nil {
		p.Mode = z.Mode.String()
	}

	return Message{
		Topic:   StateTopic(prefix, uid),
		Payload: mustJSON(p),
		Retain:  retain,
	}
}

// AvailabilityMessage builds an availability publish for a zone entity.
func AvailabilityMessage(prefix string, z *model.Zone, online bool) Message {
	uid := UniqueID(z.SystemID, z.ID, model.EntityClimate)
	payload := PayloadOffline
	if online {
		payload = PayloadOnline
	}
	return Message{
		Topic:   AvailabilityTopic(prefix, uid),
		Payload: []byte(payload),
		Retain:  true,
	}
}
