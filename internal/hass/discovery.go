// Package hass encodes and decodes the Home Assistant side of the bridge:
// MQTT Discovery configs, state payloads and inbound command topics.
package hass

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"airzone-ha-bridge/internal/airzone"
	"airzone-ha-bridge/internal/model"
)

// DefaultPrefix is the topic prefix Home Assistant watches for discovery.
const DefaultPrefix = "homeassistant"

// Message is one outbound MQTT publish.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// device is the "device" block in a discovery payload. All zones of one
// Airzone system share it so Home Assistant groups them on one device card.
type device struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// discovery is the discovery payload for both climate and sensor entities.
type discovery struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	AvailabilityTopic string `json:"availability_topic"`
	Device            device `json:"device"`

	// Climate.
	Modes                      []string `json:"modes,omitempty"`
	ModeStateTopic             string   `json:"mode_state_topic,omitempty"`
	ModeStateTemplate          string   `json:"mode_state_template,omitempty"`
	ModeCommandTopic           string   `json:"mode_command_topic,omitempty"`
	TemperatureStateTopic      string   `json:"temperature_state_topic,omitempty"`
	TemperatureStateTemplate   string   `json:"temperature_state_template,omitempty"`
	TemperatureCommandTopic    string   `json:"temperature_command_topic,omitempty"`
	CurrentTemperatureTopic    string   `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTemplate string   `json:"current_temperature_template,omitempty"`
	PowerCommandTopic          string   `json:"power_command_topic,omitempty"`
	PayloadOn                  string   `json:"payload_on,omitempty"`
	PayloadOff                 string   `json:"payload_off,omitempty"`
	MinTemp                    *float64 `json:"min_temp,omitempty"`
	MaxTemp                    *float64 `json:"max_temp,omitempty"`
	TempStep                   *float64 `json:"temp_step,omitempty"`
	TemperatureUnit            string   `json:"temperature_unit,omitempty"`

	// Sensor.
	StateTopic        string `json:"state_topic,omitempty"`
	ValueTemplate     string `json:"value_template,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
}

var unsafeChars = regexp.MustCompile(`[^0-9a-zA-Z_-]+`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// UniqueID derives the stable entity id for a zone entity. It depends only on
// the system and zone ids, never on ephemeral state, so it survives restarts.
func UniqueID(systemID, zoneID string, kind model.EntityKind) string {
	return fmt.Sprintf("az_%s_%s_%s", sanitize(systemID), sanitize(zoneID), kind)
}

// haMode maps a vendor mode to Home Assistant's hvac mode vocabulary.
func haMode(m airzone.Mode) string {
	if m == airzone.ModeFan {
		return "fan_only"
	}
	return m.String()
}

// vendorMode maps a Home Assistant hvac mode back to the vendor vocabulary.
func vendorMode(s string) (airzone.Mode, error) {
	if s == "fan_only" {
		return airzone.ModeFan, nil
	}
	return airzone.ParseMode(s)
}

// modeStateTemplate renders the HA hvac mode from the state payload: a
// powered-off zone shows "off" regardless of its programmed mode.
const modeStateTemplate = "{% if not value_json.on %}off{% elif value_json.mode == 'fan' %}fan_only{% else %}{{ value_json.mode }}{% endif %}"

func configTopic(prefix, component, uid string) string {
	return fmt.Sprintf("%s/%s/%s/config", prefix, component, uid)
}

// StateTopic returns the state topic for a zone's climate entity. Sensor
// entities read from the same topic through value templates.
func StateTopic(prefix, uid string) string {
	return fmt.Sprintf("%s/climate/%s/state", prefix, uid)
}

// AvailabilityTopic returns the availability topic for a zone entity.
func AvailabilityTopic(prefix, uid string) string {
	return fmt.Sprintf("%s/climate/%s/availability", prefix, uid)
}

func commandTopic(prefix, uid, suffix string) string {
	return fmt.Sprintf("%s/climate/%s/%s", prefix, uid, suffix)
}

func systemDevice(sys *model.System) device {
	name := sys.Name
	if name == "" {
		name = "Airzone System " + sys.ID
	}
	return device{
		Identifiers:  []string{"az_" + sanitize(sys.ID)},
		Manufacturer: "Airzone",
		Model:        sys.Model,
		SWVersion:    sys.Firmware,
		Name:         name,
	}
}

func zoneDisplayName(z *model.Zone) string {
	if z.Name != "" {
		return z.Name
	}
	return fmt.Sprintf("Zone %s.%s", z.SystemID, z.ID)
}

// DiscoveryMessages builds the retained discovery configs for every entity a
// zone currently exposes. The output is a pure function of the system and
// zone: identical inputs yield identical topics and payloads, so republishing
// is idempotent.
func DiscoveryMessages(prefix string, sys *model.System, z *model.Zone) []Message {
	dev := systemDevice(sys)
	climUID := UniqueID(z.SystemID, z.ID, model.EntityClimate)
	stateTopic := StateTopic(prefix, climUID)
	avail := AvailabilityTopic(prefix, climUID)

	var msgs []Message
	for _, ent := range model.ZoneEntities(z) {
		switch ent.Kind {
		case model.EntityClimate:
			msgs = append(msgs, climateDiscovery(prefix, dev, z, climUID, stateTopic, avail))
		case model.EntityTemperature:
			uid := UniqueID(z.SystemID, z.ID, ent.Kind)
			msgs = append(msgs, sensorDiscovery(prefix, dev, uid, discovery{
				Name:              zoneDisplayName(z) + " Temperature",
				StateTopic:        stateTopic,
				ValueTemplate:     "{{ value_json.current_temperature }}",
				DeviceClass:       "temperature",
				UnitOfMeasurement: "°C",
				StateClass:        "measurement",
				AvailabilityTopic: avail,
			}))
		case model.EntityHumidity:
			uid := UniqueID(z.SystemID, z.ID, ent.Kind)
			msgs = append(msgs, sensorDiscovery(prefix, dev, uid, discovery{
				Name:              zoneDisplayName(z) + " Humidity",
				StateTopic:        stateTopic,
				ValueTemplate:     "{{ value_json.humidity }}",
				DeviceClass:       "humidity",
				UnitOfMeasurement: "%",
				StateClass:        "measurement",
				AvailabilityTopic: avail,
			}))
		}
	}
	return msgs
}

// RemoveMessages builds the retained empty payloads that delete a zone's
// entities from Home Assistant, plus a state topic clear. Publishing an empty
// retained payload on a config topic removes the entity.
func RemoveMessages(prefix string, z *model.Zone) []Message {
	climUID := UniqueID(z.SystemID, z.ID, model.EntityClimate)
	msgs := make([]Message, 0, 4)
	for _, ent := range model.ZoneEntities(z) {
		component := "sensor"
		if ent.Kind == model.EntityClimate {
			component = "climate"
		}
		uid := UniqueID(ent.SystemID, ent.ZoneID, ent.Kind)
		msgs = append(msgs, Message{Topic: configTopic(prefix, component, uid), Retain: true})
	}
	msgs = append(msgs, Message{Topic: StateTopic(prefix, climUID), Retain: true})
	return msgs
}

func climateDiscovery(prefix string, dev device, z *model.Zone, uid, stateTopic, avail string) Message {
	modes := z.Modes
	if len(modes) == 0 {
		modes = airzone.AllModes()
	}
	haModes := make([]string, 0, len(modes))
	for _, m := range modes {
		haModes = append(haModes, haMode(m))
	}

	payload := discovery{
		Name:                       zoneDisplayName(z),
		UniqueID:                   uid,
		AvailabilityTopic:          avail,
		Device:                     systemCopy(dev),
		Modes:                      haModes,
		ModeStateTopic:             stateTopic,
		ModeStateTemplate:          modeStateTemplate,
		ModeCommandTopic:           commandTopic(prefix, uid, SuffixSetMode),
		TemperatureStateTopic:      stateTopic,
		TemperatureStateTemplate:   "{{ value_json.setpoint }}",
		TemperatureCommandTopic:    commandTopic(prefix, uid, SuffixSetTemperature),
		CurrentTemperatureTopic:    stateTopic,
		CurrentTemperatureTemplate: "{{ value_json.current_temperature }}",
		PowerCommandTopic:          commandTopic(prefix, uid, SuffixSetPower),
		PayloadOn:                  "ON",
		PayloadOff:                 "OFF",
		MinTemp:                    z.MinSetpoint,
		MaxTemp:                    z.MaxSetpoint,
		TempStep:                   z.Step,
		TemperatureUnit:            "C",
	}
	return Message{Topic: configTopic(prefix, "climate", uid), Payload: mustJSON(payload), Retain: true}
}

func sensorDiscovery(prefix string, dev device, uid string, payload discovery) Message {
	payload.UniqueID = uid
	payload.Device = systemCopy(dev)
	return Message{Topic: configTopic(prefix, "sensor", uid), Payload: mustJSON(payload), Retain: true}
}

// systemCopy deep-copies the device block so payloads never alias a shared
// identifiers slice.
func systemCopy(dev device) device {
	dev.Identifiers = append([]string(nil), dev.Identifiers...)
	return dev
}

// StatusTopic returns the topic Home Assistant publishes its birth and last
// will messages on. A retained "online" there means HA restarted and needs
// discovery republished.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// PayloadOnline and PayloadOffline are the availability wire values.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// uidFromTopic extracts the entity uid out of a climate command topic.
func uidFromTopic(prefix, topic, suffix string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/climate/")
	if !ok {
		return "", false
	}
	uid, ok := strings.CutSuffix(rest, "/"+suffix)
	if !ok || uid == "" || strings.Contains(uid, "/") {
		return "", false
	}
	return uid, true
}
