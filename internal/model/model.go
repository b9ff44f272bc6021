// Package model holds the in-memory representation of discovered Airzone
// systems and zones. It is the single source of truth for last-known state.
//
// The registry is not safe for concurrent use: the sync engine serializes all
// access through its single event loop, so no locking happens here.
package model

import (
	"errors"
	"sort"
	"time"

	"airzone-ha-bridge/internal/airzone"
)

// ErrNotFound is returned when a requested system or zone does not exist.
var ErrNotFound = errors.New("not found")

// Field names reported in a ChangeSet.
const (
	FieldMode        = "mode"
	FieldSetpoint    = "setpoint"
	FieldCurrentTemp = "current_temperature"
	FieldOn          = "on"
	FieldHumidity    = "humidity"
	FieldName        = "name"
	FieldModes       = "modes"
	FieldMinSetpoint = "min_setpoint"
	FieldMaxSetpoint = "max_setpoint"
	FieldStep        = "step"
)

// ChangeSet enumerates which fields actually changed value during an upsert.
// The sync engine uses it to avoid redundant publishes: an empty ChangeSet
// means the update was a no-op.
type ChangeSet struct {
	// Initial is true for the first-ever upsert of a zone.
	Initial bool

	fields map[string]bool
	schema bool
}

func (cs *ChangeSet) add(field string) {
	if cs.fields == nil {
		cs.fields = make(map[string]bool)
	}
	cs.fields[field] = true
}

func (cs *ChangeSet) addSchema(field string) {
	cs.add(field)
	cs.schema = true
}

// Empty reports whether nothing changed.
func (cs *ChangeSet) Empty() bool {
	return !cs.Initial && len(cs.fields) == 0
}

// Contains reports whether the named field changed.
func (cs *ChangeSet) Contains(field string) bool {
	return cs.fields[field]
}

// SchemaChanged reports whether the change affects the discovery payload
// (name, mode set, setpoint range, or a sensor field appearing for the first
// time) and therefore requires an idempotent discovery republish.
func (cs *ChangeSet) SchemaChanged() bool {
	return cs.schema
}

// Fields returns the changed field names in a stable order.
func (cs *ChangeSet) Fields() []string {
	out := make([]string, 0, len(cs.fields))
	for f := range cs.fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// System is one Airzone master controller and the zones it owns.
type System struct {
	ID       string `json:"id"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	Name     string `json:"name,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`

	zones map[string]*Zone
}

// Zones returns the system's zones sorted by id.
func (s *System) Zones() []*Zone {
	out := make([]*Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Zone is one climate zone under a System. Nil pointers mean the value has
// not been learned from the device yet.
type Zone struct {
	SystemID string `json:"system_id"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`

	Mode        *airzone.Mode `json:"mode,omitempty"`
	Setpoint    *float64      `json:"setpoint,omitempty"`
	CurrentTemp *float64      `json:"current_temperature,omitempty"`
	On          *bool         `json:"on,omitempty"`
	Humidity    *int          `json:"humidity,omitempty"`

	Modes       []airzone.Mode `json:"modes,omitempty"`
	MinSetpoint *float64       `json:"min_setpoint,omitempty"`
	MaxSetpoint *float64       `json:"max_setpoint,omitempty"`
	Step        *float64       `json:"step,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Bounds returns the zone's setpoint range, or nil while it is unknown.
func (z *Zone) Bounds() *airzone.Bounds {
	if z.MinSetpoint == nil || z.MaxSetpoint == nil {
		return nil
	}
	b := &airzone.Bounds{Min: *z.MinSetpoint, Max: *z.MaxSetpoint}
	if z.Step != nil {
		b.Step = *z.Step
	}
	return b
}

// Supports reports whether the zone accepts the given mode. An empty mode set
// means capabilities are unknown and any valid mode is allowed.
func (z *Zone) Supports(mode airzone.Mode) bool {
	if len(z.Modes) == 0 {
		return true
	}
	return airzone.ModesContain(z.Modes, mode)
}

// ZoneUpdate is a partial update applied over an existing zone. Absent fields
// leave the stored value untouched.
type ZoneUpdate struct {
	State airzone.ZoneState
	Caps  airzone.Capabilities
}

// Registry is the in-memory store of systems and zones.
type Registry struct {
	systems map[string]*System
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		systems: make(map[string]*System),
		now:     time.Now,
	}
}

// UpsertSystem creates or updates a system. Empty metadata fields are
// ignored; the returned ChangeSet lists what actually changed.
func (r *Registry) UpsertSystem(id string, meta airzone.SystemMeta) (*System, ChangeSet) {
	var cs ChangeSet

	sys, ok := r.systems[id]
	if !ok {
		sys = &System{ID: id, zones: make(map[string]*Zone)}
		r.systems[id] = sys
		cs.Initial = true
	}

	// All system metadata surfaces in the discovery device block, so any
	// change means the discovery payloads need republishing.
	if meta.Model != "" && meta.Model != sys.Model {
		sys.Model = meta.Model
		cs.addSchema("model")
	}
	if meta.Firmware != "" && meta.Firmware != sys.Firmware {
		sys.Firmware = meta.Firmware
		cs.addSchema("firmware")
	}
	if meta.Name != "" && meta.Name != sys.Name {
		sys.Name = meta.Name
		cs.addSchema(FieldName)
	}
	if !cs.Empty() {
		sys.UpdatedAt = r.now()
	}
	return sys, cs
}

// UpsertZone applies a partial update over a zone, creating it (and its
// system) on first sight. The first-ever upsert always yields an Initial
// ChangeSet so the caller triggers discovery.
func (r *Registry) UpsertZone(systemID, zoneID string, up ZoneUpdate) (*Zone, ChangeSet) {
	var cs ChangeSet

	sys, ok := r.systems[systemID]
	if !ok {
		sys = &System{ID: systemID, zones: make(map[string]*Zone)}
		r.systems[systemID] = sys
	}

	zone, ok := sys.zones[zoneID]
	if !ok {
		zone = &Zone{SystemID: systemID, ID: zoneID}
		sys.zones[zoneID] = zone
		cs.Initial = true
	}

	st := up.State
	if st.Mode != nil && (zone.Mode == nil || *zone.Mode != *st.Mode) {
		v := *st.Mode
		zone.Mode = &v
		cs.add(FieldMode)
	}
	if changed := applyFloat(&zone.Setpoint, st.Setpoint); changed {
		cs.add(FieldSetpoint)
	}
	firstTemp := zone.CurrentTemp == nil
	if changed := applyFloat(&zone.CurrentTemp, st.CurrentTemp); changed {
		if firstTemp {
			// A temperature sensor entity appears: the discovery set changes.
			cs.addSchema(FieldCurrentTemp)
		} else {
			cs.add(FieldCurrentTemp)
		}
	}
	if st.On != nil && (zone.On == nil || *zone.On != *st.On) {
		v := *st.On
		zone.On = &v
		cs.add(FieldOn)
	}
	if st.Humidity != nil && (zone.Humidity == nil || *zone.Humidity != *st.Humidity) {
		first := zone.Humidity == nil
		v := *st.Humidity
		zone.Humidity = &v
		if first {
			// A humidity sensor entity appears: the discovery set changes.
			cs.addSchema(FieldHumidity)
		} else {
			cs.add(FieldHumidity)
		}
	}
	if st.Name != nil && *st.Name != zone.Name {
		zone.Name = *st.Name
		cs.addSchema(FieldName)
	}

	caps := up.Caps
	if len(caps.Modes) > 0 && !sameModes(zone.Modes, caps.Modes) {
		zone.Modes = append([]airzone.Mode(nil), caps.Modes...)
		cs.addSchema(FieldModes)
	}
	if changed := applyFloat(&zone.MinSetpoint, caps.MinSetpoint); changed {
		cs.addSchema(FieldMinSetpoint)
	}
	if changed := applyFloat(&zone.MaxSetpoint, caps.MaxSetpoint); changed {
		cs.addSchema(FieldMaxSetpoint)
	}
	if changed := applyFloat(&zone.Step, caps.Step); changed {
		cs.addSchema(FieldStep)
	}

	if !cs.Empty() {
		zone.UpdatedAt = r.now()
	}
	return zone, cs
}

func applyFloat(dst **float64, src *float64) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func sameModes(a, b []airzone.Mode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetSystem returns a system by id.
func (r *Registry) GetSystem(id string) (*System, error) {
	sys, ok := r.systems[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sys, nil
}

// GetZone returns a zone by system and zone id.
func (r *Registry) GetZone(systemID, zoneID string) (*Zone, error) {
	sys, ok := r.systems[systemID]
	if !ok {
		return nil, ErrNotFound
	}
	zone, ok := sys.zones[zoneID]
	if !ok {
		return nil, ErrNotFound
	}
	return zone, nil
}

// RemoveZone deletes a zone, and its system once the last zone is gone.
func (r *Registry) RemoveZone(systemID, zoneID string) error {
	sys, ok := r.systems[systemID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := sys.zones[zoneID]; !ok {
		return ErrNotFound
	}
	delete(sys.zones, zoneID)
	if len(sys.zones) == 0 {
		delete(r.systems, systemID)
	}
	return nil
}

// Systems returns all systems sorted by id.
func (r *Registry) Systems() []*System {
	out := make([]*System, 0, len(r.systems))
	for _, s := range r.systems {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntityKind distinguishes the Home Assistant entities derived from a zone.
type EntityKind string

const (
	EntityClimate     EntityKind = "climate"
	EntityTemperature EntityKind = "temperature"
	EntityHumidity    EntityKind = "humidity"
)

// EntityDescriptor names one Home Assistant entity derived from a zone.
// Descriptors are a pure function of the current model: recomputing them
// after a restart yields identical values, so Home Assistant never
// re-discovers entities spuriously.
type EntityDescriptor struct {
	SystemID string
	ZoneID   string
	Kind     EntityKind
}

// ZoneEntities returns the entities for a single zone: always the climate
// entity, plus auxiliary sensors for fields the zone has reported.
func ZoneEntities(z *Zone) []EntityDescriptor {
	out := []EntityDescriptor{{SystemID: z.SystemID, ZoneID: z.ID, Kind: EntityClimate}}
	if z.CurrentTemp != nil {
		out = append(out, EntityDescriptor{SystemID: z.SystemID, ZoneID: z.ID, Kind: EntityTemperature})
	}
	if z.Humidity != nil {
		out = append(out, EntityDescriptor{SystemID: z.SystemID, ZoneID: z.ID, Kind: EntityHumidity})
	}
	return out
}

// Entities returns descriptors for every entity in the registry, ordered by
// system id, zone id, then kind.
func (r *Registry) Entities() []EntityDescriptor {
	var out []EntityDescriptor
	for _, sys := range r.Systems() {
		for _, zone := range sys.Zones() {
			out = append(out, ZoneEntities(zone)...)
		}
	}
	return out
}
