// Package bridge contains the sync engine that mirrors Airzone controller
// state into Home Assistant MQTT Discovery entities and forwards Home
// Assistant commands back to the controller.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"airzone-ha-bridge/internal/airzone"
	"airzone-ha-bridge/internal/hass"
	"airzone-ha-bridge/internal/model"
)

// Config holds the engine settings.
type Config struct {
	// AirzonePrefix is the vendor topic prefix, e.g. "airzone/az".
	AirzonePrefix string
	// DiscoveryPrefix is the Home Assistant discovery prefix.
	DiscoveryPrefix string
	// CommandTimeout is how long a forwarded command may stay unconfirmed
	// before it is dropped and logged.
	CommandTimeout time.Duration
	// PollInterval is the silence window after which the engine asks the
	// controller for a full status snapshot.
	PollInterval time.Duration
	// RetainState controls whether entity state topics are retained.
	RetainState bool
}

func (c *Config) applyDefaults() {
	if c.AirzonePrefix == "" {
		c.AirzonePrefix = "airzone/az"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = hass.DefaultPrefix
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
}

type zoneKey struct {
	systemID string
	zoneID   string
}

type syncState int

const (
	zoneUnknown syncState = iota
	zoneDiscovered
	zoneSynced
)

type pendingCommand struct {
	cmd      airzone.Command
	expected float64 // clamped setpoint actually sent on the wire
	seq      uint64
	timer    *time.Timer
	issuedAt time.Time
}

type rawMsg struct {
	topic   string
	payload []byte
}

type timeoutMsg struct {
	key zoneKey
	seq uint64
}

type connMsg struct {
	connected bool
}

type snapshotRequest struct {
	reply chan []SystemSnapshot
}

type removeZoneRequest struct {
	key   zoneKey
	reply chan error
}

// SystemSnapshot is a point-in-time copy of one system and its zones, safe
// to read outside the loop goroutine.
type SystemSnapshot struct {
	ID        string       `json:"id"`
	Model     string       `json:"model,omitempty"`
	Firmware  string       `json:"firmware,omitempty"`
	Name      string       `json:"name,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
	Zones     []model.Zone `json:"zones"`
}

// Engine is the single-threaded sync loop. All model mutations and publishes
// happen on the loop goroutine; the public surface only enqueues messages.
type Engine struct {
	cfg       Config
	transport Transport
	registry  *model.Registry
	families  *airzone.FamilyDB
	events    *EventBus
	logger    *slog.Logger

	inbound chan any
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// Loop-owned state, never touched off the loop goroutine.
	zoneSync    map[zoneKey]syncState
	pending     map[zoneKey]*pendingCommand
	uidIndex    map[string]zoneKey
	online      bool
	lastTraffic time.Time
	nextSeq     uint64
}

// New creates an engine. Call Start to subscribe and begin processing.
func New(cfg Config, transport Transport, registry *model.Registry, families *airzone.FamilyDB, events *EventBus, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if families == nil {
		families = airzone.NewFamilyDB()
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		families:  families,
		events:    events,
		logger:    logger,
		inbound:   make(chan any, 1024),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		zoneSync:  make(map[zoneKey]syncState),
		pending:   make(map[zoneKey]*pendingCommand),
		uidIndex:  make(map[string]zoneKey),
	}
}

// Start subscribes to both sides of the bridge and launches the loop.
func (e *Engine) Start() error {
	if err := e.transport.Subscribe(airzone.SubscriptionFilter(e.cfg.AirzonePrefix), e.enqueueRaw); err != nil {
		return err
	}
	for _, f := range hass.CommandFilters(e.cfg.DiscoveryPrefix) {
		if err := e.transport.Subscribe(f, e.enqueueRaw); err != nil {
			return err
		}
	}
	if err := e.transport.Subscribe(hass.StatusTopic(e.cfg.DiscoveryPrefix), e.enqueueRaw); err != nil {
		return err
	}
	e.transport.OnConnectionChange(func(connected bool) {
		e.enqueue(connMsg{connected: connected})
	})
	go e.run()
	return nil
}

// Stop terminates the loop. Pending command timers are cancelled and no
// further messages are published.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.done) })
	<-e.stopped
}

func (e *Engine) enqueueRaw(topic string, payload []byte) {
	e.enqueue(rawMsg{topic: topic, payload: payload})
}

func (e *Engine) enqueue(m any) {
	select {
	case e.inbound <- m:
	case <-e.done:
	default:
		e.logger.Warn("inbound queue full, dropping message")
	}
}

func (e *Engine) run() {
	defer close(e.stopped)

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	e.lastTraffic = time.Now()

	for {
		select {
		case <-e.done:
			for key, p := range e.pending {
				p.timer.Stop()
				delete(e.pending, key)
			}
			return
		case m := <-e.inbound:
			e.process(m)
		case <-poll.C:
			if time.Since(e.lastTraffic) >= e.cfg.PollInterval {
				e.requestStatus()
			}
		}
	}
}

func (e *Engine) process(m any) {
	switch msg := m.(type) {
	case rawMsg:
		e.handleRaw(msg.topic, msg.payload)
	case timeoutMsg:
		e.handleTimeout(msg.key, msg.seq)
	case connMsg:
		e.handleConnection(msg.connected)
	case snapshotRequest:
		msg.reply <- e.snapshot()
	case removeZoneRequest:
		msg.reply <- e.removeZone(msg.key)
	}
}

// RemoveZone forgets a zone and deletes its entities from Home Assistant by
// publishing empty retained discovery payloads.
func (e *Engine) RemoveZone(ctx context.Context, systemID, zoneID string) error {
	req := removeZoneRequest{
		key:   zoneKey{systemID: systemID, zoneID: zoneID},
		reply: make(chan error, 1),
	}
	select {
	case e.inbound <- req:
	case <-e.done:
		return errors.New("engine stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-e.done:
		return errors.New("engine stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) removeZone(key zoneKey) error {
	zone, err := e.registry.GetZone(key.systemID, key.zoneID)
	if err != nil {
		return err
	}

	for _, msg := range hass.RemoveMessages(e.cfg.DiscoveryPrefix, zone) {
		if err := e.transport.Publish(msg.Topic, msg.Payload, msg.Retain); err != nil {
			e.logger.Error("remove publish failed", "topic", msg.Topic, "error", err)
		}
	}
	for _, ent := range model.ZoneEntities(zone) {
		delete(e.uidIndex, hass.UniqueID(ent.SystemID, ent.ZoneID, ent.Kind))
	}
	if p, ok := e.pending[key]; ok {
		p.timer.Stop()
		delete(e.pending, key)
	}
	delete(e.zoneSync, key)

	if err := e.registry.RemoveZone(key.systemID, key.zoneID); err != nil {
		return err
	}
	e.logger.Info("zone removed", "system", key.systemID, "zone", key.zoneID)
	return nil
}

// Snapshot returns a copy of the current device model. It is served by the
// loop goroutine, so callers see a consistent view.
func (e *Engine) Snapshot(ctx context.Context) ([]SystemSnapshot, error) {
	req := snapshotRequest{reply: make(chan []SystemSnapshot, 1)}
	select {
	case e.inbound <- req:
	case <-e.done:
		return nil, errors.New("engine stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-e.done:
		return nil, errors.New("engine stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) snapshot() []SystemSnapshot {
	systems := e.registry.Systems()
	out := make([]SystemSnapshot, 0, len(systems))
	for _, sys := range systems {
		snap := SystemSnapshot{
			ID:        sys.ID,
			Model:     sys.Model,
			Firmware:  sys.Firmware,
			Name:      sys.Name,
			UpdatedAt: sys.UpdatedAt,
		}
		for _, z := range sys.Zones() {
			snap.Zones = append(snap.Zones, *z)
		}
		out = append(out, snap)
	}
	return out
}

func (e *Engine) handleRaw(topic string, payload []byte) {
	if strings.HasPrefix(topic, e.cfg.AirzonePrefix+"/") {
		e.handleAirzone(topic, payload)
		return
	}
	if topic == hass.StatusTopic(e.cfg.DiscoveryPrefix) {
		e.handleHAStatus(payload)
		return
	}
	e.handleHACommand(topic, payload)
}

func (e *Engine) handleAirzone(topic string, payload []byte) {
	e.lastTraffic = time.Now()

	// The wildcard subscription also delivers our own command and status
	// request publishes back to us.
	if topic == airzone.StatusRequestTopic(e.cfg.AirzonePrefix) || strings.HasSuffix(topic, "/command") {
		return
	}

	ev, err := airzone.DecodeMessage(e.cfg.AirzonePrefix, topic, payload)
	if err != nil {
		e.logger.Warn("dropping malformed controller message", "topic", topic, "error", err)
		return
	}

	switch ev := ev.(type) {
	case airzone.OnlineEvent:
		e.handleOnline(ev.Online)
	case airzone.SystemEvent:
		e.handleSystem(ev)
	case airzone.ZoneStateEvent:
		e.handleZoneState(ev)
	case airzone.ZoneCapabilitiesEvent:
		e.handleZoneCaps(ev)
	}
}

func (e *Engine) handleOnline(online bool) {
	if online == e.online {
		return
	}
	e.online = online
	e.logger.Info("controller availability changed", "online", online)
	for _, sys := range e.registry.Systems() {
		for _, z := range sys.Zones() {
			e.publishAvailability(z)
		}
	}
	if online {
		e.requestStatus()
	}
	e.events.Emit(Event{Type: EventControllerOnline, Data: map[string]bool{"online": online}})
}

func (e *Engine) handleSystem(ev airzone.SystemEvent) {
	sys, cs := e.registry.UpsertSystem(ev.SystemID, ev.Meta)
	if cs.Empty() {
		return
	}
	e.logger.Info("system updated", "system", sys.ID, "fields", cs.Fields())
	if !cs.SchemaChanged() {
		return
	}
	// The device block embedded in every discovery payload changed.
	for _, z := range sys.Zones() {
		key := zoneKey{systemID: sys.ID, zoneID: z.ID}
		if e.zoneSync[key] == zoneUnknown {
			continue
		}
		e.publishDiscovery(sys, z)
	}
}

func (e *Engine) handleZoneState(ev airzone.ZoneStateEvent) {
	key := zoneKey{systemID: ev.SystemID, zoneID: ev.ZoneID}
	up := model.ZoneUpdate{State: ev.State}
	if _, err := e.registry.GetZone(ev.SystemID, ev.ZoneID); errors.Is(err, model.ErrNotFound) {
		up.Caps = e.familyDefaults(ev.SystemID)
	}
	zone, cs := e.registry.UpsertZone(ev.SystemID, ev.ZoneID, up)
	e.resolvePending(key, zone)
	e.syncZone(key, zone, cs)
}

func (e *Engine) handleZoneCaps(ev airzone.ZoneCapabilitiesEvent) {
	key := zoneKey{systemID: ev.SystemID, zoneID: ev.ZoneID}
	zone, cs := e.registry.UpsertZone(ev.SystemID, ev.ZoneID, model.ZoneUpdate{Caps: ev.Caps})
	e.syncZone(key, zone, cs)
}

// familyDefaults returns seed capabilities for a zone seen for the first
// time, based on the device family of its system's model. Advertised
// capabilities always override these later.
func (e *Engine) familyDefaults(systemID string) airzone.Capabilities {
	var modelName string
	if sys, err := e.registry.GetSystem(systemID); err == nil {
		modelName = sys.Model
	}
	fam := e.families.Lookup(modelName)
	caps := airzone.Capabilities{Modes: fam.ParsedModes()}
	if b := fam.DefaultBounds(); b != nil {
		caps.MinSetpoint = &b.Min
		caps.MaxSetpoint = &b.Max
		caps.Step = &b.Step
	}
	return caps
}

// resolvePending checks a fresh controller state event against an
// outstanding command for the same zone. The event always wins: the pending
// flag is cleared either way, and a mismatch is logged.
func (e *Engine) resolvePending(key zoneKey, zone *model.Zone) {
	p, ok := e.pending[key]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(e.pending, key)

	if e.commandApplied(p, zone) {
		e.logger.Debug("command confirmed",
			"system", key.systemID, "zone", key.zoneID,
			"kind", string(p.cmd.Kind), "elapsed", time.Since(p.issuedAt))
		e.events.Emit(Event{Type: EventCommandConfirmed, Data: e.commandEventData(key, p.cmd)})
		return
	}
	e.logger.Warn("controller state disagrees with pending command",
		"system", key.systemID, "zone", key.zoneID, "kind", string(p.cmd.Kind))
	e.events.Emit(Event{Type: EventCommandRejected, Data: e.commandEventData(key, p.cmd)})
}

func (e *Engine) commandApplied(p *pendingCommand, zone *model.Zone) bool {
	switch p.cmd.Kind {
	case airzone.CommandSetpoint:
		return zone.Setpoint != nil && floatEq(*zone.Setpoint, p.expected)
	case airzone.CommandMode:
		return zone.Mode != nil && *zone.Mode == p.cmd.Mode
	case airzone.CommandPower:
		return zone.On != nil && *zone.On == p.cmd.On
	}
	return false
}

func floatEq(a, b float64) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}

// syncZone pushes whatever a change set requires out to Home Assistant,
// walking the zone through discovery before any state is published.
func (e *Engine) syncZone(key zoneKey, zone *model.Zone, cs model.ChangeSet) {
	st := e.zoneSync[key]
	if st == zoneSynced && cs.Empty() {
		return
	}

	sys, err := e.registry.GetSystem(key.systemID)
	if err != nil {
		return
	}

	if st == zoneUnknown {
		if !e.publishDiscovery(sys, zone) {
			return
		}
		e.zoneSync[key] = zoneDiscovered
		e.publishAvailability(zone)
		if e.publishState(zone) {
			e.zoneSync[key] = zoneSynced
		}
		e.events.Emit(Event{Type: EventZoneUpdated, Data: zone})
		return
	}

	if cs.SchemaChanged() {
		e.publishDiscovery(sys, zone)
	}
	if stateChanged(cs) || st != zoneSynced {
		if e.publishState(zone) {
			e.zoneSync[key] = zoneSynced
		}
	}
	if !cs.Empty() {
		e.events.Emit(Event{Type: EventZoneUpdated, Data: zone})
	}
}

func stateChanged(cs model.ChangeSet) bool {
	for _, f := range []string{model.FieldMode, model.FieldSetpoint, model.FieldCurrentTemp, model.FieldOn, model.FieldHumidity} {
		if cs.Contains(f) {
			return true
		}
	}
	return false
}

func (e *Engine) publishDiscovery(sys *model.System, zone *model.Zone) bool {
	ok := true
	for _, msg := range hass.DiscoveryMessages(e.cfg.DiscoveryPrefix, sys, zone) {
		if err := e.transport.Publish(msg.Topic, msg.Payload, msg.Retain); err != nil {
			e.logger.Error("discovery publish failed", "topic", msg.Topic, "error", err)
			ok = false
		}
	}
	if ok {
		key := zoneKey{systemID: sys.ID, zoneID: zone.ID}
		for _, ent := range model.ZoneEntities(zone) {
			e.uidIndex[hass.UniqueID(ent.SystemID, ent.ZoneID, ent.Kind)] = key
		}
		e.events.Emit(Event{Type: EventDiscoveryPublished, Data: zone})
	}
	return ok
}

func (e *Engine) publishState(zone *model.Zone) bool {
	msg := hass.StateMessage(e.cfg.DiscoveryPrefix, zone, e.cfg.RetainState)
	if err := e.transport.Publish(msg.Topic, msg.Payload, msg.Retain); err != nil {
		e.logger.Error("state publish failed", "topic", msg.Topic, "error", err)
		return false
	}
	return true
}

func (e *Engine) publishAvailability(zone *model.Zone) {
	msg := hass.AvailabilityMessage(e.cfg.DiscoveryPrefix, zone, e.online)
	if err := e.transport.Publish(msg.Topic, msg.Payload, msg.Retain); err != nil {
		e.logger.Error("availability publish failed", "topic", msg.Topic, "error", err)
	}
	e.events.Emit(Event{Type: EventAvailability, Data: map[string]any{
		"system": zone.SystemID, "zone": zone.ID, "online": e.online,
	}})
}

func (e *Engine) requestStatus() {
	topic := airzone.StatusRequestTopic(e.cfg.AirzonePrefix)
	if err := e.transport.Publish(topic, nil, false); err != nil {
		e.logger.Error("status request failed", "error", err)
		return
	}
	e.logger.Debug("requested controller status snapshot")
}

func (e *Engine) handleHAStatus(payload []byte) {
	if string(payload) != hass.PayloadOnline {
		return
	}
	e.logger.Info("home assistant restarted, republishing entities")
	e.republishAll()
}

// republishAll pushes discovery, availability and state for every known zone.
// All of these publishes are idempotent.
func (e *Engine) republishAll() {
	for _, sys := range e.registry.Systems() {
		for _, z := range sys.Zones() {
			key := zoneKey{systemID: sys.ID, zoneID: z.ID}
			if !e.publishDiscovery(sys, z) {
				continue
			}
			if e.zoneSync[key] == zoneUnknown {
				e.zoneSync[key] = zoneDiscovered
			}
			e.publishAvailability(z)
			if e.publishState(z) {
				e.zoneSync[key] = zoneSynced
			}
		}
	}
}

func (e *Engine) handleConnection(connected bool) {
	if !connected {
		e.logger.Warn("broker connection lost")
		return
	}
	e.logger.Info("broker connected, restoring published state")
	e.lastTraffic = time.Now()
	e.republishAll()
	e.requestStatus()
}

func (e *Engine) handleHACommand(topic string, payload []byte) {
	uid, suffix, ok := hass.ParseCommandTopic(e.cfg.DiscoveryPrefix, topic)
	if !ok {
		return
	}

	key, ok := e.uidIndex[uid]
	if !ok {
		e.rejectCommand(zoneKey{}, &ValidationError{Reason: "unknown entity " + uid})
		return
	}

	cmd, err := hass.DecodeCommand(topic, suffix, payload)
	if err != nil {
		e.rejectCommand(key, err)
		return
	}

	zone, err := e.registry.GetZone(key.systemID, key.zoneID)
	if err != nil {
		e.rejectCommand(key, &ValidationError{SystemID: key.systemID, ZoneID: key.zoneID, Reason: "zone no longer known"})
		return
	}

	if err := validateCommand(zone, cmd); err != nil {
		e.rejectCommand(key, err)
		return
	}

	bounds := zone.Bounds()
	wireTopic, wirePayload, err := airzone.EncodeCommand(e.cfg.AirzonePrefix, key.systemID, key.zoneID, cmd, bounds)
	if err != nil {
		e.rejectCommand(key, err)
		return
	}

	if prev, ok := e.pending[key]; ok {
		prev.timer.Stop()
		delete(e.pending, key)
		e.logger.Info("superseding pending command",
			"system", key.systemID, "zone", key.zoneID, "kind", string(prev.cmd.Kind))
	}

	if err := e.transport.Publish(wireTopic, wirePayload, false); err != nil {
		e.logger.Error("command publish failed",
			"system", key.systemID, "zone", key.zoneID, "error", err)
		return
	}

	e.nextSeq++
	p := &pendingCommand{
		cmd:      cmd,
		expected: bounds.Clamp(cmd.Setpoint),
		seq:      e.nextSeq,
		issuedAt: time.Now(),
	}
	seq := p.seq
	p.timer = time.AfterFunc(e.cfg.CommandTimeout, func() {
		e.enqueue(timeoutMsg{key: key, seq: seq})
	})
	e.pending[key] = p

	e.logger.Info("command forwarded",
		"system", key.systemID, "zone", key.zoneID, "kind", string(cmd.Kind))
	e.events.Emit(Event{Type: EventCommandAccepted, Data: e.commandEventData(key, cmd)})
}

func validateCommand(zone *model.Zone, cmd airzone.Command) error {
	switch cmd.Kind {
	case airzone.CommandMode:
		if !zone.Supports(cmd.Mode) {
			return &ValidationError{
				SystemID: zone.SystemID, ZoneID: zone.ID,
				Reason: "mode " + cmd.Mode.String() + " not supported",
			}
		}
	case airzone.CommandSetpoint:
		if b := zone.Bounds(); b != nil && (cmd.Setpoint < b.Min || cmd.Setpoint > b.Max) {
			return &ValidationError{
				SystemID: zone.SystemID, ZoneID: zone.ID,
				Reason: "setpoint outside allowed range",
			}
		}
	}
	return nil
}

func (e *Engine) rejectCommand(key zoneKey, err error) {
	e.logger.Warn("rejecting command",
		"system", key.systemID, "zone", key.zoneID, "error", err)
	e.events.Emit(Event{Type: EventCommandRejected, Data: map[string]string{
		"system": key.systemID, "zone": key.zoneID, "error": err.Error(),
	}})
}

func (e *Engine) handleTimeout(key zoneKey, seq uint64) {
	p, ok := e.pending[key]
	if !ok || p.seq != seq {
		return
	}
	delete(e.pending, key)
	e.logger.Warn("command unconfirmed before timeout",
		"system", key.systemID, "zone", key.zoneID,
		"kind", string(p.cmd.Kind), "timeout", e.cfg.CommandTimeout)
	e.events.Emit(Event{Type: EventCommandTimeout, Data: e.commandEventData(key, p.cmd)})
}

func (e *Engine) commandEventData(key zoneKey, cmd airzone.Command) map[string]any {
	data := map[string]any{
		"system": key.systemID,
		"zone":   key.zoneID,
		"kind":   string(cmd.Kind),
	}
	switch cmd.Kind {
	case airzone.CommandSetpoint:
		data["setpoint"] = cmd.Setpoint
	case airzone.CommandMode:
		data["mode"] = cmd.Mode.String()
	case airzone.CommandPower:
		data["on"] = cmd.On
	}
	return data
}
