package mqtt

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"airzone-ha-bridge/internal/bridge"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type subRecord struct {
	filter   string
	qos      byte
	callback pahomqtt.MessageHandler
}

type pubRecord struct {
	topic   string
	retain  bool
	payload string
}

type fakeConn struct {
	mu           sync.Mutex
	open         bool
	subs         []subRecord
	pubs         []pubRecord
	disconnected bool
	subscribeErr error
}

func (f *fakeConn) Connect() pahomqtt.Token { return &fakeToken{} }

func (f *fakeConn) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	f.open = false
}

func (f *fakeConn) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, pubRecord{topic: topic, retain: retained, payload: string(payload.([]byte))})
	return &fakeToken{}
}

func (f *fakeConn) Subscribe(filter string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, subRecord{filter: filter, qos: qos, callback: callback})
	return &fakeToken{err: f.subscribeErr}
}

func (f *fakeConn) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestClient(fc *fakeConn) *Client {
	cfg := Config{Broker: "tcp://test:1883", AvailabilityTopic: "airzone-ha-bridge/bridge/state"}
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		client: fc,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs:   make(map[string]bridge.MessageHandler),
	}
}

func TestSubscribeDeferredWhileDisconnected(t *testing.T) {
	fc := &fakeConn{}
	c := newTestClient(fc)

	if err := c.Subscribe("airzone/az/#", func(string, []byte) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(fc.subs) != 0 {
		t.Errorf("broker subscriptions = %d, want 0 before connect", len(fc.subs))
	}

	fc.open = true
	c.restoreSubscriptions()
	if len(fc.subs) != 1 || fc.subs[0].filter != "airzone/az/#" {
		t.Fatalf("broker subscriptions = %+v, want airzone/az/#", fc.subs)
	}
	if fc.subs[0].qos != 1 {
		t.Errorf("qos = %d, want 1", fc.subs[0].qos)
	}
}

func TestSubscribeImmediateWhenConnected(t *testing.T) {
	fc := &fakeConn{open: true}
	c := newTestClient(fc)

	if err := c.Subscribe("homeassistant/status", func(string, []byte) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(fc.subs) != 1 || fc.subs[0].filter != "homeassistant/status" {
		t.Fatalf("broker subscriptions = %+v", fc.subs)
	}
}

func TestRestoreSubscriptionsCoversAllFilters(t *testing.T) {
	fc := &fakeConn{}
	c := newTestClient(fc)

	filters := []string{"airzone/az/#", "homeassistant/status", "homeassistant/climate/+/set_mode"}
	for _, f := range filters {
		if err := c.Subscribe(f, func(string, []byte) {}); err != nil {
			t.Fatalf("subscribe %s: %v", f, err)
		}
	}

	fc.open = true
	c.restoreSubscriptions()
	if len(fc.subs) != len(filters) {
		t.Fatalf("restored %d subscriptions, want %d", len(fc.subs), len(filters))
	}
	seen := make(map[string]bool)
	for _, sub := range fc.subs {
		seen[sub.filter] = true
	}
	for _, f := range filters {
		if !seen[f] {
			t.Errorf("filter %s not restored", f)
		}
	}
}

func TestSubscribeHandlerReceivesMessages(t *testing.T) {
	fc := &fakeConn{open: true}
	c := newTestClient(fc)

	var gotTopic, gotPayload string
	err := c.Subscribe("airzone/az/#", func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = string(payload)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fc.subs[0].callback(nil, &fakeMessage{topic: "airzone/az/1/2/state", payload: []byte(`{"mode":"heat"}`)})
	if gotTopic != "airzone/az/1/2/state" {
		t.Errorf("topic = %q", gotTopic)
	}
	if gotPayload != `{"mode":"heat"}` {
		t.Errorf("payload = %q", gotPayload)
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	fc := &fakeConn{}
	c := newTestClient(fc)

	err := c.Publish("homeassistant/climate/az_1_2_climate/state", []byte("{}"), false)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if len(fc.pubs) != 0 {
		t.Errorf("publishes = %d, want 0", len(fc.pubs))
	}
}

func TestCloseAnnouncesOffline(t *testing.T) {
	fc := &fakeConn{open: true}
	c := newTestClient(fc)

	c.Close()
	if !fc.disconnected {
		t.Error("Close did not disconnect")
	}
	if len(fc.pubs) != 1 {
		t.Fatalf("publishes = %+v, want availability only", fc.pubs)
	}
	p := fc.pubs[0]
	if p.topic != "airzone-ha-bridge/bridge/state" || p.payload != "offline" || !p.retain {
		t.Errorf("availability publish = %+v, want retained offline", p)
	}
}

func TestOnConnectionChangeNotified(t *testing.T) {
	fc := &fakeConn{}
	c := newTestClient(fc)

	var states []bool
	c.OnConnectionChange(func(connected bool) {
		states = append(states, connected)
	})

	c.notify(true)
	c.notify(false)
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("states = %v, want [true false]", states)
	}
}
