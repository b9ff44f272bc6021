package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"airzone-ha-bridge/internal/bridge"
	"airzone-ha-bridge/internal/model"
)

type fakeSource struct {
	snap    []bridge.SystemSnapshot
	err     error
	removed []string
}

func (f *fakeSource) Snapshot(context.Context) ([]bridge.SystemSnapshot, error) {
	return f.snap, f.err
}

func (f *fakeSource) RemoveZone(_ context.Context, systemID, zoneID string) error {
	for _, sys := range f.snap {
		if sys.ID != systemID {
			continue
		}
		for _, z := range sys.Zones {
			if z.ID == zoneID {
				f.removed = append(f.removed, systemID+"/"+zoneID)
				return nil
			}
		}
	}
	return model.ErrNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fptr(v float64) *float64 { return &v }

func testSnapshot() []bridge.SystemSnapshot {
	return []bridge.SystemSnapshot{
		{
			ID:    "1",
			Model: "Flexa 3.0",
			Zones: []model.Zone{
				{SystemID: "1", ID: "2", Name: "Living room", Setpoint: fptr(21.5)},
				{SystemID: "1", ID: "3"},
			},
		},
	}
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeSource) {
	t.Helper()
	logger := testLogger()
	source := &fakeSource{snap: testSnapshot()}
	s := NewServer(source, bridge.NewEventBus(logger), logger, opts...)
	t.Cleanup(s.Stop)
	return s, source
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, WithVersion("1.2.3"))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestListSystems(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/systems", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var systems []bridge.SystemSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &systems); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(systems) != 1 || systems[0].ID != "1" || len(systems[0].Zones) != 2 {
		t.Errorf("systems = %+v", systems)
	}
}

func TestGetZone(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/systems/1/zones/2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var z model.Zone
	if err := json.Unmarshal(rec.Body.Bytes(), &z); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if z.Name != "Living room" {
		t.Errorf("name = %q", z.Name)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/systems/1/zones/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing zone status = %d, want 404", rec.Code)
	}
}

func TestGetSystemNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/systems/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s, _ := newTestServer(t, WithAPIKey("secret"))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/systems", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/systems", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/systems", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct key status = %d, want 200", rec.Code)
	}
}

func TestListZonesFlat(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/api/zones", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var zones []model.Zone
	if err := json.Unmarshal(rec.Body.Bytes(), &zones); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(zones) != 2 {
		t.Errorf("zones = %d, want 2", len(zones))
	}
}

func TestRemoveZone(t *testing.T) {
	s, source := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/systems/1/zones/2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(source.removed) != 1 || source.removed[0] != "1/2" {
		t.Errorf("removed = %v", source.removed)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/systems/1/zones/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing zone status = %d, want 404", rec.Code)
	}
}

func TestBridgeEventsReachHub(t *testing.T) {
	logger := testLogger()
	bus := bridge.NewEventBus(logger)
	s := NewServer(&fakeSource{}, bus, logger)
	defer s.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	s.wsHub.register <- client
	time.Sleep(10 * time.Millisecond)

	bus.Emit(bridge.Event{Type: bridge.EventZoneUpdated, Data: map[string]string{"zone": "2"}})
	time.Sleep(10 * time.Millisecond)

	select {
	case msg := <-client.send:
		var ev bridge.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != bridge.EventZoneUpdated {
			t.Errorf("event type = %q", ev.Type)
		}
	default:
		t.Error("client did not receive bridge event")
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(bridge.Event{Type: bridge.EventZoneUpdated})
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(bridge.Event{Type: bridge.EventZoneUpdated})
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubEventTypeFilter(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	all := &wsClient{send: make(chan []byte, 16)}
	commands := &wsClient{
		send:  make(chan []byte, 16),
		types: parseEventFilter("command_confirmed, command_timeout"),
	}

	hub.register <- all
	hub.register <- commands
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(bridge.Event{Type: bridge.EventZoneUpdated})
	hub.Broadcast(bridge.Event{Type: bridge.EventCommandConfirmed})
	time.Sleep(10 * time.Millisecond)

	if got := len(all.send); got != 2 {
		t.Errorf("unfiltered client got %d events, want 2", got)
	}
	if got := len(commands.send); got != 1 {
		t.Fatalf("filtered client got %d events, want 1", got)
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(<-commands.send, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != bridge.EventCommandConfirmed {
		t.Errorf("filtered event type = %q, want %q", env.Type, bridge.EventCommandConfirmed)
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}
