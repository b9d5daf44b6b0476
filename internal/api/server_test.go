package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/mqtt"
	"github.com/nerrad567/skybridge-edge/internal/mux"
	"github.com/nerrad567/skybridge-edge/internal/telemetry"
)

// The tap upgrade hijacks the connection through the logging wrapper;
// losing this interface breaks every WebSocket client with a 500.
var _ http.Hijacker = (*statusWriter)(nil)

// fakeUpstream satisfies mux.Upstream and keeps the dispatch handler
// so tests can inject upstream messages.
type fakeUpstream struct {
	handler mqtt.MessageHandler
}

func (f *fakeUpstream) SubscribeMany(topics []string, qos byte, handler mqtt.MessageHandler) error {
	f.handler = handler
	return nil
}

func (f *fakeUpstream) UnsubscribeMany([]string) error { return nil }

type fakeBroker struct{ connected bool }

func (f *fakeBroker) IsConnected() bool { return f.connected }

type fakeSpool struct{ depth int }

func (f *fakeSpool) Len() (int, error) { return f.depth, nil }

type fakeStats struct{ snap map[string]telemetry.Counts }

func (f *fakeStats) Snapshot() map[string]telemetry.Counts { return f.snap }

// newTestServer builds a server over a real mux and returns it with
// the httptest listener and the fake upstream.
func newTestServer(t *testing.T, cfg config.APIConfig) (*Server, *httptest.Server, *fakeUpstream) {
	t.Helper()

	upstream := &fakeUpstream{}
	m := mux.New(upstream, 1, logging.Default())

	srv, err := New(Deps{
		Config:   cfg,
		Logger:   logging.Default(),
		Mux:      m,
		Local:    &fakeBroker{connected: true},
		Upstream: &fakeBroker{connected: false},
		Spool:    &fakeSpool{depth: 7},
		Stats: &fakeStats{snap: map[string]telemetry.Counts{
			"telemetry-up": {Forwarded: 3, Spooled: 1},
		}},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.taps.closeAll() })
	return srv, ts, upstream
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHandleHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, config.APIConfig{})

	var body map[string]any
	if status := getJSON(t, ts.URL+"/api/v1/health", &body); status != http.StatusOK {
		t.Fatalf("health status = %d, want 200", status)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health body = %v, want ok/test", body)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, ts, _ := newTestServer(t, config.APIConfig{})

	if _, err := srv.mux.Subscribe("sensors/#", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var body statusResponse
	if status := getJSON(t, ts.URL+"/api/v1/status", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if !body.LocalConnected || body.UpstreamConnected {
		t.Errorf("links = local %v upstream %v, want true/false",
			body.LocalConnected, body.UpstreamConnected)
	}
	if body.SpoolDepth == nil || *body.SpoolDepth != 7 {
		t.Errorf("spool depth = %v, want 7", body.SpoolDepth)
	}
	if len(body.ActiveTopics) != 1 || body.ActiveTopics[0] != "sensors/#" {
		t.Errorf("active topics = %v, want [sensors/#]", body.ActiveTopics)
	}
	if body.Bridges["telemetry-up"]["forwarded"] != float64(3) {
		t.Errorf("bridge counters = %v, want forwarded 3", body.Bridges)
	}
}

func TestHandleSubscriptions(t *testing.T) {
	srv, ts, _ := newTestServer(t, config.APIConfig{})

	// a/b is covered by a/+ and stays off the active list.
	for _, filter := range []string{"a/+", "a/b"} {
		if _, err := srv.mux.Subscribe(filter, func(string, []byte) {}); err != nil {
			t.Fatalf("Subscribe(%q) error = %v", filter, err)
		}
	}

	var body subscriptionsResponse
	if status := getJSON(t, ts.URL+"/api/v1/subscriptions", &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if len(body.ActiveTopics) != 1 || body.ActiveTopics[0] != "a/+" {
		t.Errorf("active topics = %v, want [a/+]", body.ActiveTopics)
	}
	if len(body.Subscribers) != 2 {
		t.Errorf("subscribers = %d, want 2", len(body.Subscribers))
	}
	for _, sub := range body.Subscribers {
		if sub.ID == "" {
			t.Error("subscriber entry missing id")
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	_, ts, _ := newTestServer(t, config.APIConfig{JWTSecret: "admin-secret"})

	// No token: rejected.
	if status := getJSON(t, ts.URL+"/api/v1/status", nil); status != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", status)
	}

	// Health stays open.
	if status := getJSON(t, ts.URL+"/api/v1/health", nil); status != http.StatusOK {
		t.Errorf("health without token = %d, want 200", status)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("admin-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp.StatusCode)
	}

	// Query-parameter token works too (WebSocket clients).
	if status := getJSON(t, ts.URL+"/api/v1/status?token="+token, nil); status != http.StatusOK {
		t.Errorf("status with query token = %d, want 200", status)
	}

	// Wrong secret: rejected.
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("other"))
	if status := getJSON(t, ts.URL+"/api/v1/status?token="+bad, nil); status != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", status)
	}
}

func dialTap(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/tap" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTap_DeliversMatchingTraffic(t *testing.T) {
	srv, ts, upstream := newTestServer(t, config.APIConfig{})

	conn := dialTap(t, ts, "?filter=sensors/%23")

	// The filter lands on the mux as a real subscription.
	waitFor(t, func() bool {
		return len(srv.mux.ActiveTopics()) == 1
	}, "tap filter registered")

	if upstream.handler == nil {
		t.Fatal("mux never subscribed upstream")
	}
	if err := upstream.handler("sensors/boiler/temp", []byte("21.5")); err != nil {
		t.Fatalf("dispatch error = %v", err)
	}

	//nolint:errcheck // Deadline on a test connection
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame TapMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if frame.Type != TapTypeMessage || frame.Topic != "sensors/boiler/temp" || string(frame.Data) != "21.5" {
		t.Errorf("frame = %+v, want message sensors/boiler/temp 21.5", frame)
	}
}

func TestTap_SubscribeFrame(t *testing.T) {
	srv, ts, upstream := newTestServer(t, config.APIConfig{})

	conn := dialTap(t, ts, "")

	ctl, _ := json.Marshal(TapControlPayload{Filters: []string{"alarms/#"}})
	if err := conn.WriteJSON(TapMessage{Type: TapTypeSubscribe, ID: "1", Payload: ctl}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	//nolint:errcheck // Deadline on a test connection
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp TapMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if resp.Type != TapTypeResponse || resp.ID != "1" {
		t.Errorf("response = %+v, want response id 1", resp)
	}

	waitFor(t, func() bool {
		topics := srv.mux.ActiveTopics()
		return len(topics) == 1 && topics[0] == "alarms/#"
	}, "subscribe frame registered")

	if err := upstream.handler("alarms/smoke", []byte("on")); err != nil {
		t.Fatalf("dispatch error = %v", err)
	}
	var frame TapMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if frame.Topic != "alarms/smoke" {
		t.Errorf("frame topic = %q, want alarms/smoke", frame.Topic)
	}
}

func TestTap_DisconnectReleasesFilters(t *testing.T) {
	srv, ts, _ := newTestServer(t, config.APIConfig{})

	conn := dialTap(t, ts, "?filter=sensors/%23")
	waitFor(t, func() bool {
		return len(srv.mux.ActiveTopics()) == 1
	}, "tap filter registered")

	conn.Close()

	waitFor(t, func() bool {
		topics := srv.mux.ActiveTopics()
		return len(topics) == 0
	}, "tap filter released on disconnect")
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
