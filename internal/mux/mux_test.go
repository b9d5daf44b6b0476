package mux

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/logging"
	"github.com/nerrad567/skybridge-edge/internal/infrastructure/mqtt"
	"github.com/nerrad567/skybridge-edge/internal/subscription"
)

// fakeUpstream records subscription operations and keeps the last
// handler so tests can feed messages back through the mux.
type fakeUpstream struct {
	mu      sync.Mutex
	calls   []string
	handler mqtt.MessageHandler
	fail    error
}

func (f *fakeUpstream) SubscribeMany(topics []string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, "sub:"+strings.Join(topics, ","))
	f.handler = handler
	return nil
}

func (f *fakeUpstream) UnsubscribeMany(topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, "unsub:"+strings.Join(topics, ","))
	return nil
}

func (f *fakeUpstream) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeUpstream) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func newTestMux() (*Mux, *fakeUpstream) {
	upstream := &fakeUpstream{}
	return New(upstream, 1, logging.Default()), upstream
}

func TestMux_SubscribeAppliesDiff(t *testing.T) {
	m, upstream := newTestMux()

	if _, err := m.Subscribe("a/b", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Same filter again: trie reports no upstream change.
	if _, err := m.Subscribe("a/b", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	want := []string{"sub:a/b"}
	if got := upstream.log(); !reflect.DeepEqual(got, want) {
		t.Errorf("upstream calls = %v, want %v", got, want)
	}
}

func TestMux_SubscribeBeforeUnsubscribe(t *testing.T) {
	m, upstream := newTestMux()

	m.Subscribe("a/b", func(string, []byte) {})
	m.Subscribe("a/+", func(string, []byte) {})

	// The broader filter must be live before the narrower one is dropped.
	want := []string{"sub:a/b", "sub:a/+", "unsub:a/b"}
	if got := upstream.log(); !reflect.DeepEqual(got, want) {
		t.Errorf("upstream calls = %v, want %v", got, want)
	}
}

func TestMux_SubscribeInvalidFilter(t *testing.T) {
	m, upstream := newTestMux()

	_, err := m.Subscribe("a/#/b", func(string, []byte) {})
	if !errors.Is(err, subscription.ErrInvalidFilter) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidFilter", err)
	}

	if len(upstream.log()) != 0 {
		t.Errorf("upstream calls = %v, want none", upstream.log())
	}

	if _, err := m.Subscribe("a/b", nil); err == nil {
		t.Error("Subscribe(nil handler) expected error, got nil")
	}
}

func TestMux_OnDiffObserver(t *testing.T) {
	m, _ := newTestMux()

	type churn struct{ sub, unsub int }
	var seen []churn
	m.SetOnDiff(func(subscribed, unsubscribed int) {
		seen = append(seen, churn{subscribed, unsubscribed})
	})

	m.Subscribe("a/b", func(string, []byte) {})
	m.Subscribe("a/+", func(string, []byte) {})
	// Duplicate registration produces an empty diff and no callback.
	m.Subscribe("a/+", func(string, []byte) {})

	want := []churn{{1, 0}, {1, 1}}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("observed churn = %v, want %v", seen, want)
	}
}

func TestMux_Unsubscribe(t *testing.T) {
	m, upstream := newTestMux()

	id, _ := m.Subscribe("a/b", func(string, []byte) {})
	if err := m.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	want := []string{"sub:a/b", "unsub:a/b"}
	if got := upstream.log(); !reflect.DeepEqual(got, want) {
		t.Errorf("upstream calls = %v, want %v", got, want)
	}

	if !m.Idle() {
		t.Error("Idle() = false after removing the only subscriber")
	}

	if err := m.Unsubscribe(id); !errors.Is(err, ErrUnknownSubscriber) {
		t.Errorf("second Unsubscribe() error = %v, want ErrUnknownSubscriber", err)
	}
}

func TestMux_UnsubscribeRestoresMasked(t *testing.T) {
	m, upstream := newTestMux()

	m.Subscribe("a/b", func(string, []byte) {})
	id, _ := m.Subscribe("a/+", func(string, []byte) {})

	m.Unsubscribe(id)

	calls := upstream.log()
	last := calls[len(calls)-1]
	// Removing "a/+" restores "a/b" and drops "a/+", subscribe first.
	if calls[len(calls)-2] != "sub:a/b" || last != "unsub:a/+" {
		t.Errorf("upstream calls = %v, want ...sub:a/b, unsub:a/+", calls)
	}

	if got, want := m.ActiveTopics(), []string{"a/b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ActiveTopics() = %v, want %v", got, want)
	}
}

func TestMux_Dispatch(t *testing.T) {
	m, upstream := newTestMux()

	var mu sync.Mutex
	got := make(map[string]int)
	record := func(name string) Handler {
		return func(topic string, payload []byte) {
			mu.Lock()
			got[name+":"+topic+":"+string(payload)]++
			mu.Unlock()
		}
	}

	m.Subscribe("sensors/+/temp", record("wild"))
	m.Subscribe("sensors/boiler/temp", record("exact"))
	m.Subscribe("alarms/#", record("alarms"))

	upstream.deliver("sensors/boiler/temp", []byte("21.5"))

	mu.Lock()
	defer mu.Unlock()
	if got["wild:sensors/boiler/temp:21.5"] != 1 {
		t.Error("wildcard subscriber did not receive the message once")
	}
	if got["exact:sensors/boiler/temp:21.5"] != 1 {
		t.Error("exact subscriber did not receive the message once")
	}
	for key := range got {
		if strings.HasPrefix(key, "alarms:") {
			t.Errorf("non-matching subscriber received %s", key)
		}
	}
}

func TestMux_DispatchAfterUnsubscribe(t *testing.T) {
	m, upstream := newTestMux()

	var mu sync.Mutex
	count := 0
	id, _ := m.Subscribe("a/b", func(string, []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	upstream.deliver("a/b", []byte("x"))
	m.Unsubscribe(id)
	upstream.deliver("a/b", []byte("y"))

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("handler invocations = %d, want 1", count)
	}
}

func TestMux_HandleUpstreamConnect(t *testing.T) {
	m, upstream := newTestMux()

	m.Subscribe("a", func(string, []byte) {})
	m.Subscribe("a/b", func(string, []byte) {})
	m.Subscribe("a/+", func(string, []byte) {})

	before := len(upstream.log())
	m.HandleUpstreamConnect()

	calls := upstream.log()
	if len(calls) != before+1 {
		t.Fatalf("expected one replay call, got %v", calls[before:])
	}
	// The replay carries the reduced set, not every registration.
	if calls[before] != "sub:a,a/+" {
		t.Errorf("replay call = %q, want sub:a,a/+", calls[before])
	}
}

func TestMux_HandleUpstreamConnectEmpty(t *testing.T) {
	m, upstream := newTestMux()

	m.HandleUpstreamConnect()
	if len(upstream.log()) != 0 {
		t.Errorf("upstream calls = %v, want none", upstream.log())
	}
}

func TestMux_SubscribeSurvivesUpstreamFailure(t *testing.T) {
	upstream := &fakeUpstream{fail: errors.New("not connected")}
	m := New(upstream, 1, logging.Default())

	id, err := m.Subscribe("a/b", func(string, []byte) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// The registration stands; the reconnect replay will restore it.
	upstream.mu.Lock()
	upstream.fail = nil
	upstream.mu.Unlock()

	m.HandleUpstreamConnect()
	if got := upstream.log(); len(got) != 1 || got[0] != "sub:a/b" {
		t.Errorf("upstream calls = %v, want [sub:a/b]", got)
	}

	if err := m.Unsubscribe(id); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestMux_Subscribers(t *testing.T) {
	m, _ := newTestMux()

	m.Subscribe("a/b", func(string, []byte) {})
	m.Subscribe("c/#", func(string, []byte) {})

	subs := m.Subscribers()
	if len(subs) != 2 {
		t.Fatalf("Subscribers() count = %d, want 2", len(subs))
	}
	filters := map[string]bool{}
	for _, s := range subs {
		filters[s.Filter] = true
	}
	if !filters["a/b"] || !filters["c/#"] {
		t.Errorf("Subscribers() filters = %v, want a/b and c/#", filters)
	}
}
