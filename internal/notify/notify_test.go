package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "sub_test1",
		PartyID:   "buyer-1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventTradeFunded},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "sub_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	_ = store.Update(ctx, sub)
	got, _ = store.Get(ctx, "sub_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	_ = store.Delete(ctx, "sub_test1")
	if _, err := store.Get(ctx, "sub_test1"); err != ErrSubscriptionNotFound {
		t.Errorf("Get after delete: got %v, want ErrSubscriptionNotFound", err)
	}
}

func TestMemoryStore_GetByParty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Create(ctx, &Subscription{ID: "s1", PartyID: "buyer-1"})
	_ = store.Create(ctx, &Subscription{ID: "s2", PartyID: "seller-1"})
	_ = store.Create(ctx, &Subscription{ID: "s3", PartyID: "buyer-1"})

	subs, _ := store.GetByParty(ctx, "buyer-1")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for buyer-1, got %d", len(subs))
	}
}

func TestSubscriptionWants(t *testing.T) {
	all := &Subscription{}
	if !all.Wants(EventTradeFunded) {
		t.Error("empty event list should match everything")
	}
	narrow := &Subscription{Events: []EventType{EventPaymentReleased}}
	if narrow.Wants(EventTradeFunded) {
		t.Error("narrow subscription should not match other events")
	}
	if !narrow.Wants(EventPaymentReleased) {
		t.Error("narrow subscription should match its own event")
	}
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  []byte
		gotSig   string
		gotEvent string
	)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get("X-SecureTrade-Signature")
		gotEvent = r.Header.Get("X-SecureTrade-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{
		ID:      "sub_live",
		PartyID: "seller-1",
		URL:     srv.URL,
		Secret:  "shh",
		Active:  true,
	})

	d := NewDispatcher(store)
	event := &Event{
		ID:        "evt_1",
		Type:      EventPaymentReleased,
		TradeID:   "trd_1",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"amount": "700.00"},
	}
	if err := d.DispatchToParty(ctx, "seller-1", event); err != nil {
		t.Fatalf("DispatchToParty failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook delivery timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotEvent != string(EventPaymentReleased) {
		t.Errorf("event header = %s, want %s", gotEvent, EventPaymentReleased)
	}

	h := hmac.New(sha256.New, []byte("shh"))
	h.Write(gotBody)
	if gotSig != hex.EncodeToString(h.Sum(nil)) {
		t.Error("signature does not verify against the delivered body")
	}

	var delivered Event
	if err := json.Unmarshal(gotBody, &delivered); err != nil {
		t.Fatalf("delivered body is not a valid event: %v", err)
	}
	if delivered.TradeID != "trd_1" {
		t.Errorf("delivered trade id = %s, want trd_1", delivered.TradeID)
	}

	sub, _ := store.Get(ctx, "sub_live")
	waitFor(t, func() bool {
		sub, _ = store.Get(ctx, "sub_live")
		return sub.LastSuccess != nil
	})
}

func TestDispatcher_SkipsInactiveAndUnwanted(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "s_off", PartyID: "p", URL: srv.URL, Active: false})
	_ = store.Create(ctx, &Subscription{
		ID: "s_other", PartyID: "p", URL: srv.URL, Active: true,
		Events: []EventType{EventTradeDisputed},
	})

	d := NewDispatcher(store)
	_ = d.DispatchToParty(ctx, "p", &Event{Type: EventTradeFunded, Timestamp: time.Now()})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("expected no deliveries, got %d", calls)
	}
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (c *captureBroadcaster) BroadcastTradeEvent(tradeID string, eventType string, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
}

func TestNotifier_BroadcastsAndNeverFails(t *testing.T) {
	bc := &captureBroadcaster{}
	n := NewNotifier(NewDispatcher(NewMemoryStore()), bc, slog.Default())

	n.TradeFunded("trd_9", "buyer-1", "seller-1", "1000.00")
	n.PaymentReleased("trd_9", "seller-1", "700.00", 7000)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.events) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(bc.events))
	}
	if bc.events[0] != string(EventTradeFunded) || bc.events[1] != string(EventPaymentReleased) {
		t.Errorf("unexpected broadcast order: %v", bc.events)
	}

	// A nil dispatcher and nil broadcaster must be safe no-ops.
	quiet := NewNotifier(nil, nil, slog.Default())
	quiet.TradeRejected("trd_9", "buyer-1", "seller-1", "damaged goods")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
