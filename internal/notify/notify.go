// Package notify delivers trade lifecycle notifications to the parties.
//
// Parties register webhook URLs to be told when a trade they are on moves:
// funds held, goods delivered, inspection finished, shipment milestones,
// payment released or refunded, disputes. Delivery is best effort and never
// blocks or fails a trade transition.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// EventType names a trade lifecycle notification.
type EventType string

const (
	EventTradeCreated    EventType = "trade.created"
	EventTradeFunded     EventType = "trade.funded"
	EventTradeDelivered  EventType = "trade.delivered"
	EventTradeVerified   EventType = "trade.verified"
	EventTradeRejected   EventType = "trade.rejected"
	EventTradeShipped    EventType = "trade.shipped"
	EventTradeReceived   EventType = "trade.received"
	EventPaymentReleased EventType = "payment.released"
	EventPaymentRefunded EventType = "payment.refunded"
	EventTradeDisputed   EventType = "trade.disputed"
	EventTradeResolved   EventType = "trade.resolved"
	EventTradeCancelled  EventType = "trade.cancelled"
)

// Event is a single notification delivery.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	TradeID   string                 `json:"tradeId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a party's registered webhook endpoint.
type Subscription struct {
	ID          string      `json:"id"`
	PartyID     string      `json:"partyId"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // HMAC signing key, never serialized
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// Wants reports whether the subscription covers the event type.
// An empty Events list means all events.
func (s *Subscription) Wants(t EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByParty(ctx context.Context, partyID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

var ErrSubscriptionNotFound = fmt.Errorf("notify: subscription not found")

// Dispatcher posts events to subscribed endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a dispatcher with a bounded HTTP client.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// DispatchToParty sends an event to every active subscription the party holds
// for that event type. Sends run async so a slow endpoint cannot stall the
// caller.
func (d *Dispatcher) DispatchToParty(ctx context.Context, partyID string, event *Event) error {
	subs, err := d.store.GetByParty(ctx, partyID)
	if err != nil {
		return fmt.Errorf("get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		go d.send(ctx, sub, event)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SecureTrade-Event", string(event.Type))
	req.Header.Set("X-SecureTrade-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-SecureTrade-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	_ = d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory subscription store for demo mode and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetByParty(ctx context.Context, partyID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.PartyID == partyID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
