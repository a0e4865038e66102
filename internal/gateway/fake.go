package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/freightmesh/securetrade/internal/idgen"
)

// FakeGateway is an in-process processor for demo mode and tests. Holds live
// in memory and webhook payloads are signed with the same t=...,v1=... HMAC
// scheme real processors use, so the webhook endpoint is exercised end to end.
type FakeGateway struct {
	secret string

	mu        sync.Mutex
	holds     map[string]*Hold
	transfers map[string]*Transfer // keyed by idempotency key
}

// NewFakeGateway creates a fake processor signing webhooks with secret.
func NewFakeGateway(secret string) *FakeGateway {
	return &FakeGateway{
		secret:    secret,
		holds:     make(map[string]*Hold),
		transfers: make(map[string]*Transfer),
	}
}

func (g *FakeGateway) OpenHold(ctx context.Context, tradeID string, amountCents int64, currency string) (*Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := &Hold{
		ID:            idgen.WithPrefix("hold_"),
		TradeID:       tradeID,
		AmountCents:   amountCents,
		Currency:      currency,
		Status:        HoldOpen,
		FundingHandle: idgen.WithPrefix("pay_"),
	}
	g.holds[h.ID] = h
	cp := *h
	return &cp, nil
}

func (g *FakeGateway) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[holdID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (g *FakeGateway) CaptureHold(ctx context.Context, holdID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	if h.Status != HoldFunded {
		return &PermanentError{Err: fmt.Errorf("capture on %s hold", h.Status)}
	}
	return nil
}

func (g *FakeGateway) TransferToSeller(ctx context.Context, req TransferRequest) (*Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tr, ok := g.transfers[req.IdempotencyKey]; ok {
		cp := *tr
		return &cp, nil
	}

	h, ok := g.holds[req.HoldID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	if h.Status != HoldFunded && h.Status != HoldReleased {
		return nil, &PermanentError{Err: fmt.Errorf("transfer on %s hold", h.Status)}
	}

	tr := &Transfer{ID: idgen.WithPrefix("tr_"), AmountCents: req.AmountCents}
	g.transfers[req.IdempotencyKey] = tr
	h.Status = HoldReleased
	cp := *tr
	return &cp, nil
}

func (g *FakeGateway) RefundBuyer(ctx context.Context, holdID string, amountCents int64) (*Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[holdID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	if h.Status != HoldFunded && h.Status != HoldReleased {
		return nil, &PermanentError{Err: fmt.Errorf("refund on %s hold", h.Status)}
	}
	h.Status = HoldRefunded
	return &Refund{ID: idgen.WithPrefix("re_"), AmountCents: amountCents}, nil
}

func (g *FakeGateway) CancelHold(ctx context.Context, holdID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[holdID]
	if !ok {
		return ErrHoldNotFound
	}
	if h.Status == HoldOpen {
		h.Status = HoldCanceled
	}
	return nil
}

// TransferredCents reports the total paid out across all transfers.
func (g *FakeGateway) TransferredCents() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total int64
	for _, tr := range g.transfers {
		total += tr.AmountCents
	}
	return total
}

// fakeEvent is the wire form of the fake processor's webhook payload.
type fakeEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	HoldID      string `json:"hold_id"`
	TradeID     string `json:"trade_id"`
	AmountCents int64  `json:"amount_cents"`
}

// Fund marks the hold as paid and returns a signed webhook delivery, as if
// the buyer had completed payment and the processor called us back.
func (g *FakeGateway) Fund(holdID string) (payload []byte, sigHeader string, err error) {
	g.mu.Lock()
	h, ok := g.holds[holdID]
	if !ok {
		g.mu.Unlock()
		return nil, "", ErrHoldNotFound
	}
	h.Status = HoldFunded
	ev := fakeEvent{
		ID:          idgen.WithPrefix("evt_"),
		Type:        string(EventHoldFunded),
		HoldID:      h.ID,
		TradeID:     h.TradeID,
		AmountCents: h.AmountCents,
	}
	g.mu.Unlock()

	payload, err = json.Marshal(ev)
	if err != nil {
		return nil, "", err
	}
	return payload, SignPayload(g.secret, payload, time.Now()), nil
}

func (g *FakeGateway) VerifyWebhook(payload []byte, sigHeader string) (*Event, error) {
	if !verifySignature(g.secret, payload, sigHeader) {
		return nil, ErrBadSignature
	}

	var ev fakeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("gateway: decode webhook payload: %w", err)
	}

	out := &Event{
		ID:          ev.ID,
		HoldID:      ev.HoldID,
		TradeID:     ev.TradeID,
		AmountCents: ev.AmountCents,
	}
	switch EventType(ev.Type) {
	case EventHoldFunded, EventHoldRefunded:
		out.Type = EventType(ev.Type)
	default:
		out.Type = EventIgnored
	}
	return out, nil
}

// SignPayload produces a t=<unix>,v1=<hmac> signature header over payload.
// The signed string is "<unix>.<payload>".
func SignPayload(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func verifySignature(secret string, payload []byte, header string) bool {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return false
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Compile-time assertion that FakeGateway implements Gateway.
var _ Gateway = (*FakeGateway)(nil)
