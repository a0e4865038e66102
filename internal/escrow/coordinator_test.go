package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/freightmesh/securetrade/internal/gateway"
	"github.com/freightmesh/securetrade/internal/money"
	"github.com/freightmesh/securetrade/internal/notify"
	"github.com/freightmesh/securetrade/internal/trade"
)

func newTestCoordinator() (*Coordinator, *trade.MemoryStore, *gateway.FakeGateway) {
	store := trade.NewMemoryStore()
	gw := gateway.NewFakeGateway("whsec_test")
	notifier := notify.NewNotifier(nil, nil, slog.Default())
	c := NewCoordinator(store, gw, notifier, slog.Default())
	return c, store, gw
}

func createRequest(amount string) CreateRequest {
	req := CreateRequest{
		BuyerID:  "buyer-1",
		SellerID: "seller-1",
		Amount:   amount,
	}
	req.Product.Name = "copper wire"
	req.Product.Quantity = 40
	req.Product.DeclaredValue = amount
	return req
}

// fund pushes the fake processor's funding webhook through the coordinator.
func fund(t *testing.T, c *Coordinator, gw *gateway.FakeGateway, tr *trade.Trade) *trade.Trade {
	t.Helper()
	payload, sig, err := gw.Fund(tr.Escrow.HoldID)
	if err != nil {
		t.Fatalf("fake Fund failed: %v", err)
	}
	ev, err := gw.VerifyWebhook(payload, sig)
	if err != nil {
		t.Fatalf("VerifyWebhook failed: %v", err)
	}
	dup, err := c.HandleGatewayEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleGatewayEvent failed: %v", err)
	}
	if dup {
		t.Fatal("first funding webhook reported as duplicate")
	}
	funded, err := c.Get(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("Get after funding failed: %v", err)
	}
	return funded
}

func TestCreateTrade_Validation(t *testing.T) {
	c, _, _ := newTestCoordinator()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"same party", func(r *CreateRequest) { r.SellerID = r.BuyerID }},
		{"zero amount", func(r *CreateRequest) { r.Amount = "0" }},
		{"negative amount", func(r *CreateRequest) { r.Amount = "-10.00" }},
		{"garbage amount", func(r *CreateRequest) { r.Amount = "ten dollars" }},
		{"no product name", func(r *CreateRequest) { r.Product.Name = "" }},
		{"zero quantity", func(r *CreateRequest) { r.Product.Quantity = 0 }},
	}
	for _, tt := range tests {
		req := createRequest("1000.00")
		tt.mutate(&req)
		if _, err := c.CreateTrade(ctx, req); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: got %v, want ErrInvalidArgument", tt.name, err)
		}
	}
}

func TestCreateTrade_OpensHold(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, err := c.CreateTrade(ctx, createRequest("1000.00"))
	if err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	if tr.Status != trade.StatusDraft || tr.Escrow.Status != trade.EscrowPending {
		t.Errorf("new trade not a pending draft: %s/%s", tr.Status, tr.Escrow.Status)
	}
	if tr.Escrow.AmountCents != 100000 {
		t.Errorf("amount = %d cents, want 100000", tr.Escrow.AmountCents)
	}
	if tr.Escrow.HoldID == "" || tr.Escrow.FundingHandle == "" {
		t.Error("hold id and funding handle must be recorded")
	}

	hold, err := gw.GetHold(ctx, tr.Escrow.HoldID)
	if err != nil {
		t.Fatalf("GetHold failed: %v", err)
	}
	if hold.TradeID != tr.ID || hold.AmountCents != 100000 {
		t.Errorf("hold not tagged with trade: %+v", hold)
	}
}

func TestConfirmFunding(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	funded := fund(t, c, gw, tr)

	if funded.Escrow.Status != trade.EscrowFunded {
		t.Errorf("escrow = %s, want funded", funded.Escrow.Status)
	}
	if funded.Status != trade.StatusActive {
		t.Errorf("status = %s, want active", funded.Status)
	}
	if funded.Timeline.BuyerPaid == nil || funded.Escrow.FundedAt == nil {
		t.Error("funding timestamps not stamped")
	}
}

func TestConfirmFunding_DuplicateWebhook(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	payload, sig, _ := gw.Fund(tr.Escrow.HoldID)
	ev, _ := gw.VerifyWebhook(payload, sig)

	if dup, err := c.HandleGatewayEvent(ctx, ev); err != nil || dup {
		t.Fatalf("first delivery: dup=%v err=%v", dup, err)
	}
	// The processor redelivers the same event.
	dup, err := c.HandleGatewayEvent(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}
	if !dup {
		t.Error("second delivery should be recognized as duplicate")
	}

	got, _ := c.Get(ctx, tr.ID)
	if got.Escrow.Status != trade.EscrowFunded {
		t.Errorf("duplicate changed state: %s", got.Escrow.Status)
	}
}

func TestConfirmFunding_AmountMismatch(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	payload, sig, _ := gw.Fund(tr.Escrow.HoldID)
	ev, _ := gw.VerifyWebhook(payload, sig)
	ev.AmountCents = 99999

	if _, err := c.HandleGatewayEvent(ctx, ev); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("amount mismatch: got %v, want ErrInvalidArgument", err)
	}
}

func TestHappyPath_SeventyThenFull(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, err := c.CreateTrade(ctx, createRequest("1000.00"))
	if err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}
	fund(t, c, gw, tr)

	if _, err := c.ConfirmDelivery(ctx, tr.ID, []string{"photos/arrival.jpg"}); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if _, err := c.ApproveVerification(ctx, tr.ID, "insp-1", "reports/ok.pdf", true); err != nil {
		t.Fatalf("ApproveVerification failed: %v", err)
	}

	shipped, err := c.ConfirmShipment(ctx, tr.ID, "TRK123", "maersk")
	if err != nil {
		t.Fatalf("ConfirmShipment failed: %v", err)
	}
	if shipped.Shipping.Status != trade.ShippingInTransit {
		t.Errorf("shipping = %s, want in_transit", shipped.Shipping.Status)
	}
	if shipped.Escrow.ReleasedBps != DefaultShipmentReleaseBps {
		t.Errorf("released = %d bps, want %d", shipped.Escrow.ReleasedBps, DefaultShipmentReleaseBps)
	}
	if got := gw.TransferredCents(); got != 70000 {
		t.Errorf("shipment release transferred %d cents, want 70000", got)
	}
	if shipped.Timeline.SellerPaid == nil {
		t.Error("first release must stamp sellerPaid")
	}

	if _, err := c.MarkDelivered(ctx, tr.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	final, err := c.ReleasePayment(ctx, tr.ID, money.FullReleaseBps)
	if err != nil {
		t.Fatalf("final ReleasePayment failed: %v", err)
	}
	if final.Escrow.Status != trade.EscrowReleased || final.Status != trade.StatusCompleted {
		t.Errorf("final state = %s/%s, want released/completed", final.Escrow.Status, final.Status)
	}
	if final.Escrow.ReleasedBps != money.FullReleaseBps || final.Escrow.ReleasedAt == nil {
		t.Errorf("full release not recorded: %+v", final.Escrow)
	}
	// 700 on shipment + 300 on final release, never more.
	if got := gw.TransferredCents(); got != 100000 {
		t.Errorf("total transferred %d cents, want 100000", got)
	}
}

func TestReleaseOrdering(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	fund(t, c, gw, tr)

	// Shipment before inspection approval.
	if _, err := c.ConfirmShipment(ctx, tr.ID, "TRK1", "dhl"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("shipment before approval: got %v, want ErrPrecondition", err)
	}
	// Direct release before inspection approval.
	if _, err := c.ReleasePayment(ctx, tr.ID, 7000); !errors.Is(err, ErrPrecondition) {
		t.Errorf("release before approval: got %v, want ErrPrecondition", err)
	}
	// Neither may move money.
	if got := gw.TransferredCents(); got != 0 {
		t.Errorf("%d cents transferred before approval", got)
	}
}

func TestRejection_RefundsNeverReleases(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("500.00"))
	fund(t, c, gw, tr)
	if _, err := c.ConfirmDelivery(ctx, tr.ID, nil); err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}

	rejected, err := c.ApproveVerification(ctx, tr.ID, "insp-1", "reports/bad.pdf", false)
	if err != nil {
		t.Fatalf("rejecting verification failed: %v", err)
	}
	if rejected.Verification.Status != trade.VerificationRejected {
		t.Errorf("verification = %s, want rejected", rejected.Verification.Status)
	}
	if rejected.Escrow.Status != trade.EscrowRefunded || rejected.Status != trade.StatusCancelled {
		t.Errorf("state = %s/%s, want refunded/cancelled", rejected.Escrow.Status, rejected.Status)
	}

	hold, _ := gw.GetHold(ctx, tr.Escrow.HoldID)
	if hold.Status != gateway.HoldRefunded {
		t.Errorf("hold = %s, want refunded", hold.Status)
	}
	if got := gw.TransferredCents(); got != 0 {
		t.Errorf("rejection moved %d cents to seller", got)
	}

	// Any later release attempt must fail.
	if _, err := c.ReleasePayment(ctx, tr.ID, money.FullReleaseBps); !errors.Is(err, ErrPrecondition) {
		t.Errorf("release after refund: got %v, want ErrPrecondition", err)
	}
}

func TestRelease_FractionMonotonicity(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	fund(t, c, gw, tr)
	_, _ = c.ConfirmDelivery(ctx, tr.ID, nil)
	_, _ = c.ApproveVerification(ctx, tr.ID, "insp-1", "", true)

	if _, err := c.ReleasePayment(ctx, tr.ID, 7000); err != nil {
		t.Fatalf("release to 7000 failed: %v", err)
	}

	// Stale and repeated targets are rejected.
	if _, err := c.ReleasePayment(ctx, tr.ID, 7000); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("repeated target: got %v, want ErrInvalidArgument", err)
	}
	if _, err := c.ReleasePayment(ctx, tr.ID, 5000); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("lower target: got %v, want ErrInvalidArgument", err)
	}
	if _, err := c.ReleasePayment(ctx, tr.ID, 10001); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("overshoot target: got %v, want ErrInvalidArgument", err)
	}

	final, err := c.ReleasePayment(ctx, tr.ID, money.FullReleaseBps)
	if err != nil {
		t.Fatalf("release to 10000 failed: %v", err)
	}
	if final.Escrow.Status != trade.EscrowReleased {
		t.Errorf("escrow = %s, want released", final.Escrow.Status)
	}
	if got := gw.TransferredCents(); got != 100000 {
		t.Errorf("total transferred %d cents, want 100000", got)
	}
}

func TestRelease_ConcurrentSingleTransfer(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	fund(t, c, gw, tr)
	_, _ = c.ConfirmDelivery(ctx, tr.ID, nil)
	_, _ = c.ApproveVerification(ctx, tr.ID, "insp-1", "", true)

	// Two finance operators race to release the full amount.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ReleasePayment(ctx, tr.ID, money.FullReleaseBps)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrInvalidArgument) && !errors.Is(err, ErrPrecondition) {
			t.Errorf("racer %d: unexpected error %v", i, err)
		}
	}
	// Exactly one full payout regardless of who won.
	if got := gw.TransferredCents(); got != 100000 {
		t.Errorf("concurrent release transferred %d cents, want 100000", got)
	}
	final, _ := c.Get(ctx, tr.ID)
	if final.Escrow.ReleasedBps != money.FullReleaseBps {
		t.Errorf("released = %d bps, want 10000", final.Escrow.ReleasedBps)
	}
}

// stubGateway overrides single calls on top of the fake for failure injection.
type stubGateway struct {
	gateway.Gateway
	transferErr error
	refundErr   error
}

func (s *stubGateway) TransferToSeller(ctx context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
	if s.transferErr != nil {
		return nil, s.transferErr
	}
	return s.Gateway.TransferToSeller(ctx, req)
}

func (s *stubGateway) RefundBuyer(ctx context.Context, holdID string, amountCents int64) (*gateway.Refund, error) {
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	return s.Gateway.RefundBuyer(ctx, holdID, amountCents)
}

func TestRelease_GatewayFailureLeavesStateUntouched(t *testing.T) {
	store := trade.NewMemoryStore()
	fake := gateway.NewFakeGateway("whsec_test")
	stub := &stubGateway{Gateway: fake, transferErr: &gateway.TransientError{Err: errors.New("processor 503")}}
	notifier := notify.NewNotifier(nil, nil, slog.Default())
	c := NewCoordinator(store, stub, notifier, slog.Default())
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	fund(t, c, fake, tr)
	_, _ = c.ConfirmDelivery(ctx, tr.ID, nil)
	_, _ = c.ApproveVerification(ctx, tr.ID, "insp-1", "", true)

	_, err := c.ReleasePayment(ctx, tr.ID, 7000)
	if err == nil || !gateway.IsTransient(err) {
		t.Fatalf("expected transient gateway error, got %v", err)
	}

	got, _ := c.Get(ctx, tr.ID)
	if got.Escrow.ReleasedBps != 0 || got.Escrow.Status != trade.EscrowFunded {
		t.Errorf("failed release changed state: %+v", got.Escrow)
	}

	// Processor recovers; the same target succeeds cleanly.
	stub.transferErr = nil
	if _, err := c.ReleasePayment(ctx, tr.ID, 7000); err != nil {
		t.Fatalf("release after recovery failed: %v", err)
	}
	if got := fake.TransferredCents(); got != 70000 {
		t.Errorf("transferred %d cents, want 70000", got)
	}
}

func TestDispute_Lifecycle(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("800.00"))
	fund(t, c, gw, tr)

	if _, err := c.OpenDispute(ctx, tr.ID, "stranger", "not mine"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("outsider dispute: got %v, want ErrNotParticipant", err)
	}
	if _, err := c.OpenDispute(ctx, tr.ID, "buyer-1", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty reason: got %v, want ErrInvalidArgument", err)
	}

	disputed, err := c.OpenDispute(ctx, tr.ID, "buyer-1", "goods look resold")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if disputed.Status != trade.StatusDisputed || !disputed.Dispute.IsDisputed {
		t.Errorf("trade not disputed: %+v", disputed)
	}

	// A dispute freezes normal progress.
	if _, err := c.ConfirmDelivery(ctx, tr.ID, nil); !errors.Is(err, ErrPrecondition) {
		t.Errorf("delivery while disputed: got %v, want ErrPrecondition", err)
	}
	if _, err := c.ReleasePayment(ctx, tr.ID, 7000); !errors.Is(err, ErrPrecondition) {
		t.Errorf("release while disputed: got %v, want ErrPrecondition", err)
	}
	if _, err := c.OpenDispute(ctx, tr.ID, "seller-1", "counter"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("double dispute: got %v, want ErrPrecondition", err)
	}

	resolved, err := c.ResolveDispute(ctx, tr.ID, "refund")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Escrow.Status != trade.EscrowRefunded || resolved.Status != trade.StatusCancelled {
		t.Errorf("resolution state = %s/%s, want refunded/cancelled", resolved.Escrow.Status, resolved.Status)
	}
	if got := gw.TransferredCents(); got != 0 {
		t.Errorf("refund resolution moved %d cents to seller", got)
	}
}

func TestDispute_ResolveRelease(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("800.00"))
	fund(t, c, gw, tr)
	_, _ = c.OpenDispute(ctx, tr.ID, "seller-1", "buyer ghosted after delivery")

	if _, err := c.ResolveDispute(ctx, tr.ID, "split"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown resolution: got %v, want ErrInvalidArgument", err)
	}

	resolved, err := c.ResolveDispute(ctx, tr.ID, "release")
	if err != nil {
		t.Fatalf("ResolveDispute(release) failed: %v", err)
	}
	if resolved.Escrow.Status != trade.EscrowReleased {
		t.Errorf("escrow = %s, want released", resolved.Escrow.Status)
	}
	if got := gw.TransferredCents(); got != 80000 {
		t.Errorf("transferred %d cents, want 80000", got)
	}
}

func TestMarkDelivered_RequiresTransit(t *testing.T) {
	c, _, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	fund(t, c, gw, tr)

	if _, err := c.MarkDelivered(ctx, tr.ID); !errors.Is(err, ErrPrecondition) {
		t.Errorf("delivered before shipment: got %v, want ErrPrecondition", err)
	}
}

// hookStore interposes on conditional writes so a test can interleave a
// competing operation between an operation's read and its commit.
type hookStore struct {
	trade.Store
	mu      sync.Mutex
	onWrite func()
}

func (h *hookStore) setHook(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onWrite = fn
}

func (h *hookStore) UpdateIf(ctx context.Context, tr *trade.Trade, expect trade.Expect) error {
	h.mu.Lock()
	fn := h.onWrite
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.Store.UpdateIf(ctx, tr, expect)
}

func TestMarkDelivered_PreservesConcurrentRelease(t *testing.T) {
	hooked := &hookStore{Store: trade.NewMemoryStore()}
	fake := gateway.NewFakeGateway("whsec_test")
	notifier := notify.NewNotifier(nil, nil, slog.Default())
	c := NewCoordinator(hooked, fake, notifier, slog.Default())
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	fund(t, c, fake, tr)
	_, _ = c.ConfirmDelivery(ctx, tr.ID, nil)
	_, _ = c.ApproveVerification(ctx, tr.ID, "insp-1", "", true)
	if _, err := c.ConfirmShipment(ctx, tr.ID, "TRK1", "dhl"); err != nil {
		t.Fatalf("ConfirmShipment failed: %v", err)
	}

	// Finance releases the remainder between the delivery confirmation's
	// read and its commit.
	hooked.setHook(func() {
		hooked.setHook(nil)
		if _, err := c.ReleasePayment(ctx, tr.ID, money.FullReleaseBps); err != nil {
			t.Errorf("interleaved release failed: %v", err)
		}
	})

	delivered, err := c.MarkDelivered(ctx, tr.ID)
	if err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if delivered.Shipping.Status != trade.ShippingDelivered {
		t.Errorf("shipping = %s, want delivered", delivered.Shipping.Status)
	}

	// The delivery commit must not roll the payout back.
	got, _ := c.Get(ctx, tr.ID)
	if got.Escrow.Status != trade.EscrowReleased || got.Escrow.ReleasedBps != money.FullReleaseBps {
		t.Errorf("delivery write reverted the release: escrow=%s releasedBps=%d",
			got.Escrow.Status, got.Escrow.ReleasedBps)
	}
	if got.Shipping.Status != trade.ShippingDelivered {
		t.Errorf("shipping = %s, want delivered", got.Shipping.Status)
	}
	if cents := fake.TransferredCents(); cents != 100000 {
		t.Errorf("transferred %d cents, want 100000", cents)
	}
}

func TestConfirmDelivery_YieldsToConcurrentDispute(t *testing.T) {
	hooked := &hookStore{Store: trade.NewMemoryStore()}
	fake := gateway.NewFakeGateway("whsec_test")
	notifier := notify.NewNotifier(nil, nil, slog.Default())
	c := NewCoordinator(hooked, fake, notifier, slog.Default())
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("700.00"))
	fund(t, c, fake, tr)

	// The buyer disputes between the delivery confirmation's read and its
	// commit. The dispute must win.
	hooked.setHook(func() {
		hooked.setHook(nil)
		if _, err := c.OpenDispute(ctx, tr.ID, "buyer-1", "crate arrived empty"); err != nil {
			t.Errorf("interleaved dispute failed: %v", err)
		}
	})

	if _, err := c.ConfirmDelivery(ctx, tr.ID, nil); !errors.Is(err, ErrPrecondition) {
		t.Errorf("delivery over a fresh dispute: got %v, want ErrPrecondition", err)
	}

	got, _ := c.Get(ctx, tr.ID)
	if got.Status != trade.StatusDisputed || !got.Dispute.IsDisputed {
		t.Errorf("delivery write erased the dispute: status=%s disputed=%v",
			got.Status, got.Dispute.IsDisputed)
	}
	if got.Verification.Status != trade.VerificationWaitingDelivery {
		t.Errorf("verification = %s, want waiting_delivery", got.Verification.Status)
	}
}

func TestDispute_ResolveRefundRetriesAfterGatewayFailure(t *testing.T) {
	store := trade.NewMemoryStore()
	fake := gateway.NewFakeGateway("whsec_test")
	stub := &stubGateway{Gateway: fake, refundErr: &gateway.TransientError{Err: errors.New("processor 503")}}
	notifier := notify.NewNotifier(nil, nil, slog.Default())
	c := NewCoordinator(store, stub, notifier, slog.Default())
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("600.00"))
	fund(t, c, fake, tr)
	if _, err := c.OpenDispute(ctx, tr.ID, "buyer-1", "goods not as described"); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}

	_, err := c.ResolveDispute(ctx, tr.ID, "refund")
	if err == nil || !gateway.IsTransient(err) {
		t.Fatalf("expected transient gateway error, got %v", err)
	}

	// The failed money leg leaves the dispute fully in force so the
	// resolution can be re-driven.
	got, _ := c.Get(ctx, tr.ID)
	if got.Status != trade.StatusDisputed || got.Escrow.Status != trade.EscrowFunded {
		t.Errorf("failed resolution changed state: %s/%s", got.Status, got.Escrow.Status)
	}
	if got.Dispute.Resolution != "" {
		t.Errorf("resolution %q recorded before the refund succeeded", got.Dispute.Resolution)
	}

	// Processor recovers; the same resolution goes through.
	stub.refundErr = nil
	resolved, err := c.ResolveDispute(ctx, tr.ID, "refund")
	if err != nil {
		t.Fatalf("resolution retry failed: %v", err)
	}
	if resolved.Escrow.Status != trade.EscrowRefunded || resolved.Status != trade.StatusCancelled {
		t.Errorf("resolution state = %s/%s, want refunded/cancelled", resolved.Escrow.Status, resolved.Status)
	}
	if resolved.Dispute.Resolution != "refunded_to_buyer" {
		t.Errorf("resolution = %q, want refunded_to_buyer", resolved.Dispute.Resolution)
	}
	if cents := fake.TransferredCents(); cents != 0 {
		t.Errorf("refund resolution moved %d cents to seller", cents)
	}
}

func TestReconciler_VoidsStaleUnfundedHolds(t *testing.T) {
	c, store, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))

	r := NewReconciler(store, gw, slog.Default()).WithStaleAfter(time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	r.Sweep(ctx)

	hold, err := gw.GetHold(ctx, tr.Escrow.HoldID)
	if err != nil {
		t.Fatalf("GetHold failed: %v", err)
	}
	if hold.Status != gateway.HoldCanceled {
		t.Errorf("hold = %s, want canceled", hold.Status)
	}
}

func TestReconciler_LeavesFundedHoldsAlone(t *testing.T) {
	c, store, gw := newTestCoordinator()
	ctx := context.Background()

	tr, _ := c.CreateTrade(ctx, createRequest("1000.00"))
	// Processor funded the hold but the webhook never arrived: trade still
	// draft/pending. The sweep must not touch the money.
	_, _, _ = gw.Fund(tr.Escrow.HoldID)

	r := NewReconciler(store, gw, slog.Default()).WithStaleAfter(time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	r.Sweep(ctx)

	hold, _ := gw.GetHold(ctx, tr.Escrow.HoldID)
	if hold.Status != gateway.HoldFunded {
		t.Errorf("sweep changed funded hold to %s", hold.Status)
	}
}
