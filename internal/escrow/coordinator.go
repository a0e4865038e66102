// Package escrow coordinates the secure trade workflow.
//
// Flow:
//  1. Buyer opens a trade → hold created at the payment processor
//  2. Processor webhook confirms funding → escrow funded, trade active
//  3. Seller delivers to the inspection warehouse → in_inspection
//  4. Inspector approves → shipment allowed; rejects → full refund
//  5. Shipment confirmed → partial release to the seller (default 70%)
//  6. Buyer receives the goods → remaining release, trade completed
//
// Money always moves at the processor BEFORE the local record commits, so a
// crash leaves "paid but not recorded", which reconciliation can see, never
// "recorded but not paid". Every state commit is a compare-and-set on the
// trade store; a lost race is re-read and treated as success only when the
// observed state is the one this operation wanted.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightmesh/securetrade/internal/gateway"
	"github.com/freightmesh/securetrade/internal/idgen"
	"github.com/freightmesh/securetrade/internal/logging"
	"github.com/freightmesh/securetrade/internal/money"
	"github.com/freightmesh/securetrade/internal/notify"
	"github.com/freightmesh/securetrade/internal/trade"
	"github.com/freightmesh/securetrade/internal/traces"
)

var (
	ErrInvalidArgument = errors.New("escrow: invalid argument")
	// ErrPrecondition means the trade is not in a state that allows the
	// operation. The request may have been right a moment ago; the caller
	// should re-read the trade.
	ErrPrecondition   = errors.New("escrow: operation not allowed in current state")
	ErrNotParticipant = errors.New("escrow: caller is not a participant in this trade")
)

// DefaultShipmentReleaseBps is the cumulative fraction released to the
// seller when the shipment is confirmed, unless configured otherwise.
const DefaultShipmentReleaseBps = 7000

// casRetries bounds how often a commit is re-driven after losing the
// compare-and-set to a writer on a different sub-machine. Only used on
// paths where the money leg has already happened and failing the commit
// would leave "paid but not recorded".
const casRetries = 3

// CreateRequest contains the parameters for opening a trade.
type CreateRequest struct {
	BuyerID  string `json:"buyerId" binding:"required"`
	SellerID string `json:"sellerId" binding:"required"`
	Product  struct {
		Name          string   `json:"name" binding:"required"`
		Quantity      int      `json:"quantity" binding:"required"`
		DeclaredValue string   `json:"declaredValue"`
		Description   string   `json:"description"`
		PhotoRefs     []string `json:"photoRefs"`
	} `json:"product" binding:"required"`
	Amount string `json:"amount" binding:"required"` // decimal, e.g. "1000.00"
}

// Coordinator owns all trade state transitions.
type Coordinator struct {
	store    trade.Store
	gw       gateway.Gateway
	notifier *notify.Notifier
	logger   *slog.Logger

	currency           string
	shipmentReleaseBps int
}

// NewCoordinator creates the workflow coordinator.
func NewCoordinator(store trade.Store, gw gateway.Gateway, notifier *notify.Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:              store,
		gw:                 gw,
		notifier:           notifier,
		logger:             logger,
		currency:           "usd",
		shipmentReleaseBps: DefaultShipmentReleaseBps,
	}
}

// WithCurrency overrides the settlement currency.
func (c *Coordinator) WithCurrency(currency string) *Coordinator {
	c.currency = currency
	return c
}

// WithShipmentReleaseBps overrides the cumulative fraction released on
// shipment confirmation.
func (c *Coordinator) WithShipmentReleaseBps(bps int) *Coordinator {
	if bps > 0 && bps <= money.FullReleaseBps {
		c.shipmentReleaseBps = bps
	}
	return c
}

// CreateTrade validates the request, persists a draft trade, and opens a
// funding hold at the processor. The returned trade carries the funding
// handle the buyer completes payment with.
//
// If the processor call fails the draft stays behind; reconciliation
// surfaces drafts that never fund.
func (c *Coordinator) CreateTrade(ctx context.Context, req CreateRequest) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateTrade")
	defer span.End()

	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same party", ErrInvalidArgument)
	}
	amountCents, err := money.ParseCents(req.Amount)
	if err != nil || amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive decimal", ErrInvalidArgument)
	}
	if req.Product.Name == "" || req.Product.Quantity <= 0 {
		return nil, fmt.Errorf("%w: product name and positive quantity required", ErrInvalidArgument)
	}
	declaredCents, err := money.ParseCents(req.Product.DeclaredValue)
	if err != nil {
		return nil, fmt.Errorf("%w: bad declared value", ErrInvalidArgument)
	}

	now := time.Now().UTC()
	tr := &trade.Trade{
		ID:       idgen.WithPrefix("trd_"),
		BuyerID:  req.BuyerID,
		SellerID: req.SellerID,
		Product: trade.Product{
			Name:               req.Product.Name,
			Quantity:           req.Product.Quantity,
			DeclaredValueCents: declaredCents,
			Description:        req.Product.Description,
			PhotoRefs:          req.Product.PhotoRefs,
		},
		Escrow: trade.Escrow{
			AmountCents: amountCents,
			Currency:    c.currency,
			Status:      trade.EscrowPending,
		},
		Verification: trade.Verification{Status: trade.VerificationWaitingDelivery},
		Shipping:     trade.Shipping{Status: trade.ShippingPending},
		Status:       trade.StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.store.Create(ctx, tr); err != nil {
		return nil, fmt.Errorf("create trade record: %w", err)
	}

	hold, err := c.gw.OpenHold(ctx, tr.ID, amountCents, c.currency)
	if err != nil {
		gatewayErrors.WithLabelValues(errClass(err)).Inc()
		logging.L(ctx).Error("hold open failed, draft left for reconciliation",
			"trade_id", tr.ID, "error", err)
		return nil, fmt.Errorf("open funding hold: %w", err)
	}

	expect := trade.ExpectAll(tr)
	tr.Escrow.HoldID = hold.ID
	tr.Escrow.FundingHandle = hold.FundingHandle
	tr.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateIf(ctx, tr, expect); err != nil {
		return nil, fmt.Errorf("record funding hold: %w", err)
	}

	tradesCreated.Inc()
	c.notifier.TradeCreated(tr.ID, tr.BuyerID, tr.SellerID, money.FormatCents(amountCents))
	logging.L(ctx).Info("trade created",
		"trade_id", tr.ID, "buyer", tr.BuyerID, "seller", tr.SellerID,
		"amount_cents", amountCents, "hold_id", hold.ID)
	return tr, nil
}

// Get returns a trade by id.
func (c *Coordinator) Get(ctx context.Context, tradeID string) (*trade.Trade, error) {
	return c.store.Get(ctx, tradeID)
}

// ListByParty returns trades the party is on either side of.
func (c *Coordinator) ListByParty(ctx context.Context, partyID string, limit int, opts ...trade.ListOption) ([]*trade.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	// Callers fetch one row past the page size to detect a further page.
	if limit > 101 {
		limit = 101
	}
	return c.store.ListByParty(ctx, partyID, limit, opts...)
}

// HandleGatewayEvent applies a verified processor webhook. The boolean
// reports whether the event was a recognized duplicate (already applied).
func (c *Coordinator) HandleGatewayEvent(ctx context.Context, ev *gateway.Event) (duplicate bool, err error) {
	switch ev.Type {
	case gateway.EventHoldFunded:
		return c.confirmFunding(ctx, ev)
	case gateway.EventHoldRefunded:
		// Refunds originate from this service; the webhook is confirmation.
		logging.L(ctx).Info("refund confirmed by processor", "hold_id", ev.HoldID)
		return false, nil
	default:
		return false, nil
	}
}

// confirmFunding moves escrow pending→funded after the processor reports the
// buyer's payment. Safe to replay: a funded (or later) escrow is a duplicate.
func (c *Coordinator) confirmFunding(ctx context.Context, ev *gateway.Event) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmFunding", traces.TradeID(ev.TradeID), traces.HoldID(ev.HoldID))
	defer span.End()

	tr, err := c.store.Get(ctx, ev.TradeID)
	if err != nil {
		return false, err
	}

	if tr.Escrow.Status != trade.EscrowPending {
		duplicateWebhooks.Inc()
		logging.L(ctx).Info("duplicate funding webhook ignored",
			"trade_id", tr.ID, "escrow_status", tr.Escrow.Status)
		return true, nil
	}
	if ev.HoldID != "" && tr.Escrow.HoldID != "" && ev.HoldID != tr.Escrow.HoldID {
		return false, fmt.Errorf("%w: hold %s does not belong to trade %s", ErrInvalidArgument, ev.HoldID, tr.ID)
	}
	if ev.AmountCents != 0 && ev.AmountCents != tr.Escrow.AmountCents {
		return false, fmt.Errorf("%w: funded amount %d does not match trade amount %d",
			ErrInvalidArgument, ev.AmountCents, tr.Escrow.AmountCents)
	}

	// Capture converts the authorization into held funds. Processor-side
	// idempotent, so a replayed webhook that loses the CAS below is harmless.
	if err := c.gw.CaptureHold(ctx, tr.Escrow.HoldID); err != nil {
		gatewayErrors.WithLabelValues(errClass(err)).Inc()
		return false, fmt.Errorf("capture hold: %w", err)
	}

	expect := trade.ExpectAll(tr)
	now := time.Now().UTC()
	tr.Escrow.Status = trade.EscrowFunded
	tr.Escrow.FundedAt = &now
	tr.Timeline.BuyerPaid = &now
	tr.Status = trade.StatusActive
	tr.UpdatedAt = now

	err = c.store.UpdateIf(ctx, tr, expect)
	if errors.Is(err, trade.ErrConflict) {
		fresh, gerr := c.store.Get(ctx, tr.ID)
		if gerr != nil {
			return false, gerr
		}
		if fresh.Escrow.Status != trade.EscrowPending {
			duplicateWebhooks.Inc()
			return true, nil
		}
		return false, ErrPrecondition
	}
	if err != nil {
		return false, err
	}

	tradesFunded.Inc()
	amount := money.FormatCents(tr.Escrow.AmountCents)
	c.notifier.TradeFunded(tr.ID, tr.BuyerID, tr.SellerID, amount)
	logging.L(ctx).Info("escrow funded", "trade_id", tr.ID, "amount", amount)
	return false, nil
}

// ConfirmDelivery records the goods arriving at the inspection warehouse and
// opens the inspection window.
func (c *Coordinator) ConfirmDelivery(ctx context.Context, tradeID string, photoRefs []string) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.TradeID(tradeID))
	defer span.End()

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Status == trade.StatusDisputed {
		return nil, fmt.Errorf("%w: trade is disputed", ErrPrecondition)
	}
	if tr.Escrow.Status != trade.EscrowFunded {
		return nil, fmt.Errorf("%w: escrow not funded", ErrPrecondition)
	}
	if tr.Verification.Status != trade.VerificationWaitingDelivery {
		return nil, fmt.Errorf("%w: verification is %s", ErrPrecondition, tr.Verification.Status)
	}

	expect := trade.ExpectAll(tr)
	now := time.Now().UTC()
	tr.Verification.Status = trade.VerificationInInspection
	tr.Verification.PhotoRefs = photoRefs
	tr.Timeline.SellerDelivered = &now
	tr.UpdatedAt = now

	if err := c.casVerification(ctx, tr, expect, trade.VerificationInInspection); err != nil {
		return nil, err
	}

	c.notifier.TradeDelivered(tr.ID, tr.BuyerID)
	logging.L(ctx).Info("goods delivered for inspection", "trade_id", tr.ID)
	return tr, nil
}

// ApproveVerification records the inspector's verdict. Approval clears the
// goods for shipment; rejection refunds the buyer in full. A rejection can
// never release funds.
func (c *Coordinator) ApproveVerification(ctx context.Context, tradeID, inspectorID, reportRef string, approved bool) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveVerification", traces.TradeID(tradeID))
	defer span.End()

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Status == trade.StatusDisputed {
		return nil, fmt.Errorf("%w: trade is disputed", ErrPrecondition)
	}
	if tr.Escrow.Status != trade.EscrowFunded {
		return nil, fmt.Errorf("%w: escrow not funded", ErrPrecondition)
	}
	if tr.Verification.Status != trade.VerificationInInspection {
		return nil, fmt.Errorf("%w: verification is %s", ErrPrecondition, tr.Verification.Status)
	}

	expect := trade.ExpectAll(tr)
	now := time.Now().UTC()
	tr.Verification.InspectorID = inspectorID
	tr.Verification.ReportRef = reportRef
	tr.UpdatedAt = now

	if approved {
		tr.Verification.Status = trade.VerificationApproved
		tr.Timeline.Verified = &now
		if err := c.casVerification(ctx, tr, expect, trade.VerificationApproved); err != nil {
			return nil, err
		}
		c.notifier.TradeVerified(tr.ID, tr.BuyerID, tr.SellerID, inspectorID)
		logging.L(ctx).Info("inspection approved", "trade_id", tr.ID, "inspector", inspectorID)
		return tr, nil
	}

	tr.Verification.Status = trade.VerificationRejected
	if err := c.casVerification(ctx, tr, expect, trade.VerificationRejected); err != nil {
		return nil, err
	}
	c.notifier.TradeRejected(tr.ID, tr.BuyerID, tr.SellerID, "verification_failed")
	logging.L(ctx).Info("inspection rejected, refunding buyer", "trade_id", tr.ID, "inspector", inspectorID)

	return c.refund(ctx, tr.ID, "verification_failed")
}

// ConfirmShipment records the outbound shipment and releases the shipment
// fraction of the escrow to the seller.
func (c *Coordinator) ConfirmShipment(ctx context.Context, tradeID, trackingNumber, carrier string) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmShipment", traces.TradeID(tradeID))
	defer span.End()

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Status == trade.StatusDisputed {
		return nil, fmt.Errorf("%w: trade is disputed", ErrPrecondition)
	}
	if tr.Escrow.Status != trade.EscrowFunded {
		return nil, fmt.Errorf("%w: escrow not funded", ErrPrecondition)
	}
	if tr.Verification.Status != trade.VerificationApproved {
		return nil, fmt.Errorf("%w: goods not approved for shipment", ErrPrecondition)
	}
	if tr.Shipping.Status != trade.ShippingPending {
		return nil, fmt.Errorf("%w: shipping is %s", ErrPrecondition, tr.Shipping.Status)
	}
	if trackingNumber == "" {
		return nil, fmt.Errorf("%w: tracking number required", ErrInvalidArgument)
	}

	expect := trade.ExpectAll(tr)
	now := time.Now().UTC()
	tr.Shipping.Status = trade.ShippingInTransit
	tr.Shipping.TrackingNumber = trackingNumber
	tr.Shipping.Carrier = carrier
	tr.Timeline.Shipped = &now
	tr.UpdatedAt = now

	if err := c.store.UpdateIf(ctx, tr, expect); err != nil {
		if errors.Is(err, trade.ErrConflict) {
			return nil, ErrPrecondition
		}
		return nil, err
	}

	c.notifier.TradeShipped(tr.ID, tr.BuyerID, carrier, trackingNumber)
	logging.L(ctx).Info("shipment confirmed",
		"trade_id", tr.ID, "carrier", carrier, "tracking", trackingNumber)

	// Shipment stands even if the release leg fails; finance can re-drive
	// the payout with ReleasePayment.
	released, err := c.release(ctx, tr.ID, c.shipmentReleaseBps)
	if err != nil {
		logging.L(ctx).Error("shipment release failed", "trade_id", tr.ID, "error", err)
		return nil, fmt.Errorf("shipment recorded, release failed: %w", err)
	}
	return released, nil
}

// MarkDelivered records the goods reaching the buyer.
func (c *Coordinator) MarkDelivered(ctx context.Context, tradeID string) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkDelivered", traces.TradeID(tradeID))
	defer span.End()

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Shipping.Status != trade.ShippingInTransit {
		return nil, fmt.Errorf("%w: shipping is %s", ErrPrecondition, tr.Shipping.Status)
	}

	expect := trade.ExpectAll(tr)
	for attempt := 0; ; attempt++ {
		tr.Shipping.Status = trade.ShippingDelivered
		tr.UpdatedAt = time.Now().UTC()

		err := c.store.UpdateIf(ctx, tr, expect)
		if err == nil {
			break
		}
		if !errors.Is(err, trade.ErrConflict) {
			return nil, err
		}
		fresh, gerr := c.store.Get(ctx, tr.ID)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Shipping.Status == trade.ShippingDelivered {
			return fresh, nil
		}
		if attempt >= casRetries || fresh.Shipping.Status != trade.ShippingInTransit {
			return nil, ErrPrecondition
		}
		// Lost the race to a writer on another sub-machine (a payout landing
		// between our read and write). Re-drive on the fresh record so that
		// write survives.
		tr = fresh
		expect = trade.ExpectAll(fresh)
	}

	c.notifier.TradeReceived(tr.ID, tr.SellerID)
	logging.L(ctx).Info("goods delivered to buyer", "trade_id", tr.ID)
	return tr, nil
}

// ReleasePayment moves the cumulative released fraction up to targetBps.
// The transfer is the delta between the target and what is already released:
// releasing to 100% after a 70% shipment release transfers the final 30%.
func (c *Coordinator) ReleasePayment(ctx context.Context, tradeID string, targetBps int) (*trade.Trade, error) {
	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Status == trade.StatusDisputed {
		return nil, fmt.Errorf("%w: trade is disputed", ErrPrecondition)
	}
	return c.release(ctx, tradeID, targetBps)
}

// release is the shared payout path. targetBps is the cumulative fraction
// the escrow should be at afterwards.
func (c *Coordinator) release(ctx context.Context, tradeID string, targetBps int) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.TradeID(tradeID), traces.TargetBps(targetBps))
	defer span.End()

	if targetBps <= 0 || targetBps > money.FullReleaseBps {
		return nil, fmt.Errorf("%w: release target out of range", ErrInvalidArgument)
	}

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Escrow.Status == trade.EscrowRefunded {
		return nil, fmt.Errorf("%w: escrow already refunded", ErrPrecondition)
	}
	if tr.Escrow.Status != trade.EscrowFunded && tr.Escrow.Status != trade.EscrowReleased {
		return nil, fmt.Errorf("%w: escrow not funded", ErrPrecondition)
	}
	// Disputed trades bypass the verification gate: resolution is an
	// explicit operator decision.
	if tr.Verification.Status != trade.VerificationApproved && !tr.Dispute.IsDisputed {
		return nil, fmt.Errorf("%w: goods not verified", ErrPrecondition)
	}
	if targetBps <= tr.Escrow.ReleasedBps {
		return nil, fmt.Errorf("%w: target %d bps does not exceed released %d bps",
			ErrInvalidArgument, targetBps, tr.Escrow.ReleasedBps)
	}

	currentBps := tr.Escrow.ReleasedBps
	delta := money.BpsOf(tr.Escrow.AmountCents, targetBps) - money.BpsOf(tr.Escrow.AmountCents, currentBps)

	// Processor first. The idempotency key pins this exact target so a
	// replay after a crash cannot double-pay.
	transfer, err := c.gw.TransferToSeller(ctx, gateway.TransferRequest{
		HoldID:         tr.Escrow.HoldID,
		SellerAccount:  tr.SellerID,
		AmountCents:    delta,
		Currency:       tr.Escrow.Currency,
		IdempotencyKey: fmt.Sprintf("%s:%d", tr.ID, targetBps),
	})
	if err != nil {
		gatewayErrors.WithLabelValues(errClass(err)).Inc()
		return nil, fmt.Errorf("transfer to seller: %w", err)
	}

	expect := trade.ExpectAll(tr)
	for attempt := 0; ; attempt++ {
		now := time.Now().UTC()
		tr.Escrow.ReleasedBps = targetBps
		if tr.Timeline.SellerPaid == nil {
			tr.Timeline.SellerPaid = &now
		}
		if targetBps == money.FullReleaseBps {
			tr.Escrow.Status = trade.EscrowReleased
			tr.Escrow.ReleasedAt = &now
			tr.Status = trade.StatusCompleted
			// A full release of a disputed trade is the dispute's resolution;
			// it ends in the same commit as the payout record.
			if tr.Dispute.IsDisputed && tr.Dispute.Resolution == "" {
				tr.Dispute.Resolution = "released_to_seller"
			}
		}
		tr.UpdatedAt = now

		err = c.store.UpdateIf(ctx, tr, expect)
		if err == nil {
			break
		}
		if !errors.Is(err, trade.ErrConflict) {
			return nil, err
		}
		fresh, gerr := c.store.Get(ctx, tr.ID)
		if gerr != nil {
			return nil, gerr
		}
		// Another writer got the record to (or past) our target; the
		// transfer above was idempotency-deduped, so money is consistent.
		if fresh.Escrow.ReleasedBps >= targetBps {
			return fresh, nil
		}
		if attempt >= casRetries || fresh.Escrow.Status != trade.EscrowFunded || fresh.Escrow.ReleasedBps != currentBps {
			return nil, ErrPrecondition
		}
		// The conflict came from a writer on another sub-machine and the
		// seller is already paid; re-drive the commit on the fresh record.
		tr = fresh
		expect = trade.ExpectAll(fresh)
	}

	releases.Inc()
	releaseFraction.Observe(money.BpsToFraction(targetBps))
	amount := money.FormatCents(transfer.AmountCents)
	c.notifier.PaymentReleased(tr.ID, tr.SellerID, amount, targetBps)
	logging.L(ctx).Info("payment released",
		"trade_id", tr.ID, "transfer_id", transfer.ID,
		"delta_cents", delta, "target_bps", targetBps)
	return tr, nil
}

// refund is the shared refund path: everything not yet released goes back to
// the buyer and the trade ends.
func (c *Coordinator) refund(ctx context.Context, tradeID, reason string) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.TradeID(tradeID))
	defer span.End()

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Escrow.Status == trade.EscrowRefunded {
		return tr, nil
	}
	if tr.Escrow.Status != trade.EscrowFunded {
		return nil, fmt.Errorf("%w: escrow is %s", ErrPrecondition, tr.Escrow.Status)
	}

	refundedBps := tr.Escrow.ReleasedBps
	remaining := tr.Escrow.AmountCents - money.BpsOf(tr.Escrow.AmountCents, refundedBps)
	refundRec, err := c.gw.RefundBuyer(ctx, tr.Escrow.HoldID, remaining)
	if err != nil {
		gatewayErrors.WithLabelValues(errClass(err)).Inc()
		return nil, fmt.Errorf("refund buyer: %w", err)
	}

	expect := trade.ExpectAll(tr)
	for attempt := 0; ; attempt++ {
		tr.Escrow.Status = trade.EscrowRefunded
		tr.Status = trade.StatusCancelled
		if reason != "" && tr.Dispute.Resolution == "" {
			tr.Dispute.Resolution = reason
		}
		tr.UpdatedAt = time.Now().UTC()

		err = c.store.UpdateIf(ctx, tr, expect)
		if err == nil {
			break
		}
		if !errors.Is(err, trade.ErrConflict) {
			return nil, err
		}
		fresh, gerr := c.store.Get(ctx, tr.ID)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Escrow.Status == trade.EscrowRefunded {
			return fresh, nil
		}
		if attempt >= casRetries || fresh.Escrow.Status != trade.EscrowFunded || fresh.Escrow.ReleasedBps != refundedBps {
			return nil, ErrPrecondition
		}
		// The buyer's money is already on its way back; a conflicting write
		// on another sub-machine must not block the commit. Re-drive.
		tr = fresh
		expect = trade.ExpectAll(fresh)
	}

	refunds.Inc()
	amount := money.FormatCents(refundRec.AmountCents)
	c.notifier.PaymentRefunded(tr.ID, tr.BuyerID, amount)
	logging.L(ctx).Info("escrow refunded",
		"trade_id", tr.ID, "refund_id", refundRec.ID, "amount", amount, "reason", reason)
	return tr, nil
}

// OpenDispute freezes the trade until an operator resolves it. Only the
// buyer or seller can open one, and only while money is still held.
func (c *Coordinator) OpenDispute(ctx context.Context, tradeID, callerID, reason string) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.TradeID(tradeID))
	defer span.End()

	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason required", ErrInvalidArgument)
	}

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if callerID != tr.BuyerID && callerID != tr.SellerID {
		return nil, ErrNotParticipant
	}
	if tr.IsTerminal() || tr.Status == trade.StatusDisputed {
		return nil, fmt.Errorf("%w: trade is %s", ErrPrecondition, tr.Status)
	}
	if tr.Escrow.Status != trade.EscrowFunded {
		return nil, fmt.Errorf("%w: no held funds to dispute", ErrPrecondition)
	}

	expect := trade.ExpectAll(tr)
	for attempt := 0; ; attempt++ {
		tr.Status = trade.StatusDisputed
		tr.Dispute.IsDisputed = true
		tr.Dispute.Reason = reason
		tr.UpdatedAt = time.Now().UTC()

		err := c.store.UpdateIf(ctx, tr, expect)
		if err == nil {
			break
		}
		if !errors.Is(err, trade.ErrConflict) {
			return nil, err
		}
		fresh, gerr := c.store.Get(ctx, tr.ID)
		if gerr != nil {
			return nil, gerr
		}
		if attempt >= casRetries || fresh.IsTerminal() || fresh.Status == trade.StatusDisputed ||
			fresh.Escrow.Status != trade.EscrowFunded {
			return nil, ErrPrecondition
		}
		// An inspection or shipment write slipped in between; the dispute
		// still stands, so re-drive it on the fresh record.
		tr = fresh
		expect = trade.ExpectAll(fresh)
	}

	c.notifier.TradeDisputed(tr.ID, tr.BuyerID, tr.SellerID, callerID, reason)
	logging.L(ctx).Info("dispute opened", "trade_id", tr.ID, "by", callerID, "reason", reason)
	return tr, nil
}

// ResolveDispute ends a dispute by releasing the remainder to the seller or
// refunding the buyer. Operator (admin/finance) only; enforced at the route.
func (c *Coordinator) ResolveDispute(ctx context.Context, tradeID, resolution string) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.TradeID(tradeID))
	defer span.End()

	tr, err := c.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Status != trade.StatusDisputed {
		return nil, fmt.Errorf("%w: trade is not disputed", ErrPrecondition)
	}

	// The dispute stays in force until the money leg succeeds: the shared
	// paths accept disputed trades and record the resolution in the same
	// compare-and-set as the payout or refund. A transient gateway failure
	// leaves the trade disputed and the operation retryable.
	switch resolution {
	case "release":
		resolved, err := c.release(ctx, tr.ID, money.FullReleaseBps)
		if err != nil {
			return nil, err
		}
		c.notifier.TradeResolved(tr.ID, tr.BuyerID, tr.SellerID, "released_to_seller")
		return resolved, nil
	case "refund":
		resolved, err := c.refund(ctx, tr.ID, "refunded_to_buyer")
		if err != nil {
			return nil, err
		}
		c.notifier.TradeResolved(tr.ID, tr.BuyerID, tr.SellerID, "refunded_to_buyer")
		return resolved, nil
	default:
		return nil, fmt.Errorf("%w: resolution must be release or refund", ErrInvalidArgument)
	}
}

// casVerification commits a verification transition guarded by the snapshot
// the caller read, mapping a lost race to idempotent success when the stored
// record already shows the target state and no dispute intervened.
func (c *Coordinator) casVerification(ctx context.Context, tr *trade.Trade, expect trade.Expect, to trade.VerificationStatus) error {
	err := c.store.UpdateIf(ctx, tr, expect)
	if errors.Is(err, trade.ErrConflict) {
		fresh, gerr := c.store.Get(ctx, tr.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.Verification.Status == to && !fresh.Dispute.IsDisputed {
			*tr = *fresh
			return nil
		}
		return ErrPrecondition
	}
	return err
}
