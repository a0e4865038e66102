package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/transfer"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/freightmesh/securetrade/internal/circuitbreaker"
	"github.com/freightmesh/securetrade/internal/retry"
)

const (
	stripeMaxAttempts = 3
	stripeBaseDelay   = 250 * time.Millisecond

	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// StripeGateway implements Gateway on Stripe PaymentIntents with manual
// capture: the authorization is the hold, capture moves the funds into the
// platform balance, and transfers pay the seller's connected account.
//
// A circuit breaker sits in front of the API. When the processor is down,
// callers fail fast with a transient error instead of burning retries.
type StripeGateway struct {
	webhookSecret string
	breaker       *circuitbreaker.Breaker
}

// NewStripeGateway configures the Stripe SDK and returns the adapter.
func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{
		webhookSecret: webhookSecret,
		breaker:       circuitbreaker.New("stripe", breakerThreshold, breakerOpenFor),
	}
}

// call runs a processor operation behind the circuit breaker and retry loop.
// Only transient failures count against the circuit: a definitive rejection
// means the processor is up.
func (g *StripeGateway) call(ctx context.Context, fn func() error) error {
	if !g.breaker.Allow() {
		return &TransientError{Err: errors.New("payment processor circuit open")}
	}
	err := retry.Do(ctx, stripeMaxAttempts, stripeBaseDelay, fn)
	if err != nil && transientStripe(err) {
		g.breaker.RecordFailure()
	} else {
		g.breaker.RecordSuccess()
	}
	return err
}

func (g *StripeGateway) OpenHold(ctx context.Context, tradeID string, amountCents int64, currency string) (*Hold, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
	}
	params.Context = ctx
	params.AddMetadata("trade_id", tradeID)
	params.SetIdempotencyKey("open:" + tradeID)

	var pi *stripe.PaymentIntent
	err := g.call(ctx, func() error {
		var err error
		pi, err = paymentintent.New(params)
		return retryClass(err)
	})
	if err != nil {
		return nil, classify(err)
	}
	return holdFromIntent(pi), nil
}

func (g *StripeGateway) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	var pi *stripe.PaymentIntent
	err := g.call(ctx, func() error {
		var err error
		pi, err = paymentintent.Get(holdID, params)
		return retryClass(err)
	})
	if err != nil {
		if isStripeNotFound(err) {
			return nil, ErrHoldNotFound
		}
		return nil, classify(err)
	}
	return holdFromIntent(pi), nil
}

func (g *StripeGateway) CaptureHold(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture:" + holdID)

	err := g.call(ctx, func() error {
		_, err := paymentintent.Capture(holdID, params)
		return retryClass(err)
	})
	if err != nil {
		// Stripe rejects a second capture; the funds are already ours.
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (g *StripeGateway) TransferToSeller(ctx context.Context, req TransferRequest) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.SellerAccount),
		TransferGroup: stripe.String(req.HoldID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	var tr *stripe.Transfer
	err := g.call(ctx, func() error {
		var err error
		tr, err = transfer.New(params)
		return retryClass(err)
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Transfer{ID: tr.ID, AmountCents: tr.Amount}, nil
}

func (g *StripeGateway) RefundBuyer(ctx context.Context, holdID string, amountCents int64) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(holdID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("refund:%s:%d", holdID, amountCents))

	var rf *stripe.Refund
	err := g.call(ctx, func() error {
		var err error
		rf, err = refund.New(params)
		return retryClass(err)
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Refund{ID: rf.ID, AmountCents: rf.Amount}, nil
}

func (g *StripeGateway) CancelHold(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	err := g.call(ctx, func() error {
		_, err := paymentintent.Cancel(holdID, params)
		return retryClass(err)
	})
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			// Already canceled or already funded; reconciliation re-reads.
			return nil
		}
		return classify(err)
	}
	return nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, sigHeader string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return nil, ErrBadSignature
	}

	switch event.Type {
	case "payment_intent.amount_capturable_updated", "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("gateway: decode payment intent: %w", err)
		}
		return &Event{
			ID:          event.ID,
			Type:        EventHoldFunded,
			HoldID:      pi.ID,
			TradeID:     pi.Metadata["trade_id"],
			AmountCents: pi.Amount,
		}, nil
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("gateway: decode charge: %w", err)
		}
		ev := &Event{
			ID:          event.ID,
			Type:        EventHoldRefunded,
			AmountCents: ch.AmountRefunded,
		}
		if ch.PaymentIntent != nil {
			ev.HoldID = ch.PaymentIntent.ID
		}
		return ev, nil
	default:
		return &Event{ID: event.ID, Type: EventIgnored}, nil
	}
}

func holdFromIntent(pi *stripe.PaymentIntent) *Hold {
	h := &Hold{
		ID:            pi.ID,
		TradeID:       pi.Metadata["trade_id"],
		AmountCents:   pi.Amount,
		Currency:      string(pi.Currency),
		FundingHandle: pi.ClientSecret,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		h.Status = HoldFunded
	case stripe.PaymentIntentStatusSucceeded:
		h.Status = HoldFunded
	case stripe.PaymentIntentStatusCanceled:
		h.Status = HoldCanceled
	default:
		h.Status = HoldOpen
	}
	return h
}

// retryClass marks non-retryable Stripe failures as permanent so retry.Do
// stops immediately. Transient failures (network, 429, 5xx) pass through.
func retryClass(err error) error {
	if err == nil {
		return nil
	}
	if transientStripe(err) {
		return err
	}
	return retry.Permanent(err)
}

// classify wraps a final Stripe error for the coordinator's taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if transientStripe(err) {
		return &TransientError{Err: err}
	}
	return &PermanentError{Err: err}
}

func transientStripe(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return true
		}
		// Bad or revoked API keys never heal on retry, whatever the type.
		if se.HTTPStatusCode == http.StatusUnauthorized {
			return false
		}
		switch se.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
			return false
		}
		return se.Type == stripe.ErrorTypeAPI
	}
	// Non-Stripe errors are connection-level failures.
	return true
}

func isStripeNotFound(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound
}

// Compile-time assertion that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)
