// Package gateway abstracts the payment processor behind the escrow workflow.
//
// The coordinator never talks to a processor SDK directly; it opens holds,
// captures them, moves money to the seller, and refunds the buyer through
// this interface. Two implementations exist: Stripe for production and an
// in-process fake for demo mode and tests.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// HoldStatus is the processor-side state of a funding hold.
type HoldStatus string

const (
	HoldOpen     HoldStatus = "open"     // created, awaiting buyer payment
	HoldFunded   HoldStatus = "funded"   // buyer paid, funds held
	HoldReleased HoldStatus = "released" // captured and paid out
	HoldRefunded HoldStatus = "refunded" // returned to buyer
	HoldCanceled HoldStatus = "canceled" // expired or voided before funding
)

// Hold is a processor-side authorization for the full trade amount.
type Hold struct {
	ID            string
	TradeID       string
	AmountCents   int64
	Currency      string
	Status        HoldStatus
	FundingHandle string // client-facing handle the buyer completes payment with
}

// TransferRequest moves part of a captured hold to the seller.
// IdempotencyKey must be stable across retries of the same logical transfer.
type TransferRequest struct {
	HoldID         string
	SellerAccount  string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// Transfer is the processor's record of a completed payout leg.
type Transfer struct {
	ID          string
	AmountCents int64
}

// Refund is the processor's record of money returned to the buyer.
type Refund struct {
	ID          string
	AmountCents int64
}

// Event is a processor webhook normalized to workflow vocabulary.
type Event struct {
	ID          string
	Type        EventType
	HoldID      string
	TradeID     string
	AmountCents int64
}

// EventType enumerates the webhook events the workflow reacts to.
type EventType string

const (
	EventHoldFunded   EventType = "hold.funded"
	EventHoldRefunded EventType = "hold.refunded"
	// EventIgnored marks processor events outside the workflow's interest.
	// VerifyWebhook still authenticates them; the handler acks and drops them.
	EventIgnored EventType = "ignored"
)

// Gateway is the payment processor adapter.
//
// All money-moving calls take a context and return either a processor record
// or an error classified as transient or permanent (see IsTransient).
type Gateway interface {
	// OpenHold registers intent to collect the full trade amount. The buyer
	// completes payment out of band using the hold's FundingHandle; the
	// processor reports success via webhook.
	OpenHold(ctx context.Context, tradeID string, amountCents int64, currency string) (*Hold, error)

	// GetHold fetches the current processor-side state of a hold. Used by
	// reconciliation to resolve holds whose webhooks never arrived.
	GetHold(ctx context.Context, holdID string) (*Hold, error)

	// CaptureHold converts an authorized hold into held funds. Idempotent at
	// the processor: capturing an already-captured hold is not an error.
	CaptureHold(ctx context.Context, holdID string) error

	// TransferToSeller pays out part of the held amount. The processor
	// deduplicates on the request's idempotency key.
	TransferToSeller(ctx context.Context, req TransferRequest) (*Transfer, error)

	// RefundBuyer returns amountCents of the hold to the buyer.
	RefundBuyer(ctx context.Context, holdID string, amountCents int64) (*Refund, error)

	// CancelHold voids an unfunded hold. Used by stale-draft reconciliation.
	CancelHold(ctx context.Context, holdID string) error

	// VerifyWebhook authenticates a raw webhook delivery against its
	// signature header and normalizes it into an Event. An invalid signature
	// returns ErrBadSignature.
	VerifyWebhook(payload []byte, sigHeader string) (*Event, error)
}

var (
	ErrHoldNotFound = errors.New("gateway: hold not found")
	ErrBadSignature = errors.New("gateway: invalid webhook signature")
)

// TransientError wraps processor failures worth retrying: network errors,
// rate limits, processor 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("gateway: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps processor failures that will not succeed on retry:
// invalid requests, declined payments, auth failures.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("gateway: permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
