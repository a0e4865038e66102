// Package trade defines the Secure Trade record and its persistence contract.
//
// A trade is created when a buyer initiates a protected purchase and is never
// deleted; terminal states are retained for audit. Three sub-machines advance
// independently but are cross-gated by the escrow coordinator:
//
//	escrow:       pending → funded → {released | refunded}
//	verification: waiting_delivery → in_inspection → {approved | rejected}
//	shipping:     pending → in_transit → delivered
//
// All writes after creation go through Store.UpdateIf, a conditional update
// keyed on the current sub-state values. Client calls and payment-processor
// webhooks mutate the same record concurrently; the compare-and-set guard is
// the general mechanism that keeps both telegraphs safe.
package trade

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTradeNotFound = errors.New("trade: not found")
	ErrTradeExists   = errors.New("trade: already exists")
	// ErrConflict means a conditional update lost a race: the stored record
	// no longer matches the expected sub-state values.
	ErrConflict = errors.New("trade: conditional update conflict")
)

// Status is the overall trade lifecycle, stored for quick filtering but
// always derivable from the sub-machines.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// EscrowStatus tracks the held funds.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// VerificationStatus tracks physical inspection of the goods.
type VerificationStatus string

const (
	VerificationWaitingDelivery VerificationStatus = "waiting_delivery"
	VerificationInInspection    VerificationStatus = "in_inspection"
	VerificationApproved        VerificationStatus = "approved"
	VerificationRejected        VerificationStatus = "rejected"
)

// ShippingStatus tracks outbound carriage to the buyer.
type ShippingStatus string

const (
	ShippingPending   ShippingStatus = "pending"
	ShippingInTransit ShippingStatus = "in_transit"
	ShippingDelivered ShippingStatus = "delivered"
)

// Product describes the goods under trade. Immutable after creation.
type Product struct {
	Name               string   `json:"name"`
	Quantity           int      `json:"quantity"`
	DeclaredValueCents int64    `json:"declaredValueCents"`
	Description        string   `json:"description,omitempty"`
	PhotoRefs          []string `json:"photoRefs,omitempty"`
}

// Escrow is the held-funds sub-record. Amount and currency are fixed for the
// life of the trade; ReleasedBps only ever increases.
type Escrow struct {
	AmountCents   int64        `json:"amountCents"`
	Currency      string       `json:"currency"`
	Status        EscrowStatus `json:"status"`
	ReleasedBps   int          `json:"releasedBps"`
	HoldID        string       `json:"holdId,omitempty"`
	FundingHandle string       `json:"fundingHandle,omitempty"`
	FundedAt      *time.Time   `json:"fundedAt,omitempty"`
	ReleasedAt    *time.Time   `json:"releasedAt,omitempty"`
}

// Verification is the inspection sub-record.
type Verification struct {
	Status      VerificationStatus `json:"status"`
	InspectorID string             `json:"inspectorId,omitempty"`
	ReportRef   string             `json:"reportRef,omitempty"`
	PhotoRefs   []string           `json:"photoRefs,omitempty"`
}

// Shipping is the carriage sub-record.
type Shipping struct {
	Status         ShippingStatus `json:"status"`
	TrackingNumber string         `json:"trackingNumber,omitempty"`
	Carrier        string         `json:"carrier,omitempty"`
}

// Timeline records milestone timestamps, each set at most once.
type Timeline struct {
	BuyerPaid       *time.Time `json:"buyerPaid,omitempty"`
	SellerDelivered *time.Time `json:"sellerDelivered,omitempty"`
	Verified        *time.Time `json:"verified,omitempty"`
	Shipped         *time.Time `json:"shipped,omitempty"`
	SellerPaid      *time.Time `json:"sellerPaid,omitempty"`
}

// Dispute records a buyer/seller dispute and its resolution.
type Dispute struct {
	IsDisputed bool   `json:"isDisputed"`
	Reason     string `json:"reason,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Trade is the full record. Owned exclusively by the escrow coordinator.
type Trade struct {
	ID           string       `json:"id"`
	BuyerID      string       `json:"buyerId"`
	SellerID     string       `json:"sellerId"`
	Product      Product      `json:"product"`
	Escrow       Escrow       `json:"escrow"`
	Verification Verification `json:"verification"`
	Shipping     Shipping     `json:"shipping"`
	Timeline     Timeline     `json:"timeline"`
	Status       Status       `json:"status"`
	Dispute      Dispute      `json:"dispute"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// IsTerminal returns true if the trade is in a final state.
func (t *Trade) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Clone returns a deep copy. Stores return clones so callers cannot mutate
// shared state through slice backing arrays.
func (t *Trade) Clone() *Trade {
	cp := *t
	if t.Product.PhotoRefs != nil {
		cp.Product.PhotoRefs = append([]string(nil), t.Product.PhotoRefs...)
	}
	if t.Verification.PhotoRefs != nil {
		cp.Verification.PhotoRefs = append([]string(nil), t.Verification.PhotoRefs...)
	}
	return &cp
}

// Sub-machine transition tables. Terminal states have no successors.

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending: {EscrowFunded},
	EscrowFunded:  {EscrowReleased, EscrowRefunded},
}

var verificationTransitions = map[VerificationStatus][]VerificationStatus{
	VerificationWaitingDelivery: {VerificationInInspection},
	VerificationInInspection:    {VerificationApproved, VerificationRejected},
}

var shippingTransitions = map[ShippingStatus][]ShippingStatus{
	ShippingPending:   {ShippingInTransit},
	ShippingInTransit: {ShippingDelivered},
}

// EscrowCanTransition reports whether from → to is a legal escrow move.
func EscrowCanTransition(from, to EscrowStatus) bool {
	for _, next := range escrowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VerificationCanTransition reports whether from → to is a legal verification move.
func VerificationCanTransition(from, to VerificationStatus) bool {
	for _, next := range verificationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ShippingCanTransition reports whether from → to is a legal shipping move.
func ShippingCanTransition(from, to ShippingStatus) bool {
	for _, next := range shippingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Expect names the state values a conditional update is keyed on.
// Nil fields are unchecked. An empty Expect degrades to a blind write and
// should never be used for state transitions.
//
// UpdateIf writes the whole record, so a guard narrower than the fields the
// writer read can silently revert a concurrent writer on another sub-machine.
// Transitions should guard on the full snapshot they read (ExpectAll) unless
// they deliberately tolerate a specific interleaving.
type Expect struct {
	Status             *Status
	EscrowStatus       *EscrowStatus
	VerificationStatus *VerificationStatus
	ShippingStatus     *ShippingStatus
	ReleasedBps        *int
	IsDisputed         *bool
}

// ExpectAll snapshots every guarded field of t. Take the snapshot before
// mutating the record so the conditional write lands only on the exact state
// that was read.
func ExpectAll(t *Trade) Expect {
	status := t.Status
	escrow := t.Escrow.Status
	verification := t.Verification.Status
	shipping := t.Shipping.Status
	bps := t.Escrow.ReleasedBps
	disputed := t.Dispute.IsDisputed
	return Expect{
		Status:             &status,
		EscrowStatus:       &escrow,
		VerificationStatus: &verification,
		ShippingStatus:     &shipping,
		ReleasedBps:        &bps,
		IsDisputed:         &disputed,
	}
}

// ExpectEscrow is a convenience constructor for escrow-guarded updates.
func ExpectEscrow(s EscrowStatus) Expect {
	return Expect{EscrowStatus: &s}
}

// ExpectVerification is a convenience constructor for verification-guarded updates.
func ExpectVerification(s VerificationStatus) Expect {
	return Expect{VerificationStatus: &s}
}

// Matches reports whether the trade currently satisfies the expectation.
func (e Expect) Matches(t *Trade) bool {
	if e.Status != nil && t.Status != *e.Status {
		return false
	}
	if e.EscrowStatus != nil && t.Escrow.Status != *e.EscrowStatus {
		return false
	}
	if e.VerificationStatus != nil && t.Verification.Status != *e.VerificationStatus {
		return false
	}
	if e.ShippingStatus != nil && t.Shipping.Status != *e.ShippingStatus {
		return false
	}
	if e.IsDisputed != nil && t.Dispute.IsDisputed != *e.IsDisputed {
		return false
	}
	if e.ReleasedBps != nil && t.Escrow.ReleasedBps != *e.ReleasedBps {
		return false
	}
	return true
}

// Store persists trade records.
//
// UpdateIf applies the already-mutated trade only if the stored record still
// satisfies expect; otherwise it returns ErrConflict and leaves the record
// untouched. This is the compare-and-set every coordinator transition rides on.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	UpdateIf(ctx context.Context, t *Trade, expect Expect) error
	ListByParty(ctx context.Context, partyID string, limit int, opts ...ListOption) ([]*Trade, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error)
	// ListStaleDrafts returns drafts created before the cutoff whose hold was
	// opened but never funded; input to reconciliation.
	ListStaleDrafts(ctx context.Context, before time.Time, limit int) ([]*Trade, error)
}
