package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/freightmesh/securetrade/internal/gateway"
	"github.com/freightmesh/securetrade/internal/trade"
)

// Reconciler periodically sweeps drafts whose funding hold was opened but
// never funded. Holds still open at the processor past the cutoff are
// voided; holds the processor reports funded while the local record says
// pending are logged loudly for manual resolution (the webhook never
// arrived or never committed).
type Reconciler struct {
	store      trade.Store
	gw         gateway.Gateway
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewReconciler creates a stale-draft reconciler.
func NewReconciler(store trade.Store, gw gateway.Gateway, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		gw:         gw,
		interval:   time.Minute,
		staleAfter: time.Hour,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithStaleAfter overrides how old a draft must be before it is swept.
func (r *Reconciler) WithStaleAfter(d time.Duration) *Reconciler {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

// Running reports whether the sweep loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in reconciler sweep", "panic", fmt.Sprint(rec))
		}
	}()
	r.Sweep(ctx)
}

// Sweep runs a single reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.staleAfter)
	drafts, err := r.store.ListStaleDrafts(ctx, cutoff, 100)
	if err != nil {
		r.logger.Warn("failed to list stale drafts", "error", err)
		return
	}
	staleDrafts.Set(float64(len(drafts)))

	for _, tr := range drafts {
		hold, err := r.gw.GetHold(ctx, tr.Escrow.HoldID)
		if err != nil {
			r.logger.Warn("stale draft: hold lookup failed",
				"trade_id", tr.ID, "hold_id", tr.Escrow.HoldID, "error", err)
			continue
		}

		switch hold.Status {
		case gateway.HoldOpen:
			// Never funded; void the authorization so the buyer's card
			// is not held indefinitely.
			if err := r.gw.CancelHold(ctx, hold.ID); err != nil {
				r.logger.Warn("stale draft: hold cancel failed",
					"trade_id", tr.ID, "hold_id", hold.ID, "error", err)
				continue
			}
			r.logger.Info("stale draft: unfunded hold voided",
				"trade_id", tr.ID, "hold_id", hold.ID, "age", time.Since(tr.CreatedAt))
		case gateway.HoldFunded, gateway.HoldReleased:
			// Paid but never recorded. Money is safe at the processor;
			// remediation is a manual decision.
			r.logger.Error("stale draft: processor reports funded but trade is pending",
				"trade_id", tr.ID, "hold_id", hold.ID, "amount_cents", hold.AmountCents)
		default:
			r.logger.Info("stale draft: hold already closed",
				"trade_id", tr.ID, "hold_id", hold.ID, "hold_status", hold.Status)
		}
	}
}
