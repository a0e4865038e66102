package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/freightmesh/securetrade/internal/idgen"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securetrade",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securetrade",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Broadcaster pushes an event to live listeners (websocket clients).
type Broadcaster interface {
	BroadcastTradeEvent(tradeID string, eventType string, data map[string]interface{})
}

// Notifier fans trade lifecycle events out to party webhooks and, when a
// broadcaster is wired, to live websocket listeners. All methods are
// fire-and-forget: errors are logged but never returned, so a flaky endpoint
// cannot fail a trade transition.
type Notifier struct {
	d      *Dispatcher
	bc     Broadcaster
	logger *slog.Logger
}

// NewNotifier creates a notifier. bc may be nil.
func NewNotifier(d *Dispatcher, bc Broadcaster, logger *slog.Logger) *Notifier {
	return &Notifier{d: d, bc: bc, logger: logger}
}

func (n *Notifier) emit(tradeID string, eventType EventType, recipients []string, data map[string]interface{}) {
	if n == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()

	data["tradeId"] = tradeID
	if n.bc != nil {
		n.bc.BroadcastTradeEvent(tradeID, string(eventType), data)
	}
	if n.d == nil {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		TradeID:   tradeID,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, partyID := range recipients {
		if err := n.d.DispatchToParty(ctx, partyID, event); err != nil {
			notifyEmitErrors.WithLabelValues(string(eventType)).Inc()
			n.logger.Warn("notification emit failed",
				"event", eventType, "trade_id", tradeID, "party", partyID, "error", err)
		}
	}
}

// TradeCreated tells the seller a buyer opened a protected trade.
func (n *Notifier) TradeCreated(tradeID, buyerID, sellerID, amount string) {
	n.emit(tradeID, EventTradeCreated, []string{sellerID}, map[string]interface{}{
		"buyerId":  buyerID,
		"sellerId": sellerID,
		"amount":   amount,
	})
}

// TradeFunded tells both parties the buyer's funds are held in escrow.
func (n *Notifier) TradeFunded(tradeID, buyerID, sellerID, amount string) {
	n.emit(tradeID, EventTradeFunded, []string{buyerID, sellerID}, map[string]interface{}{
		"amount": amount,
	})
}

// TradeDelivered tells the buyer the goods reached the inspection warehouse.
func (n *Notifier) TradeDelivered(tradeID, buyerID string) {
	n.emit(tradeID, EventTradeDelivered, []string{buyerID}, map[string]interface{}{})
}

// TradeVerified tells both parties inspection approved the goods.
func (n *Notifier) TradeVerified(tradeID, buyerID, sellerID, inspectorID string) {
	n.emit(tradeID, EventTradeVerified, []string{buyerID, sellerID}, map[string]interface{}{
		"inspectorId": inspectorID,
	})
}

// TradeRejected tells both parties inspection rejected the goods and the
// buyer's funds are coming back.
func (n *Notifier) TradeRejected(tradeID, buyerID, sellerID, reason string) {
	n.emit(tradeID, EventTradeRejected, []string{buyerID, sellerID}, map[string]interface{}{
		"reason": reason,
	})
}

// TradeShipped tells the buyer the goods are on the way.
func (n *Notifier) TradeShipped(tradeID, buyerID, carrier, trackingNumber string) {
	n.emit(tradeID, EventTradeShipped, []string{buyerID}, map[string]interface{}{
		"carrier":        carrier,
		"trackingNumber": trackingNumber,
	})
}

// TradeReceived tells the seller the buyer has the goods.
func (n *Notifier) TradeReceived(tradeID, sellerID string) {
	n.emit(tradeID, EventTradeReceived, []string{sellerID}, map[string]interface{}{})
}

// PaymentReleased tells the seller part or all of the escrow paid out.
func (n *Notifier) PaymentReleased(tradeID, sellerID, amount string, targetBps int) {
	n.emit(tradeID, EventPaymentReleased, []string{sellerID}, map[string]interface{}{
		"amount":    amount,
		"targetBps": targetBps,
	})
}

// PaymentRefunded tells the buyer the escrow came back to them.
func (n *Notifier) PaymentRefunded(tradeID, buyerID, amount string) {
	n.emit(tradeID, EventPaymentRefunded, []string{buyerID}, map[string]interface{}{
		"amount": amount,
	})
}

// TradeDisputed tells the other party a dispute opened.
func (n *Notifier) TradeDisputed(tradeID, buyerID, sellerID, openedBy, reason string) {
	recipients := []string{buyerID, sellerID}
	n.emit(tradeID, EventTradeDisputed, recipients, map[string]interface{}{
		"openedBy": openedBy,
		"reason":   reason,
	})
}

// TradeResolved tells both parties how the dispute ended.
func (n *Notifier) TradeResolved(tradeID, buyerID, sellerID, resolution string) {
	n.emit(tradeID, EventTradeResolved, []string{buyerID, sellerID}, map[string]interface{}{
		"resolution": resolution,
	})
}

// TradeCancelled tells both parties the trade ended without an exchange.
func (n *Notifier) TradeCancelled(tradeID, buyerID, sellerID, reason string) {
	n.emit(tradeID, EventTradeCancelled, []string{buyerID, sellerID}, map[string]interface{}{
		"reason": reason,
	})
}
