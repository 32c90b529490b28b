package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/metrics"
)

// Emitter fans escrow lifecycle events out to both parties' endpoints.
// It satisfies the escrow service's notifier hook and never surfaces
// delivery errors to the operation that produced the event.
type Emitter struct {
	escrows    escrow.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewEmitter(escrows escrow.Store, dispatcher *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{escrows: escrows, dispatcher: dispatcher, logger: logger}
}

// Emit looks up the escrow's parties and dispatches asynchronously.
func (em *Emitter) Emit(escrowID, kind string, payload map[string]interface{}) {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Kind:      kind,
		EscrowID:  escrowID,
		Timestamp: time.Now(),
		Data:      payload,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		e, err := em.escrows.Get(ctx, escrowID)
		if err != nil {
			metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
			em.logger.Warn("notify: escrow lookup failed",
				"escrow_id", escrowID, "kind", kind, "error", err)
			return
		}
		for _, party := range []string{e.Payer, e.Recipient} {
			if err := em.dispatcher.DispatchToParty(ctx, party, event); err != nil {
				metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
				em.logger.Warn("notify: dispatch failed",
					"escrow_id", escrowID, "party", party, "kind", kind, "error", err)
				continue
			}
			metrics.NotifyDeliveriesTotal.WithLabelValues("dispatched").Inc()
		}
	}()
}
