// Package notify delivers settlement notifications. Every dispatcher is best
// effort; the caller logs failures and moves on.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"golang.org/x/sync/errgroup"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

// Outbox stores notifications for the outbox relay to publish.
type Outbox struct {
	store ledger.Outbox
}

func NewOutbox(store ledger.Outbox) *Outbox {
	return &Outbox{store: store}
}

func (o *Outbox) Dispatch(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	err = o.store.InsertOutbox(ctx, ledger.OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "purchase",
		AggregateID:   n.PurchaseID,
		EventType:     string(n.Kind),
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		Status:        ledger.OutboxNew,
		DedupeKey:     n.PurchaseID.String() + ":" + string(n.Kind),
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return nil
	}
	return err
}

// AuditWriter appends an entry to the audit trail.
type AuditWriter interface {
	LogEvent(ctx context.Context, action string, userID uuid.UUID, data map[string]interface{}) error
}

type Audit struct {
	writer AuditWriter
}

func NewAudit(writer AuditWriter) *Audit {
	return &Audit{writer: writer}
}

func (a *Audit) Dispatch(ctx context.Context, n domain.Notification) error {
	return a.writer.LogEvent(ctx, string(n.Kind), n.BuyerID, map[string]interface{}{
		"purchase_id": n.PurchaseID.String(),
		"item":        n.Item.String(),
		"amount":      n.Amount,
		"currency":    n.Currency,
		"method":      string(n.Method),
		"occurred_at": n.OccurredAt,
	})
}

// Fanout runs every dispatcher concurrently and joins their errors. One failing
// target does not stop the others.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, n domain.Notification) error {
	errs := make([]error, len(f))
	var g errgroup.Group
	for i, d := range f {
		i, d := i, d
		g.Go(func() error {
			errs[i] = d.Dispatch(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	var joined error
	for _, err := range errs {
		if err != nil {
			joined = errors.CombineErrors(joined, err)
		}
	}
	return joined
}
