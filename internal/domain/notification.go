package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotifyPurchasePaid      NotificationKind = "purchase.paid"
	NotifyPurchaseFailed    NotificationKind = "purchase.failed"
	NotifyPurchaseCancelled NotificationKind = "purchase.cancelled"
)

func NotificationKindFor(s PurchaseStatus) NotificationKind {
	switch s {
	case PurchasePaid:
		return NotifyPurchasePaid
	case PurchaseFailed:
		return NotifyPurchaseFailed
	default:
		return NotifyPurchaseCancelled
	}
}

// Notification is the payload handed to dispatchers after a settlement.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	PurchaseID uuid.UUID        `json:"purchase_id"`
	BuyerID    uuid.UUID        `json:"buyer_id"`
	Item       ItemRef          `json:"item"`
	Amount     int64            `json:"amount"`
	Currency   string           `json:"currency"`
	Method     PaymentMethod    `json:"method"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func NotificationFor(p Purchase, at time.Time) Notification {
	return Notification{
		Kind:       NotificationKindFor(p.Status),
		PurchaseID: p.ID,
		BuyerID:    p.BuyerID,
		Item:       p.Item,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Method:     p.Method,
		OccurredAt: at.UTC(),
	}
}
