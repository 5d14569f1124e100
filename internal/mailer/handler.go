package mailer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"github.com/shopspring/decimal"
)

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Catalog interface {
	Lookup(ctx context.Context, item domain.ItemRef) (domain.CatalogItem, error)
}

// Handler emails the seller when one of their items is paid for.
type Handler struct {
	catalog Catalog
	sender  Sender
	logger  observability.Logger
}

func NewHandler(catalog Catalog, sender Sender, logger observability.Logger) *Handler {
	return &Handler{catalog: catalog, sender: sender, logger: logger}
}

// Handle processes one encoded domain.Notification. Kinds other than
// purchase.paid and items without a seller address are acknowledged silently.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	var n domain.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		h.logger.WithError(err).Warn("dropping undecodable notification")
		return nil
	}
	if n.Kind != domain.NotifyPurchasePaid {
		return nil
	}
	item, err := h.catalog.Lookup(ctx, n.Item)
	if errors.Is(err, domain.ErrNotFound) {
		h.logger.WithField("item", n.Item.String()).Warn("paid item missing from catalog")
		return nil
	}
	if err != nil {
		return err
	}
	if item.SellerEmail == "" {
		return nil
	}
	return h.sender.Send(ctx, Render(n, item))
}

func Render(n domain.Notification, item domain.CatalogItem) Message {
	title := item.Title
	if title == "" {
		title = n.Item.String()
	}
	amount := decimal.New(n.Amount, -2).StringFixed(2)
	body := fmt.Sprintf("Good news: %s was purchased on eSpazza.\n\nAmount: %s %s\nPaid with: %s\nReference: %s\n",
		title, n.Currency, amount, n.Method, n.PurchaseID)
	return Message{
		To:      item.SellerEmail,
		Subject: "New sale: " + title,
		Body:    body,
	}
}
