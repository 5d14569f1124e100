package domain

import "github.com/google/uuid"

// CatalogItem is the sellable view of an item: what it costs and which
// capacity pool, if any, it draws from.
type CatalogItem struct {
	Item           ItemRef    `json:"item" bson:"item"`
	Title          string     `json:"title" bson:"title"`
	Price          int64      `json:"price" bson:"price"`
	Currency       string     `json:"currency" bson:"currency"`
	CapacityItemID *uuid.UUID `json:"capacity_item_id,omitempty" bson:"capacity_item_id,omitempty"`
	SellerEmail    string     `json:"seller_email,omitempty" bson:"seller_email,omitempty"`
}
