package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("catalog_items"),
		logger: logger,
	}
}

// ItemDoc is keyed by "kind#id" so a lookup is a single _id match.
type ItemDoc struct {
	ID             string    `bson:"_id"`
	Kind           string    `bson:"kind"`
	ItemID         string    `bson:"item_id"`
	Title          string    `bson:"title"`
	Price          int64     `bson:"price"`
	Currency       string    `bson:"currency"`
	CapacityItemID string    `bson:"capacity_item_id,omitempty"`
	SellerEmail    string    `bson:"seller_email,omitempty"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toDoc(item domain.CatalogItem) ItemDoc {
	doc := ItemDoc{
		ID:          item.Item.String(),
		Kind:        string(item.Item.Kind),
		ItemID:      item.Item.ID,
		Title:       item.Title,
		Price:       item.Price,
		Currency:    item.Currency,
		SellerEmail: item.SellerEmail,
		UpdatedAt:   time.Now().UTC(),
	}
	if item.CapacityItemID != nil {
		doc.CapacityItemID = item.CapacityItemID.String()
	}
	return doc
}

func (d ItemDoc) toDomain() (domain.CatalogItem, error) {
	item := domain.CatalogItem{
		Item:        domain.ItemRef{Kind: domain.ItemKind(d.Kind), ID: d.ItemID},
		Title:       d.Title,
		Price:       d.Price,
		Currency:    d.Currency,
		SellerEmail: d.SellerEmail,
	}
	if d.CapacityItemID != "" {
		id, err := uuid.Parse(d.CapacityItemID)
		if err != nil {
			return domain.CatalogItem{}, errors.Wrapf(err, "catalog item %s capacity id", d.ID)
		}
		item.CapacityItemID = &id
	}
	return item, nil
}

func (c *CatalogRepository) Lookup(ctx context.Context, ref domain.ItemRef) (domain.CatalogItem, error) {
	var doc ItemDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": ref.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.CatalogItem{}, errors.Wrapf(domain.ErrItemNotFound, "catalog %s", ref)
	}
	if err != nil {
		c.logger.WithError(err).WithField("item", ref.String()).Error("failed to get catalog item")
		return domain.CatalogItem{}, err
	}
	return doc.toDomain()
}

// Upsert creates or replaces the sellable view of an item.
func (c *CatalogRepository) Upsert(ctx context.Context, item domain.CatalogItem) error {
	doc := toDoc(item)
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithError(err).WithField("item", doc.ID).Error("failed to upsert catalog item")
		return err
	}
	return nil
}

// LinkCapacity points an item at the capacity pool it sells from.
func (c *CatalogRepository) LinkCapacity(ctx context.Context, ref domain.ItemRef, capacityItemID uuid.UUID) error {
	res, err := c.coll.UpdateOne(
		ctx,
		bson.M{"_id": ref.String()},
		bson.M{"$set": bson.M{"capacity_item_id": capacityItemID.String(), "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		c.logger.WithError(err).WithField("item", ref.String()).Error("failed to link capacity")
		return err
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(domain.ErrItemNotFound, "catalog %s", ref)
	}
	return nil
}
