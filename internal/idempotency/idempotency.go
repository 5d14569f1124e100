// Package idempotency replays the stored response for a repeated
// Idempotency-Key instead of running the request again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/espazza-checkout/internal/adapters/redis"
)

// ErrInFlight means a request with the same key has not finished yet.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unclaim(ctx context.Context, key string) error
}

type Idempotency struct {
	store       Store
	ttl         time.Duration
	inflightTTL time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, inflightTTL: 30 * time.Second}
}

type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Key scopes a client key to the caller and route so two users cannot collide.
func Key(scope, route, clientKey string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + route + "\x00" + clientKey))
	return hex.EncodeToString(sum[:])
}

// Begin returns the stored response when key already completed. Otherwise it
// claims key; the caller must follow with Save or Abort.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	stored, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency lookup")
	}
	if stored != nil {
		return &Response{Status: stored.Status, ContentType: stored.ContentType, Body: stored.Body}, nil
	}
	ok, err := i.store.Claim(ctx, key, i.inflightTTL)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency claim")
	}
	if !ok {
		return nil, ErrInFlight
	}
	return nil, nil
}

func (i *Idempotency) Save(ctx context.Context, key string, resp Response) error {
	err := i.store.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Body:        resp.Body,
	}, i.ttl)
	if uerr := i.store.Unclaim(ctx, key); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Abort releases the claim without storing anything, so the client may retry.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.store.Unclaim(ctx, key)
}
