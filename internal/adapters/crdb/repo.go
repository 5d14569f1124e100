package crdb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/robertarktes/espazza-checkout/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
	CheckViolationCode       = "23514"
)

type Repository struct {
	pool       *pgxpool.Pool
	maxRetries uint64
}

var _ ledger.Store = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, maxRetries: 5}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return mapTxErr(err)
	}
	return mapTxErr(tx.Commit(ctx))
}

// RetryTx reruns WithTx while CockroachDB reports a serialization failure.
func (r *Repository) RetryTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := r.WithTx(ctx, fn)
		if err == nil || errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func mapTxErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return domain.ErrSerializationFailure
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}

type rowScanner interface {
	Scan(dest ...any) error
}

const purchaseColumns = `id, buyer_id, item_kind, item_id, quantity, amount, currency, method, status,
	external_transaction_id, provider, provider_session_id, coupon_id, reservation_id, created_at, settled_at`

func scanPurchase(row rowScanner) (domain.Purchase, error) {
	var p domain.Purchase
	var kind, method, status string
	err := row.Scan(&p.ID, &p.BuyerID, &kind, &p.Item.ID, &p.Quantity, &p.Amount, &p.Currency, &method, &status,
		&p.ExternalTransactionID, &p.Provider, &p.ProviderSessionID, &p.CouponID, &p.ReservationID, &p.CreatedAt, &p.SettledAt)
	p.Item.Kind = domain.ItemKind(kind)
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PurchaseStatus(status)
	return p, err
}

func (r *Repository) InsertPurchase(ctx context.Context, p domain.Purchase) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, p.ID, p.BuyerID, string(p.Item.Kind), p.Item.ID, p.Quantity, p.Amount, p.Currency, string(p.Method), string(p.Status),
		p.ExternalTransactionID, p.Provider, p.ProviderSessionID, p.CouponID, p.ReservationID, p.CreatedAt, p.SettledAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrDuplicate, "purchase %s", p.ID)
	}
	return err
}

func (r *Repository) GetPurchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error) {
	p, err := scanPurchase(r.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	return p, err
}

func (r *Repository) GetPurchaseByTransaction(ctx context.Context, externalTransactionID string) (domain.Purchase, error) {
	p, err := scanPurchase(r.pool.QueryRow(ctx, `
		SELECT `+purchaseColumns+` FROM purchases WHERE external_transaction_id = $1
	`, externalTransactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Purchase{}, domain.ErrUnknownTransaction
	}
	return p, err
}

func (r *Repository) AttachSession(ctx context.Context, id uuid.UUID, provider, sessionID string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE purchases SET provider = $2, provider_session_id = $3 WHERE id = $1
	`, id, provider, sessionID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPurchaseNotFound
	}
	return nil
}

func (r *Repository) TransitionPurchase(ctx context.Context, id uuid.UUID, status domain.PurchaseStatus, at time.Time) (domain.Purchase, bool, error) {
	p, err := scanPurchase(r.pool.QueryRow(ctx, `
		UPDATE purchases SET status = $2, settled_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+purchaseColumns, id, string(status), at.UTC()))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Purchase{}, false, err
	}
	current, err := r.GetPurchase(ctx, id)
	if err != nil {
		return domain.Purchase{}, false, err
	}
	return current, false, nil
}

func (r *Repository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Purchase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purchases []domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}
