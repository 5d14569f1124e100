package domain_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscountedTotal(t *testing.T) {
	cases := []struct {
		name  string
		typ   domain.DiscountType
		value int64
		price int64
		want  int64
	}{
		{"twenty percent", domain.DiscountPercentage, 20, 10000, 8000},
		{"percentage floors the discount", domain.DiscountPercentage, 15, 999, 850},
		{"full percentage", domain.DiscountPercentage, 100, 4500, 0},
		{"over a hundred percent", domain.DiscountPercentage, 150, 4500, 0},
		{"fixed larger than price", domain.DiscountFixed, 5000, 3000, 0},
		{"fixed smaller than price", domain.DiscountFixed, 500, 3000, 2500},
		{"zero price", domain.DiscountFixed, 500, 0, 0},
		{"unknown type", domain.DiscountType("bogo"), 500, 3000, 3000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := domain.DiscountedTotal(tc.typ, tc.value, tc.price)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, int64(0))
			assert.Equal(t, tc.price-got, domain.Discount(tc.typ, tc.value, tc.price))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.NoError(t, domain.CanTransition(domain.PurchasePending, domain.PurchasePaid))
	assert.NoError(t, domain.CanTransition(domain.PurchasePending, domain.PurchaseCancelled))
	assert.Error(t, domain.CanTransition(domain.PurchasePending, domain.PurchasePending))
	for _, from := range []domain.PurchaseStatus{domain.PurchasePaid, domain.PurchaseFailed, domain.PurchaseCancelled} {
		assert.Error(t, domain.CanTransition(from, domain.PurchasePaid), from)
	}
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, domain.ReasonLimitReached, domain.ReasonOf(domain.ErrLimitReached))
	assert.Equal(t, domain.ReasonAlreadyUsed, domain.ReasonOf(domain.ReasonAlreadyUsed.Err()))
	assert.Equal(t, domain.ReasonNone, domain.ReasonOf(domain.ErrCapacityExceeded))
	assert.True(t, errors.Is(domain.ErrLimitReached, domain.ErrConflict))
	assert.True(t, errors.Is(domain.ErrUnknownTransaction, domain.ErrNotFound))
	assert.False(t, errors.Is(domain.ErrLimitReached, domain.ErrAlreadyUsed))
}

func TestParseItemRef(t *testing.T) {
	ref, err := domain.ParseItemRef("release#42")
	assert.NoError(t, err)
	assert.Equal(t, domain.ItemRef{Kind: domain.ItemRelease, ID: "42"}, ref)
	assert.Equal(t, "release#42", ref.String())

	_, err = domain.ParseItemRef("vinyl#1")
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = domain.ParseItemRef("release")
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestNormalizeCurrency(t *testing.T) {
	c, err := domain.NormalizeCurrency(" zar ")
	assert.NoError(t, err)
	assert.Equal(t, "ZAR", c)
	_, err = domain.NormalizeCurrency("RAND")
	assert.Error(t, err)
}

func TestLineTotal(t *testing.T) {
	total, err := domain.LineTotal(500, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), total)

	for _, tc := range []struct {
		price int64
		qty   int
	}{
		{500, 0},
		{500, domain.MaxQuantity + 1},
		{500, 1<<62 + 1},
		{math.MaxInt64/2 + 1, 2},
		{-1, 1},
	} {
		_, err := domain.LineTotal(tc.price, tc.qty)
		assert.True(t, errors.Is(err, domain.ErrInvalidAmount), "%d x %d", tc.qty, tc.price)
	}
}
