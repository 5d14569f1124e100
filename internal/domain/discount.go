package domain

// Discount returns the amount taken off price, in minor units.
// Percentage discounts are floor(price*value/100); fixed discounts are capped at price.
func Discount(t DiscountType, value, price int64) int64 {
	if price <= 0 || value <= 0 {
		return 0
	}
	switch t {
	case DiscountPercentage:
		if value >= 100 {
			return price
		}
		return price * value / 100
	case DiscountFixed:
		if value > price {
			return price
		}
		return value
	}
	return 0
}

// DiscountedTotal is what the buyer pays after the coupon. Never negative.
func DiscountedTotal(t DiscountType, value, price int64) int64 {
	if price <= 0 {
		return 0
	}
	return price - Discount(t, value, price)
}
