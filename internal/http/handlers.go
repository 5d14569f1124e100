package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/auth"
	"github.com/robertarktes/espazza-checkout/internal/capacity"
	"github.com/robertarktes/espazza-checkout/internal/discount"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/lifecycle"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"github.com/robertarktes/espazza-checkout/internal/payment"
)

const (
	maxBodyBytes     = 64 << 10
	maxCallbackBytes = 1 << 20
)

// CatalogLinker attaches a capacity pool to a catalog item.
type CatalogLinker interface {
	LinkCapacity(ctx context.Context, ref domain.ItemRef, capacityItemID uuid.UUID) error
}

type CouponAuditor interface {
	LogCoupon(ctx context.Context, action string, actor uuid.UUID, c domain.Coupon) error
}

type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Manager   *lifecycle.Manager
	Coupons   *discount.Resolver
	Capacity  *capacity.Service
	Providers *payment.Registry
	Catalog   CatalogLinker
	Audit     CouponAuditor
	Checks    []ReadinessCheck
	Logger    observability.Logger
}

type Handlers struct {
	manager   *lifecycle.Manager
	coupons   *discount.Resolver
	capacity  *capacity.Service
	providers *payment.Registry
	catalog   CatalogLinker
	audit     CouponAuditor
	checks    []ReadinessCheck
	logger    observability.Logger
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		manager:   d.Manager,
		coupons:   d.Coupons,
		capacity:  d.Capacity,
		providers: d.Providers,
		catalog:   d.Catalog,
		audit:     d.Audit,
		checks:    d.Checks,
		logger:    d.Logger,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Invalidf("malformed request body")
	}
	return nil
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// itemFrom accepts either an itemRef ("kind#id") or a bare releaseId.
func itemFrom(itemRef, releaseID string) (domain.ItemRef, error) {
	if itemRef != "" {
		return domain.ParseItemRef(itemRef)
	}
	ref := domain.ItemRef{Kind: domain.ItemRelease, ID: releaseID}
	return ref, ref.Validate()
}

type validateRequest struct {
	CouponCode string `json:"couponCode"`
	ItemRef    string `json:"itemRef"`
	ReleaseID  string `json:"releaseId"`
}

type validateResponse struct {
	Valid        bool                `json:"valid"`
	Discount     int64               `json:"discount,omitempty"`
	DiscountType domain.DiscountType `json:"discountType,omitempty"`
	Message      string              `json:"message"`
	CouponID     *uuid.UUID          `json:"couponId,omitempty"`
}

// ValidateCoupon answers 200 for any well-formed request; a rejected coupon
// is reported in the body.
func (h *Handlers) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.CouponCode == "" {
		writeError(w, r, h.logger, domain.Invalidf("couponCode is required"))
		return
	}
	var item domain.ItemRef
	if req.ItemRef != "" || req.ReleaseID != "" {
		ref, err := itemFrom(req.ItemRef, req.ReleaseID)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		item = ref
	}

	v, err := h.coupons.Validate(r.Context(), req.CouponCode, principal(r).UserID, item)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := validateResponse{Valid: v.Valid, Message: couponMessage(v.Reason)}
	if v.Valid {
		resp.Discount = v.Coupon.DiscountAmount
		resp.DiscountType = v.Coupon.DiscountType
		resp.CouponID = &v.Coupon.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type redeemRequest struct {
	CouponID  uuid.UUID `json:"couponId"`
	ReleaseID string    `json:"releaseId"`
	ItemRef   string    `json:"itemRef"`
}

type redeemResponse struct {
	Success    bool       `json:"success"`
	Message    string     `json:"message"`
	PurchaseID *uuid.UUID `json:"purchaseId,omitempty"`
}

func (h *Handlers) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	item, err := itemFrom(req.ItemRef, req.ReleaseID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.manager.Redeem(r.Context(), lifecycle.RedeemRequest{
		BuyerID:  principal(r).UserID,
		CouponID: req.CouponID,
		Item:     item,
	})
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			writeError(w, r, h.logger, err)
			return
		}
		if reason := domain.ReasonOf(err); reason != domain.ReasonNone {
			msg = couponMessage(reason)
		}
		writeJSON(w, status, redeemResponse{Message: msg})
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{
		Success:    true,
		Message:    "Coupon redeemed",
		PurchaseID: &res.Purchase.ID,
	})
}

type checkoutRequest struct {
	ItemRef    string `json:"itemRef"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Quantity   int    `json:"quantity"`
	CouponCode string `json:"couponCode"`
	Provider   string `json:"provider"`
}

type checkoutResponse struct {
	PurchaseID  uuid.UUID             `json:"purchaseId"`
	Status      domain.PurchaseStatus `json:"status"`
	Amount      int64                 `json:"amount"`
	Currency    string                `json:"currency"`
	Discount    int64                 `json:"discount,omitempty"`
	RedirectURL string                `json:"redirectUrl,omitempty"`
}

func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	item, err := domain.ParseItemRef(req.ItemRef)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Amount < 0 || req.Quantity < 0 || req.Quantity > domain.MaxQuantity {
		writeError(w, r, h.logger, domain.ErrInvalidAmount)
		return
	}

	res, err := h.manager.Checkout(r.Context(), lifecycle.CheckoutRequest{
		BuyerID:    principal(r).UserID,
		Item:       item,
		Quantity:   req.Quantity,
		Amount:     req.Amount,
		Currency:   req.Currency,
		CouponCode: req.CouponCode,
		Provider:   req.Provider,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{
		PurchaseID:  res.Purchase.ID,
		Status:      res.Purchase.Status,
		Amount:      res.Purchase.Amount,
		Currency:    res.Purchase.Currency,
		Discount:    res.Discount,
		RedirectURL: res.RedirectURL,
	})
}

type purchaseView struct {
	ID        uuid.UUID             `json:"id"`
	Item      string                `json:"itemRef"`
	Quantity  int                   `json:"quantity"`
	Amount    int64                 `json:"amount"`
	Currency  string                `json:"currency"`
	Method    domain.PaymentMethod  `json:"method"`
	Status    domain.PurchaseStatus `json:"status"`
	Provider  string                `json:"provider,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
	SettledAt *time.Time            `json:"settledAt,omitempty"`
}

func viewOf(p domain.Purchase) purchaseView {
	return purchaseView{
		ID:        p.ID,
		Item:      p.Item.String(),
		Quantity:  p.Quantity,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Method:    p.Method,
		Status:    p.Status,
		Provider:  p.Provider,
		CreatedAt: p.CreatedAt,
		SettledAt: p.SettledAt,
	}
}

// ownPurchase loads the purchase named in the path. Other buyers' purchases
// are reported as missing.
func (h *Handlers) ownPurchase(w http.ResponseWriter, r *http.Request) (domain.Purchase, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, domain.Invalidf("invalid purchase id"))
		return domain.Purchase{}, false
	}
	p, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return domain.Purchase{}, false
	}
	caller := principal(r)
	if p.BuyerID != caller.UserID && !caller.IsService() {
		writeError(w, r, h.logger, domain.ErrPurchaseNotFound)
		return domain.Purchase{}, false
	}
	return p, true
}

func (h *Handlers) GetPurchase(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownPurchase(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (h *Handlers) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownPurchase(w, r)
	if !ok {
		return
	}
	res, err := h.manager.Cancel(r.Context(), p.ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(res.Purchase))
}

type callbackResponse struct {
	Received  bool                  `json:"received"`
	Status    domain.PurchaseStatus `json:"status,omitempty"`
	Duplicate bool                  `json:"duplicate,omitempty"`
}

// PaymentCallback verifies a provider notification before anything touches
// the ledger. Settled and duplicate events are acknowledged with 200 so the
// provider stops retrying; only transient failures answer 5xx.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	log := loggerFrom(r.Context(), h.logger)
	provider, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, r, h.logger, domain.ErrNotFound)
		return
	}
	log = log.WithField("provider", provider.Name())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		writeError(w, r, h.logger, domain.Invalidf("unreadable callback body"))
		return
	}

	cb, err := provider.VerifyCallback(r.Context(), payload, r.Header)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			log.WithError(err).Warn("rejected unverifiable callback")
		}
		writeError(w, r, h.logger, err)
		return
	}
	log = log.WithFields(map[string]interface{}{
		"event_id":       cb.EventID,
		"transaction_id": cb.ExternalTransactionID,
		"callback":       cb.Status,
	})
	if cb.Status == payment.StatusIgnored {
		log.Debug("callback carries no settlement")
		writeJSON(w, http.StatusOK, callbackResponse{Received: true})
		return
	}

	res, err := h.manager.SettleByCallback(r.Context(), cb.ExternalTransactionID, cb.Status)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	log.WithField("transitioned", res.Transitioned).Info("callback processed")
	writeJSON(w, http.StatusOK, callbackResponse{
		Received:  true,
		Status:    res.Purchase.Status,
		Duplicate: !res.Transitioned,
	})
}

// PaymentReturn completes a capture-on-return checkout and redirects the
// buyer to the result page. PayPal passes its order id as token.
func (h *Handlers) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.CompleteReturn(r.Context(), chi.URLParam(r, "provider"), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	http.Redirect(w, r, h.manager.ResultPage(res.Purchase), http.StatusSeeOther)
}

type couponRequest struct {
	Code           string              `json:"code"`
	DiscountType   domain.DiscountType `json:"discountType"`
	DiscountAmount int64               `json:"discountAmount"`
	ExpiryDate     *time.Time          `json:"expiryDate"`
	UsageLimit     *int                `json:"usageLimit"`
	OnePerUser     bool                `json:"onePerUser"`
}

type couponView struct {
	ID             uuid.UUID           `json:"id"`
	Code           string              `json:"code"`
	DiscountType   domain.DiscountType `json:"discountType"`
	DiscountAmount int64               `json:"discountAmount"`
	ExpiryDate     *time.Time          `json:"expiryDate,omitempty"`
	UsageLimit     *int                `json:"usageLimit,omitempty"`
	OnePerUser     bool                `json:"onePerUser"`
	UsageCount     int                 `json:"usageCount"`
	IsActive       bool                `json:"isActive"`
}

func (h *Handlers) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	c, err := h.coupons.Create(r.Context(), discount.CouponSpec{
		Code:           req.Code,
		DiscountType:   req.DiscountType,
		DiscountAmount: req.DiscountAmount,
		ExpiryDate:     req.ExpiryDate,
		UsageLimit:     req.UsageLimit,
		OnePerUser:     req.OnePerUser,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.auditCoupon(r, "coupon.created", c)
	writeJSON(w, http.StatusCreated, couponView{
		ID:             c.ID,
		Code:           c.Code,
		DiscountType:   c.DiscountType,
		DiscountAmount: c.DiscountAmount,
		ExpiryDate:     c.ExpiryDate,
		UsageLimit:     c.UsageLimit,
		OnePerUser:     c.OnePerUser,
		UsageCount:     c.UsageCount,
		IsActive:       c.IsActive,
	})
}

func (h *Handlers) RetireCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, domain.Invalidf("invalid coupon id"))
		return
	}
	deleted, err := h.coupons.Retire(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	action := "coupon.deactivated"
	if deleted {
		action = "coupon.deleted"
	}
	h.auditCoupon(r, action, domain.Coupon{ID: id, IsActive: false})
	writeJSON(w, http.StatusOK, map[string]interface{}{"couponId": id, "deleted": deleted})
}

func (h *Handlers) auditCoupon(r *http.Request, action string, c domain.Coupon) {
	if h.audit == nil {
		return
	}
	if err := h.audit.LogCoupon(r.Context(), action, principal(r).UserID, c); err != nil {
		loggerFrom(r.Context(), h.logger).WithError(err).Warn("coupon audit failed")
	}
}

type capacityRequest struct {
	ParentID string `json:"parentId"`
	Total    int    `json:"total"`
	ItemRef  string `json:"itemRef"`
}

type capacityView struct {
	ID                uuid.UUID `json:"id"`
	ParentID          string    `json:"parentId"`
	CapacityTotal     int       `json:"capacityTotal"`
	CapacityRemaining int       `json:"capacityRemaining"`
}

// CreateCapacity creates an inventory pool and, when itemRef is given, links
// the catalog item to it.
func (h *Handlers) CreateCapacity(w http.ResponseWriter, r *http.Request) {
	var req capacityRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var ref domain.ItemRef
	if req.ItemRef != "" {
		var err error
		if ref, err = domain.ParseItemRef(req.ItemRef); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	item, err := h.capacity.Create(r.Context(), req.ParentID, req.Total)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.ItemRef != "" && h.catalog != nil {
		if err := h.catalog.LinkCapacity(r.Context(), ref, item.ID); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				err = domain.Persistence(err, "link capacity")
			}
			writeError(w, r, h.logger, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, capacityView(item))
}

func (h *Handlers) RestockCapacity(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, domain.Invalidf("invalid capacity id"))
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.capacity.Restock(r.Context(), id, req.Quantity); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	item, err := h.capacity.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, capacityView(item))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Readyz reports 503 until every backing service answers.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var failed []string
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			failed = append(failed, c.Name)
			loggerFrom(r.Context(), h.logger).WithError(err).WithField("check", c.Name).Warn("readiness check failed")
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}
