// Package yoco implements card checkout against the Yoco Checkout API.
package yoco

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/espazza-checkout/internal/config"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/payment"
)

const Name = "yoco"

type Client struct {
	httpClient    *http.Client
	baseURL       string
	secretKey     string
	webhookSecret []byte
	tolerance     time.Duration
	now           func() time.Time
}

func NewClient(cfg config.Yoco) (*Client, error) {
	secret, err := decodeWebhookSecret(cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       strings.TrimRight(cfg.APIBaseURL, "/"),
		secretKey:     cfg.SecretKey,
		webhookSecret: secret,
		tolerance:     cfg.WebhookTolerance,
		now:           time.Now,
	}, nil
}

// decodeWebhookSecret accepts the "whsec_<base64>" form issued by the dashboard.
func decodeWebhookSecret(s string) ([]byte, error) {
	raw := strings.TrimPrefix(s, "whsec_")
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(err, "yoco webhook secret")
	}
	return key, nil
}

func (c *Client) Name() string { return Name }

type checkoutRequest struct {
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	SuccessURL string            `json:"successUrl,omitempty"`
	CancelURL  string            `json:"cancelUrl,omitempty"`
	FailureURL string            `json:"failureUrl,omitempty"`
	Metadata   map[string]string `json:"metadata"`
}

type checkoutResponse struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirectUrl"`
	Status      string `json:"status"`
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req payment.SessionRequest) (payment.Session, error) {
	body, err := json.Marshal(checkoutRequest{
		Amount:     req.Amount,
		Currency:   req.Currency,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		FailureURL: req.CancelURL,
		Metadata: map[string]string{
			"externalTransactionId": req.Reference,
			"description":           req.Description,
		},
	})
	if err != nil {
		return payment.Session{}, errors.Wrap(err, "marshal checkout")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/checkouts", bytes.NewReader(body))
	if err != nil {
		return payment.Session{}, errors.Wrap(err, "new checkout request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return payment.Session{}, errors.Wrap(err, "yoco create checkout")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return payment.Session{}, errors.Newf("yoco checkout status=%d body=%s", resp.StatusCode, string(b))
	}
	var out checkoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return payment.Session{}, errors.Wrap(err, "decode yoco checkout")
	}
	if out.ID == "" || out.RedirectURL == "" {
		return payment.Session{}, errors.New("yoco checkout response missing id or redirectUrl")
	}
	return payment.Session{RedirectURL: out.RedirectURL, ProviderSessionID: out.ID}, nil
}

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Amount   int64             `json:"amount"`
		Currency string            `json:"currency"`
		Metadata map[string]string `json:"metadata"`
	} `json:"payload"`
}

func (c *Client) VerifyCallback(ctx context.Context, payload []byte, headers http.Header) (payment.Callback, error) {
	if err := c.verifySignature(payload, headers); err != nil {
		return payment.Callback{}, err
	}

	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return payment.Callback{}, domain.Invalidf("malformed yoco event: %v", err)
	}
	cb := payment.Callback{
		ExternalTransactionID: ev.Payload.Metadata["externalTransactionId"],
		EventID:               ev.ID,
		Verified:              true,
	}
	switch ev.Type {
	case "payment.succeeded":
		cb.Status = payment.StatusSucceeded
	case "payment.failed":
		cb.Status = payment.StatusFailed
	default:
		cb.Status = payment.StatusIgnored
		return cb, nil
	}
	if cb.ExternalTransactionID == "" {
		return payment.Callback{}, domain.Invalidf("yoco event %s has no externalTransactionId", ev.ID)
	}
	return cb, nil
}

// verifySignature checks webhook-signature against
// base64(HMAC-SHA256(secret, id "." timestamp "." body)) and rejects
// timestamps outside the tolerance window.
func (c *Client) verifySignature(payload []byte, headers http.Header) error {
	id := headers.Get("webhook-id")
	ts := headers.Get("webhook-timestamp")
	sigHeader := headers.Get("webhook-signature")
	if id == "" || ts == "" || sigHeader == "" {
		return errors.Wrap(domain.ErrInvalidSignature, "missing webhook headers")
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.Wrap(domain.ErrInvalidSignature, "bad webhook timestamp")
	}
	if c.tolerance > 0 {
		skew := c.now().Sub(time.Unix(sec, 0))
		if skew > c.tolerance || skew < -c.tolerance {
			return errors.Wrap(domain.ErrInvalidSignature, "webhook timestamp outside tolerance")
		}
	}

	expected := Sign(c.webhookSecret, id, ts, payload)
	for _, candidate := range strings.Fields(sigHeader) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Sign computes the v1 signature for a webhook delivery.
func Sign(secret []byte, id, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
