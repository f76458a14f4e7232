// Package paylink implements the Paylink processor. Paylink supports
// tokenized saved-method charges and signs webhooks with an HMAC-SHA256
// digest of the raw request body.
package paylink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gatewaydomain "github.com/smallbiznis/subpay/internal/gateway/domain"
)

const Name = "paylink"

// SignatureHeader is the webhook header carrying the HMAC digest.
const SignatureHeader = "X-Paylink-Signature"

type Config struct {
	BaseURL     string
	APIKey      string
	Secret      string
	CallTimeout time.Duration
}

type Gateway struct {
	baseURL string
	apiKey  string
	secret  string
	client  *http.Client
}

func New(cfg Config) *Gateway {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) SignatureHeader() string { return SignatureHeader }

type chargeObject struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	CheckoutURL   string            `json:"checkout_url"`
	Reference     string            `json:"reference"`
	Receipt       string            `json:"receipt"`
	Source        chargeSource      `json:"source"`
	FailureReason string            `json:"failure_reason"`
	Metadata      map[string]string `json:"metadata"`
}

type chargeSource struct {
	Type     string `json:"type"`
	LastFour string `json:"last4"`
	Brand    string `json:"brand"`
}

func (g *Gateway) CreateCharge(ctx context.Context, subject gatewaydomain.ChargeSubject, req gatewaydomain.ChargeRequest) (*gatewaydomain.ChargeOutcome, error) {
	body := map[string]any{
		"amount":      subject.Amount,
		"currency":    strings.ToUpper(subject.Currency),
		"description": subject.Description,
		"success_url": req.RedirectURL,
		"webhook_url": req.WebhookURL,
		"metadata": map[string]string{
			"subscription_id": subject.SubscriptionID,
			"team_id":         subject.TeamID,
		},
	}
	if subject.GatewayCustomerID != "" {
		body["customer_id"] = subject.GatewayCustomerID
	}
	return g.postCharge(ctx, "/charges", body)
}

func (g *Gateway) ChargeSavedPaymentMethod(ctx context.Context, subject gatewaydomain.ChargeSubject, webhookURL string) (*gatewaydomain.ChargeOutcome, error) {
	if strings.TrimSpace(subject.PaymentMethodID) == "" {
		return nil, gatewaydomain.ErrNoPaymentMethod
	}
	body := map[string]any{
		"amount":      subject.Amount,
		"currency":    strings.ToUpper(subject.Currency),
		"description": subject.Description,
		"customer_id": subject.GatewayCustomerID,
		"token":       subject.PaymentMethodID,
		"capture":     true,
		"webhook_url": webhookURL,
		"metadata": map[string]string{
			"subscription_id": subject.SubscriptionID,
			"team_id":         subject.TeamID,
		},
	}
	return g.postCharge(ctx, "/charges", body)
}

func (g *Gateway) RetrieveCharge(ctx context.Context, chargeID string) (*gatewaydomain.ChargeOutcome, error) {
	raw, err := g.call(ctx, http.MethodGet, "/charges/"+strings.TrimSpace(chargeID), nil)
	if err != nil {
		return nil, err
	}
	return decodeCharge(raw)
}

func (g *Gateway) RefundCharge(ctx context.Context, chargeID string, amount int64, currency string, reason string) (*gatewaydomain.RefundOutcome, error) {
	body := map[string]any{
		"charge_id": strings.TrimSpace(chargeID),
		"amount":    amount,
		"currency":  strings.ToUpper(currency),
		"reason":    reason,
	}
	raw, err := g.call(ctx, http.MethodPost, "/refunds", body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID       string `json:"id"`
		ChargeID string `json:"charge_id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrGatewayCall, err)
	}
	return &gatewaydomain.RefundOutcome{
		RefundID: resp.ID,
		ChargeID: resp.ChargeID,
		Amount:   resp.Amount,
		Currency: strings.ToUpper(resp.Currency),
		Raw:      raw,
	}, nil
}

func (g *Gateway) VerifyWebhookSignature(payload []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return gatewaydomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(g.secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return gatewaydomain.ErrInvalidSignature
	}
	return nil
}

type webhookEnvelope struct {
	Event string       `json:"event"`
	Data  chargeObject `json:"data"`
}

func (g *Gateway) ParseWebhook(payload []byte) (*gatewaydomain.WebhookEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, gatewaydomain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.Data.ID) == "" {
		return nil, gatewaydomain.ErrInvalidPayload
	}

	var kind gatewaydomain.EventKind
	switch strings.TrimSpace(envelope.Event) {
	case "charge.captured", "charge.failed", "charge.voided", "charge.pending":
		kind = gatewaydomain.EventKindCharge
	case "charge.refunded":
		kind = gatewaydomain.EventKindRefund
	default:
		return nil, gatewaydomain.ErrEventIgnored
	}

	outcome := toOutcome(envelope.Data, payload)
	return &gatewaydomain.WebhookEvent{
		Kind:           kind,
		SubscriptionID: envelope.Data.Metadata["subscription_id"],
		Outcome:        outcome,
	}, nil
}

func (g *Gateway) postCharge(ctx context.Context, path string, body map[string]any) (*gatewaydomain.ChargeOutcome, error) {
	raw, err := g.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return decodeCharge(raw)
}

func decodeCharge(raw []byte) (*gatewaydomain.ChargeOutcome, error) {
	var charge chargeObject
	if err := json.Unmarshal(raw, &charge); err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrGatewayCall, err)
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, fmt.Errorf("%w: missing charge id", gatewaydomain.ErrGatewayCall)
	}
	outcome := toOutcome(charge, raw)
	return &outcome, nil
}

func toOutcome(charge chargeObject, raw []byte) gatewaydomain.ChargeOutcome {
	return gatewaydomain.ChargeOutcome{
		ChargeID:         charge.ID,
		Status:           normalizeStatus(charge.Status),
		Amount:           charge.Amount,
		Currency:         strings.ToUpper(charge.Currency),
		RedirectURL:      charge.CheckoutURL,
		PaymentMethod:    charge.Source.Type,
		CardLastFour:     charge.Source.LastFour,
		CardBrand:        charge.Source.Brand,
		GatewayReference: charge.Reference,
		PaymentReference: charge.Receipt,
		FailureReason:    strings.TrimSpace(charge.FailureReason),
		Raw:              raw,
	}
}

func (g *Gateway) call(ctx context.Context, method, path string, body map[string]any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrGatewayCall, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrGatewayCall, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d", gatewaydomain.ErrGatewayCall, resp.StatusCode)
	}
	return raw, nil
}

func normalizeStatus(native string) gatewaydomain.ChargeStatus {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "captured", "succeeded":
		return gatewaydomain.ChargeStatusCaptured
	case "authorized", "pending", "processing":
		return gatewaydomain.ChargeStatusPending
	case "voided", "canceled", "cancelled":
		return gatewaydomain.ChargeStatusCancelled
	default:
		return gatewaydomain.ChargeStatusFailed
	}
}
