// Package fawran implements the Fawran card processor. Fawran charges
// are redirect based: CreateCharge returns a hosted payment page URL and
// the outcome arrives later on the webhook route.
package fawran

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
	"strconv"
	"strings"
	"time"

	gatewaydomain "github.com/smallbiznis/subpay/internal/gateway/domain"
)

const Name = "fawran"

// SignatureHeader is the webhook header carrying the HMAC digest.
const SignatureHeader = "hashstring"

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

type chargeResponse struct {
	ID               json.Number `json:"id"`
	Status           string      `json:"status"`
	Amount           string      `json:"amount"`
	Currency         string      `json:"currency"`
	RedirectURL      string      `json:"redirect_url"`
	GatewayReference string      `json:"gateway_reference"`
	PaymentReference string      `json:"payment_reference"`
	PaymentMethod    string      `json:"payment_method"`
	CardLastFour     string      `json:"card_last_four"`
	CardBrand        string      `json:"card_brand"`
	FailureReason    string      `json:"failure_reason"`
}

func (g *Gateway) CreateCharge(ctx context.Context, subject gatewaydomain.ChargeSubject, req gatewaydomain.ChargeRequest) (*gatewaydomain.ChargeOutcome, error) {
	body := map[string]any{
		"amount":       formatAmount(subject.Amount),
		"currency":     strings.ToUpper(subject.Currency),
		"description":  subject.Description,
		"redirect_url": req.RedirectURL,
		"webhook_url":  req.WebhookURL,
		"metadata": map[string]string{
			"subscription_id": subject.SubscriptionID,
			"team_id":         subject.TeamID,
		},
	}
	if subject.GatewayCustomerID != "" {
		body["customer"] = subject.GatewayCustomerID
	}
	return g.postCharge(ctx, "/payments", body)
}

func (g *Gateway) ChargeSavedPaymentMethod(ctx context.Context, subject gatewaydomain.ChargeSubject, webhookURL string) (*gatewaydomain.ChargeOutcome, error) {
	if strings.TrimSpace(subject.PaymentMethodID) == "" {
		return nil, gatewaydomain.ErrNoPaymentMethod
	}
	body := map[string]any{
		"amount":      formatAmount(subject.Amount),
		"currency":    strings.ToUpper(subject.Currency),
		"description": subject.Description,
		"customer":    subject.GatewayCustomerID,
		"card_token":  subject.PaymentMethodID,
		"off_session": true,
		"webhook_url": webhookURL,
		"metadata": map[string]string{
			"subscription_id": subject.SubscriptionID,
			"team_id":         subject.TeamID,
		},
	}
	return g.postCharge(ctx, "/payments", body)
}

func (g *Gateway) RetrieveCharge(ctx context.Context, chargeID string) (*gatewaydomain.ChargeOutcome, error) {
	raw, err := g.call(ctx, http.MethodGet, "/payments/"+strings.TrimSpace(chargeID), nil)
	if err != nil {
		return nil, err
	}
	return g.decodeCharge(raw)
}

func (g *Gateway) RefundCharge(ctx context.Context, chargeID string, amount int64, currency string, reason string) (*gatewaydomain.RefundOutcome, error) {
	body := map[string]any{
		"amount":   formatAmount(amount),
		"currency": strings.ToUpper(currency),
		"reason":   reason,
	}
	raw, err := g.call(ctx, http.MethodPost, "/payments/"+strings.TrimSpace(chargeID)+"/refunds", body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID       json.Number `json:"id"`
		ChargeID json.Number `json:"payment_id"`
		Amount   string      `json:"amount"`
		Currency string      `json:"currency"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrGatewayCall, err)
	}
	refunded, _ := parseAmount(resp.Amount)
	return &gatewaydomain.RefundOutcome{
		RefundID: resp.ID.String(),
		ChargeID: resp.ChargeID.String(),
		Amount:   refunded,
		Currency: strings.ToUpper(resp.Currency),
		Raw:      raw,
	}, nil
}

// VerifyWebhookSignature reproduces Fawran's hashstring scheme: an
// ordered concatenation of the payload's settlement fields, HMAC-SHA256
// keyed with the shared secret, hex encoded, compared constant-time.
func (g *Gateway) VerifyWebhookSignature(payload []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return gatewaydomain.ErrInvalidSignature
	}

	var note webhookNote
	if err := json.Unmarshal(payload, &note); err != nil {
		return gatewaydomain.ErrInvalidPayload
	}

	concat := fmt.Sprintf("x_id%sx_amount%sx_currency%sx_gateway_reference%sx_payment_reference%sx_status%sx_created%d",
		note.ID.String(),
		normalizeAmount(note.Amount),
		strings.ToUpper(strings.TrimSpace(note.Currency)),
		note.GatewayReference,
		note.PaymentReference,
		note.Status,
		note.Created,
	)

	mac := hmac.New(sha256.New, []byte(g.secret))
	_, _ = mac.Write([]byte(concat))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return gatewaydomain.ErrInvalidSignature
	}
	return nil
}

type webhookNote struct {
	Type             string            `json:"type"`
	ID               json.Number       `json:"id"`
	ChargeID         json.Number       `json:"charge_id"`
	Status           string            `json:"status"`
	Amount           string            `json:"amount"`
	Currency         string            `json:"currency"`
	GatewayReference string            `json:"gateway_reference"`
	PaymentReference string            `json:"payment_reference"`
	PaymentMethod    string            `json:"payment_method"`
	CardLastFour     string            `json:"card_last_four"`
	CardBrand        string            `json:"card_brand"`
	FailureReason    string            `json:"failure_reason"`
	Created          int64             `json:"created"`
	Metadata         map[string]string `json:"metadata"`
}

func (g *Gateway) ParseWebhook(payload []byte) (*gatewaydomain.WebhookEvent, error) {
	var note webhookNote
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, gatewaydomain.ErrInvalidPayload
	}
	if note.ID.String() == "" {
		return nil, gatewaydomain.ErrInvalidPayload
	}

	amount, err := parseAmount(note.Amount)
	if err != nil {
		return nil, gatewaydomain.ErrInvalidPayload
	}

	kind := gatewaydomain.EventKindCharge
	chargeID := note.ID.String()
	switch strings.TrimSpace(note.Type) {
	case "", "charge":
		// Fawran reports some refunds as a status update on the
		// original charge rather than a refund notification. Treat
		// those as refunds so a late notice never reads as a failed
		// charge.
		if strings.EqualFold(strings.TrimSpace(note.Status), "refunded") {
			kind = gatewaydomain.EventKindRefund
		}
	case "refund":
		kind = gatewaydomain.EventKindRefund
		if note.ChargeID.String() != "" {
			chargeID = note.ChargeID.String()
		}
	default:
		return nil, gatewaydomain.ErrEventIgnored
	}

	return &gatewaydomain.WebhookEvent{
		Kind:           kind,
		SubscriptionID: note.Metadata["subscription_id"],
		Outcome: gatewaydomain.ChargeOutcome{
			ChargeID:         chargeID,
			Status:           normalizeStatus(note.Status),
			Amount:           amount,
			Currency:         strings.ToUpper(strings.TrimSpace(note.Currency)),
			PaymentMethod:    note.PaymentMethod,
			CardLastFour:     note.CardLastFour,
			CardBrand:        note.CardBrand,
			GatewayReference: note.GatewayReference,
			PaymentReference: note.PaymentReference,
			FailureReason:    strings.TrimSpace(note.FailureReason),
			Raw:              payload,
		},
	}, nil
}

func (g *Gateway) postCharge(ctx context.Context, path string, body map[string]any) (*gatewaydomain.ChargeOutcome, error) {
	raw, err := g.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return g.decodeCharge(raw)
}

func (g *Gateway) decodeCharge(raw []byte) (*gatewaydomain.ChargeOutcome, error) {
	var resp chargeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", gatewaydomain.ErrGatewayCall, err)
	}
	if resp.ID.String() == "" {
		return nil, fmt.Errorf("%w: missing charge id", gatewaydomain.ErrGatewayCall)
	}
	amount, _ := parseAmount(resp.Amount)
	return &gatewaydomain.ChargeOutcome{
		ChargeID:         resp.ID.String(),
		Status:           normalizeStatus(resp.Status),
		Amount:           amount,
		Currency:         strings.ToUpper(resp.Currency),
		RedirectURL:      resp.RedirectURL,
		PaymentMethod:    resp.PaymentMethod,
		CardLastFour:     resp.CardLastFour,
		CardBrand:        resp.CardBrand,
		GatewayReference: resp.GatewayReference,
		PaymentReference: resp.PaymentReference,
		FailureReason:    strings.TrimSpace(resp.FailureReason),
		Raw:              raw,
	}, nil
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
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", gatewaydomain.ErrGatewayCall, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: status %d: %s", gatewaydomain.ErrGatewayCall, resp.StatusCode, truncate(raw, 256))
	}
	return raw, nil
}

func normalizeStatus(native string) gatewaydomain.ChargeStatus {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "paid", "success":
		return gatewaydomain.ChargeStatusCaptured
	case "pending", "created":
		return gatewaydomain.ChargeStatusPending
	case "expired", "cancelled", "voided", "refunded":
		return gatewaydomain.ChargeStatusCancelled
	default:
		return gatewaydomain.ChargeStatusFailed
	}
}

// formatAmount renders minor units as Fawran's 2-decimal string.
func formatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// normalizeAmount re-renders a decimal amount string at exactly two
// decimals, since the hashstring is computed over the 2dp form.
func normalizeAmount(raw string) string {
	minor, err := parseAmount(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return formatAmount(minor)
}

func parseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty amount")
	}
	negative := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")

	whole := raw
	frac := ""
	if idx := strings.Index(raw, "."); idx >= 0 {
		whole = raw[:idx]
		frac = raw[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, err
	}
	total := units*100 + cents
	if negative {
		total = -total
	}
	return total, nil
}

func truncate(raw []byte, max int) string {
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max])
}
