package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gigpayhq/gigpay/internal/pkg/env"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

// StripeClient talks to the Stripe REST API with form-encoded requests.
type StripeClient struct {
	SecretKey  string
	APIBaseURL string
	Currency   string

	HTTPClient *http.Client
}

func NewStripeClientFromEnv() *StripeClient {
	return &StripeClient{
		SecretKey:  strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL), "/"),
		Currency:   strings.ToLower(env.GetEnv("BILLING_CURRENCY", "eur")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *StripeClient) CreateCustomer(ctx context.Context, email string, userID uint) (*ProviderCustomer, error) {
	form := url.Values{}
	form.Set("email", strings.TrimSpace(email))
	form.Set("metadata[account_user_id]", strconv.FormatUint(uint64(userID), 10))

	var resp struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := c.postForm(ctx, "/customers", form, uuid.NewString(), &resp); err != nil {
		return nil, err
	}
	return &ProviderCustomer{ID: resp.ID, Email: resp.Email}, nil
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*ProviderCheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", req.Mode)
	form.Set("customer", req.CustomerID)
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("line_items[0][price]", req.PriceRef)
	form.Set("line_items[0][quantity]", "1")
	for k, v := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
	// The session metadata has to survive into the completion event.
	form.Set("metadata[price_ref]", req.PriceRef)

	var resp struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.postForm(ctx, "/checkout/sessions", form, uuid.NewString(), &resp); err != nil {
		return nil, err
	}
	return &ProviderCheckoutSession{ID: resp.ID, URL: resp.URL}, nil
}

func (c *StripeClient) CreateInvoiceItem(ctx context.Context, customerID string, amount decimal.Decimal, description, idempotencyKey string) error {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("amount", strconv.FormatInt(amount.Shift(2).IntPart(), 10))
	form.Set("currency", c.Currency)
	form.Set("description", description)

	var resp struct {
		ID string `json:"id"`
	}
	return c.postForm(ctx, "/invoiceitems", form, idempotencyKey, &resp)
}

func (c *StripeClient) CreateInvoice(ctx context.Context, customerID string, daysUntilDue int, idempotencyKey string) (*ProviderInvoice, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("collection_method", "send_invoice")
	form.Set("days_until_due", strconv.Itoa(daysUntilDue))
	form.Set("auto_advance", "true")

	var resp struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		DueDate int64  `json:"due_date"`
	}
	if err := c.postForm(ctx, "/invoices", form, idempotencyKey, &resp); err != nil {
		return nil, err
	}

	invoice := &ProviderInvoice{ID: resp.ID, Status: resp.Status}
	if resp.DueDate > 0 {
		due := time.Unix(resp.DueDate, 0).UTC()
		invoice.DueDate = &due
	}
	return invoice, nil
}

func (c *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*ProviderSubscription, error) {
	form := url.Values{}
	form.Set("cancel_at_period_end", strconv.FormatBool(cancel))

	var resp struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
		CurrentPeriodEnd  int64  `json:"current_period_end"`
	}
	if err := c.postForm(ctx, "/subscriptions/"+url.PathEscape(subscriptionID), form, "", &resp); err != nil {
		return nil, err
	}

	sub := &ProviderSubscription{
		ID:                resp.ID,
		Status:            resp.Status,
		CancelAtPeriodEnd: resp.CancelAtPeriodEnd,
	}
	if resp.CurrentPeriodEnd > 0 {
		end := time.Unix(resp.CurrentPeriodEnd, 0).UTC()
		sub.CurrentPeriodEnd = &end
	}
	return sub, nil
}

func (c *StripeClient) postForm(ctx context.Context, path string, form url.Values, idempotencyKey string, out interface{}) error {
	if c.SecretKey == "" {
		return &ProviderError{Op: path, Err: fmt.Errorf("STRIPE_SECRET_KEY is not configured")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return &ProviderError{Op: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &ProviderError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Op: path, Err: err}
	}
	if resp.StatusCode >= 400 {
		return &ProviderError{Op: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &ProviderError{Op: path, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
