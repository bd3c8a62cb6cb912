package controllers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gigpayhq/gigpay/app/models"
	"github.com/gigpayhq/gigpay/internal/pkg/billing"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_controller_test"

func signWebhookPayload(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// webhookRepoStub backs the webhook path only: event dedup plus account
// lookups that always miss, so events are acknowledged as ignored.
type webhookRepoStub struct {
	events map[string]*models.WebhookEvent
	nextID uint
}

var _ billing.Repository = (*webhookRepoStub)(nil)

func newWebhookRepoStub() *webhookRepoStub {
	return &webhookRepoStub{events: map[string]*models.WebhookEvent{}}
}

func (s *webhookRepoStub) WithinTransaction(fn func(billing.Repository) error) error {
	return fn(s)
}

func (s *webhookRepoStub) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + ":" + event.ProviderEventID
	if stored, ok := s.events[key]; ok {
		return false, stored, nil
	}
	s.nextID++
	stored := *event
	stored.ID = s.nextID
	s.events[key] = &stored
	return true, &stored, nil
}

func (s *webhookRepoStub) MarkWebhookProcessed(id uint, processingError string) error { return nil }

func (s *webhookRepoStub) GetAccountByID(uint) (*models.Account, error) {
	return nil, gorm.ErrRecordNotFound
}
func (s *webhookRepoStub) GetAccountByUserID(uint) (*models.Account, error) {
	return nil, gorm.ErrRecordNotFound
}
func (s *webhookRepoStub) GetAccountByExternalCustomerID(string) (*models.Account, error) {
	return nil, gorm.ErrRecordNotFound
}
func (s *webhookRepoStub) ClaimExternalCustomerID(uint, string) (bool, error) { return false, nil }
func (s *webhookRepoStub) UpdateAccount(uint, map[string]interface{}) error   { return nil }
func (s *webhookRepoStub) UpdateAccountIfNotStale(uint, time.Time, map[string]interface{}) (bool, error) {
	return false, nil
}
func (s *webhookRepoStub) CreditPoints(uint, int64) error { return nil }
func (s *webhookRepoStub) FindActiveProductMapping(string, string) (*models.ProductMapping, error) {
	return nil, gorm.ErrRecordNotFound
}
func (s *webhookRepoStub) CreatePointsPurchase(*models.PointsPurchase) error { return nil }
func (s *webhookRepoStub) CreateJobTransaction(*models.JobTransaction) error { return nil }
func (s *webhookRepoStub) GetJobTransactionByJobID(string) (*models.JobTransaction, error) {
	return nil, gorm.ErrRecordNotFound
}
func (s *webhookRepoStub) ListJobTransactionsByEmployer(uint, int, int) ([]models.JobTransaction, error) {
	return nil, nil
}
func (s *webhookRepoStub) PendingCommissionGroups(time.Time, time.Time) ([]billing.CommissionGroup, error) {
	return nil, nil
}
func (s *webhookRepoStub) CollectPendingTransactions(uint, time.Time, time.Time) (int64, error) {
	return 0, nil
}
func (s *webhookRepoStub) CreateMonthlyInvoiceIfNotExists(*models.MonthlyInvoice) (bool, *models.MonthlyInvoice, error) {
	return false, nil, gorm.ErrRecordNotFound
}
func (s *webhookRepoStub) UpdateMonthlyInvoice(uint, map[string]interface{}) error { return nil }
func (s *webhookRepoStub) GetMonthlyInvoice(uint, string) (*models.MonthlyInvoice, error) {
	return nil, gorm.ErrRecordNotFound
}

func newWebhookTestApp(t *testing.T) *fiber.App {
	t.Helper()
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)

	stub := newWebhookRepoStub()
	orig := newBillingService
	newBillingService = func() *billing.Service {
		return billing.NewService(stub, nil)
	}
	t.Cleanup(func() { newBillingService = orig })

	app := fiber.New()
	app.Post("/api/v1/billing/webhook", HandleProviderWebhook)
	return app
}

func postWebhook(t *testing.T, app *fiber.App, body, signature string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestHandleProviderWebhookRejectsBadSignature(t *testing.T) {
	app := newWebhookTestApp(t)
	body := `{"id":"evt_1","type":"customer.subscription.updated"}`

	resp, out := postWebhook(t, app, body, "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, out, "invalid_signature")

	resp, out = postWebhook(t, app, body, signWebhookPayload([]byte(body), "whsec_wrong", time.Now().Unix()))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, out, "invalid_signature")
}

func TestHandleProviderWebhookRejectsMalformedPayload(t *testing.T) {
	app := newWebhookTestApp(t)
	body := `{"type":"customer.subscription.updated"}`

	resp, out := postWebhook(t, app, body, signWebhookPayload([]byte(body), testWebhookSecret, time.Now().Unix()))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out, "invalid_payload")
}

func TestHandleProviderWebhookAcksReplay(t *testing.T) {
	app := newWebhookTestApp(t)
	body := `{
		"id": "evt_replay",
		"type": "customer.subscription.updated",
		"created": ` + fmt.Sprintf("%d", time.Now().Unix()) + `,
		"data": {"object": {"customer": "cus_unknown", "status": "active"}}
	}`
	signature := signWebhookPayload([]byte(body), testWebhookSecret, time.Now().Unix())

	resp, out := postWebhook(t, app, body, signature)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, out, `"ignored":true`)

	// Redelivery of the same event id.
	resp, out = postWebhook(t, app, body, signature)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, out, `"duplicate":true`)
}
