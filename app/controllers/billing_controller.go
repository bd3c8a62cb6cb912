package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gigpayhq/gigpay/internal/pkg/billing"
	"github.com/gigpayhq/gigpay/internal/pkg/cache"
	"github.com/gigpayhq/gigpay/internal/pkg/database"
	"github.com/gigpayhq/gigpay/internal/pkg/env"
	"github.com/gigpayhq/gigpay/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

const premiumStatusCacheTTL = 30 * time.Second

// newBillingService is a var so handler tests can substitute a service over
// fake collaborators.
var newBillingService = func() *billing.Service {
	return billing.NewServiceFromDB(database.GetDB())
}

// HandleProviderWebhook ingests signed payment provider events. Invalid
// signatures and malformed payloads are rejected before any processing;
// duplicates and events for unknown customers are acknowledged as no-ops so
// the provider stops redelivering them.
func HandleProviderWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	if !billing.VerifyWebhookSignature(rawBody, signature, secret, billing.DefaultSignatureTolerance, time.Now()) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	event, err := billing.ParseEvent(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := newBillingService().ProcessEvent(ctx, event)
	if err != nil {
		// Rolled back, including the dedup row; the provider will redeliver.
		log.Errorf("webhook event %s (%s) failed: %v", event.ID, event.Type, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_processing_failed"})
	}
	if result.Duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	if result.Ignored {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

type checkoutRequest struct {
	Mode       string `json:"mode"`
	PriceRef   string `json:"price_ref"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// HandleCreateCheckout opens a provider checkout session for the premium
// subscription or a points pack.
func HandleCreateCheckout(c *fiber.Ctx) error {
	accountID := middleware.AccountID(c)

	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if strings.TrimSpace(req.PriceRef) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "price_ref is required"})
	}

	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	successURL := req.SuccessURL
	if successURL == "" {
		successURL = base + "/billing/success"
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = base + "/billing/cancel"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	session, err := newBillingService().CreateCheckout(ctx, billing.CheckoutInput{
		AccountID:  accountID,
		Mode:       strings.ToLower(strings.TrimSpace(req.Mode)),
		PriceRef:   strings.TrimSpace(req.PriceRef),
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		return billingErrorResponse(c, "checkout_failed", err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"session_id": session.ID, "url": session.URL})
}

// HandleCancelSubscription sets the provider subscription to cancel at period
// end. Local state only changes after the provider call succeeds.
func HandleCancelSubscription(c *fiber.Ctx) error {
	accountID := middleware.AccountID(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := newBillingService().CancelSubscription(ctx, accountID); err != nil {
		return billingErrorResponse(c, "cancel_failed", err)
	}
	// Premium status changed shape; drop the cached response.
	_ = cache.Delete(premiumStatusCacheKey(accountID))

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "auto_renew": false})
}

// HandlePremiumStatus returns the account's premium fields, cached briefly.
func HandlePremiumStatus(c *fiber.Ctx) error {
	accountID := middleware.AccountID(c)
	cacheKey := premiumStatusCacheKey(accountID)

	if cached, err := cache.Get(cacheKey); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(fiber.StatusOK).SendString(cached)
	}

	account, err := newBillingService().PremiumStatus(accountID)
	if err != nil {
		return billingErrorResponse(c, "status_failed", err)
	}

	payload := fiber.Map{
		"is_premium":     account.IsPremium,
		"premium_since":  account.PremiumSince,
		"premium_until":  account.PremiumUntil,
		"auto_renew":     account.AutoRenew,
		"points_balance": account.PointsBalance,
	}
	if body, err := json.Marshal(payload); err == nil {
		if err := cache.Set(cacheKey, string(body), premiumStatusCacheTTL); err != nil {
			log.Warnf("failed to cache premium status for account %d: %v", accountID, err)
		}
	}
	return c.Status(fiber.StatusOK).JSON(payload)
}

// HandleCommissionOverview returns the employer's commission history.
func HandleCommissionOverview(c *fiber.Ctx) error {
	accountID := middleware.AccountID(c)
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)

	txns, err := newBillingService().ListCommissions(accountID, offset, limit)
	if err != nil {
		return billingErrorResponse(c, "commissions_failed", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": txns, "count": len(txns)})
}

// HandleJobComplete is called by the job-board service when a job is marked
// complete. It records the commission owed by the employer.
func HandleJobComplete(c *fiber.Ctx) error {
	var in billing.JobCompletionInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	calculator := billing.NewCommissionCalculator(billing.NewRepository(database.GetDB()), billing.RateConfigFromEnv())
	txn, err := calculator.RecordJobCompletion(in)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidAmount):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_amount"})
		case errors.Is(err, billing.ErrAccountNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "account_not_found"})
		default:
			log.Errorf("failed to record job completion %s: %v", in.JobID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(txn)
}

func premiumStatusCacheKey(accountID uint) string {
	return "billing:premium:" + strconv.FormatUint(uint64(accountID), 10)
}

// billingErrorResponse maps service errors onto HTTP statuses: missing data is
// the caller's problem, provider failures are a bad gateway, the rest is 500.
func billingErrorResponse(c *fiber.Ctx, code string, err error) error {
	var pe *billing.ProviderError
	switch {
	case errors.Is(err, billing.ErrAccountNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "account_not_found"})
	case errors.Is(err, billing.ErrNoActiveSubscription):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_active_subscription"})
	case errors.As(err, &pe):
		log.Errorf("provider call failed (%s): %v", code, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": code, "message": "Payment provider unavailable"})
	default:
		log.Errorf("billing request failed (%s): %v", code, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
	}
}
