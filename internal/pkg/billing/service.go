package billing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gigpayhq/gigpay/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Service applies verified webhook events to account/ledger state and serves
// the client-facing billing operations. All dependencies are injected so tests
// can substitute fakes.
type Service struct {
	repo     Repository
	provider ProviderClient
	resolver *CustomerResolver
	now      func() time.Time
}

func NewService(repo Repository, provider ProviderClient) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		resolver: NewCustomerResolver(repo, provider),
		now:      time.Now,
	}
}

// NewServiceFromDB creates a service from a GORM DB handle and the env-based
// provider client.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), NewStripeClientFromEnv())
}

// ProcessResult reports how a webhook event was handled.
type ProcessResult struct {
	EventRowID uint
	Duplicate  bool
	Ignored    bool
	IgnoreNote string
}

// ProcessEvent records the event id and applies the per-type mutation in one
// transaction, so redelivery after a crash either replays everything or
// nothing. Duplicates and events for unknown accounts are acknowledged as
// no-ops; a handler failure rolls back the dedup row too, leaving the event
// eligible for provider redelivery.
func (s *Service) ProcessEvent(ctx context.Context, event *Event) (*ProcessResult, error) {
	_ = ctx
	result := &ProcessResult{}

	err := s.repo.WithinTransaction(func(txRepo Repository) error {
		created, stored, err := txRepo.CreateWebhookEventIfNotExists(&models.WebhookEvent{
			Provider:        models.BillingProviderStripe,
			ProviderEventID: event.ID,
			EventType:       event.Type,
			PayloadJSON:     string(event.Raw),
			SignatureValid:  true,
		})
		if err != nil {
			return err
		}
		result.EventRowID = stored.ID
		if !created {
			result.Duplicate = true
			return nil
		}

		ignored, note, err := s.applyEvent(txRepo, event)
		if err != nil {
			return err
		}
		result.Ignored = ignored
		result.IgnoreNote = note
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		if err := s.repo.MarkWebhookProcessed(result.EventRowID, result.IgnoreNote); err != nil {
			log.Errorf("failed to mark webhook event %d processed: %v", result.EventRowID, err)
		}
	}
	return result, nil
}

func (s *Service) applyEvent(repo Repository, event *Event) (bool, string, error) {
	switch event.Type {
	case EventCheckoutCompleted:
		return s.applyCheckoutCompleted(repo, event)
	case EventSubscriptionUpdated:
		return s.applySubscriptionUpdated(repo, event)
	case EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(repo, event)
	case EventInvoicePaymentFailed:
		return s.applyInvoicePaymentFailed(repo, event)
	default:
		return true, "unrecognized event type", nil
	}
}

// accountForEvent resolves the event's provider customer to a local account.
// Unknown customers are acknowledged without mutation; providers deliver
// events for test or orphaned customers.
func (s *Service) accountForEvent(repo Repository, event *Event) (*models.Account, bool, error) {
	if event.Object.CustomerID == "" {
		return nil, true, nil
	}
	account, err := repo.GetAccountByExternalCustomerID(event.Object.CustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return account, false, nil
}

// applyLifecycleUpdate writes a subscription lifecycle mutation through the
// stale-guarded update path. The guard lives in the UPDATE predicate itself,
// not in a prior read, so a late event racing a newer one for the same account
// cannot resurrect state the newer event already replaced. Stale events are
// still recorded in the dedup ledger but apply no mutation.
func applyLifecycleUpdate(repo Repository, accountID uint, event *Event, updates map[string]interface{}) (bool, string, error) {
	updates["last_event_at"] = event.OccurredAt
	applied, err := repo.UpdateAccountIfNotStale(accountID, event.OccurredAt, updates)
	if err != nil {
		return false, "", err
	}
	if !applied {
		return true, "stale event", nil
	}
	return false, "", nil
}

func (s *Service) applyCheckoutCompleted(repo Repository, event *Event) (bool, string, error) {
	account, missing, err := s.accountForEvent(repo, event)
	if err != nil {
		return false, "", err
	}
	if missing {
		return true, "no account for provider customer", nil
	}

	switch event.Object.Mode {
	case CheckoutModeSubscription:
		now := s.now()
		until := now.AddDate(0, 1, 0)
		if event.Object.CurrentPeriodEnd != nil {
			until = *event.Object.CurrentPeriodEnd
		}
		return false, "", repo.UpdateAccount(account.ID, map[string]interface{}{
			"is_premium":               true,
			"premium_since":            now,
			"premium_until":            until,
			"auto_renew":               true,
			"external_subscription_id": event.Object.SubscriptionID,
			"last_event_at":            event.OccurredAt,
		})

	case CheckoutModePayment:
		mapping, err := repo.FindActiveProductMapping(models.BillingProviderStripe, event.Object.PriceRef)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warnf("checkout event %s references unmapped price %q", event.ID, event.Object.PriceRef)
				return true, "unmapped price ref", nil
			}
			return false, "", err
		}
		if mapping.Kind != models.ProductKindPointsPack {
			return true, "price ref is not a points pack", nil
		}
		if err := repo.CreditPoints(account.ID, mapping.Points); err != nil {
			return false, "", err
		}
		return false, "", repo.CreatePointsPurchase(&models.PointsPurchase{
			AccountID:       account.ID,
			ProviderEventID: event.ID,
			ProductRef:      event.Object.PriceRef,
			Points:          mapping.Points,
			AmountTotal:     event.Object.AmountTotal,
			Status:          models.PurchaseStatusCompleted,
		})

	default:
		return true, "unrecognized checkout mode", nil
	}
}

func (s *Service) applySubscriptionUpdated(repo Repository, event *Event) (bool, string, error) {
	account, missing, err := s.accountForEvent(repo, event)
	if err != nil {
		return false, "", err
	}
	if missing {
		return true, "no account for provider customer", nil
	}

	updates := map[string]interface{}{
		"is_premium": event.Object.Status == models.BillingStatusActive,
		"auto_renew": !event.Object.CancelAtPeriodEnd,
	}
	if event.Object.CurrentPeriodEnd != nil {
		updates["premium_until"] = *event.Object.CurrentPeriodEnd
	}
	return applyLifecycleUpdate(repo, account.ID, event, updates)
}

func (s *Service) applySubscriptionDeleted(repo Repository, event *Event) (bool, string, error) {
	account, missing, err := s.accountForEvent(repo, event)
	if err != nil {
		return false, "", err
	}
	if missing {
		return true, "no account for provider customer", nil
	}

	return applyLifecycleUpdate(repo, account.ID, event, map[string]interface{}{
		"is_premium":               false,
		"premium_until":            s.now(),
		"auto_renew":               false,
		"external_subscription_id": "",
	})
}

func (s *Service) applyInvoicePaymentFailed(repo Repository, event *Event) (bool, string, error) {
	account, missing, err := s.accountForEvent(repo, event)
	if err != nil {
		return false, "", err
	}
	if missing {
		return true, "no account for provider customer", nil
	}

	// Access is revoked; the provider subscription record may still exist.
	return applyLifecycleUpdate(repo, account.ID, event, map[string]interface{}{
		"is_premium": false,
	})
}

// CreateCheckout resolves the account's provider customer and opens a checkout
// session for either the premium subscription or a points pack.
func (s *Service) CreateCheckout(ctx context.Context, in CheckoutInput) (*ProviderCheckoutSession, error) {
	if in.Mode != CheckoutModeSubscription && in.Mode != CheckoutModePayment {
		return nil, errors.New("mode must be subscription or payment")
	}

	account, err := s.repo.GetAccountByID(in.AccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	customerID, err := s.resolver.Resolve(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	return s.provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		CustomerID: customerID,
		Mode:       in.Mode,
		PriceRef:   in.PriceRef,
		SuccessURL: in.SuccessURL,
		CancelURL:  in.CancelURL,
		Metadata: map[string]string{
			"account_id": strconv.FormatUint(uint64(account.ID), 10),
		},
	})
}

// CancelSubscription sets the provider subscription to cancel at period end
// and mirrors auto_renew locally. The local field only changes after the
// provider call succeeds.
func (s *Service) CancelSubscription(ctx context.Context, accountID uint) error {
	account, err := s.repo.GetAccountByID(accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	if account.ExternalSubscriptionID == "" {
		return ErrNoActiveSubscription
	}

	if _, err := s.provider.SetCancelAtPeriodEnd(ctx, account.ExternalSubscriptionID, true); err != nil {
		return err
	}

	return s.repo.UpdateAccount(account.ID, map[string]interface{}{
		"auto_renew": false,
	})
}

// PremiumStatus returns the account's premium fields.
func (s *Service) PremiumStatus(accountID uint) (*models.Account, error) {
	account, err := s.repo.GetAccountByID(accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// ListCommissions returns an employer's job transaction history, newest first.
func (s *Service) ListCommissions(employerID uint, offset, limit int) ([]models.JobTransaction, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListJobTransactionsByEmployer(employerID, offset, limit)
}
