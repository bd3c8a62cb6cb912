package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// CustomerResolver maps a billing account to its provider customer record,
// creating one on first use. Resolution is idempotent: concurrent calls for
// the same account settle on a single stored customer id.
type CustomerResolver struct {
	repo     Repository
	provider ProviderClient
}

func NewCustomerResolver(repo Repository, provider ProviderClient) *CustomerResolver {
	return &CustomerResolver{repo: repo, provider: provider}
}

// Resolve returns the account's provider customer id. If none is stored yet,
// it creates a provider customer and claims it with a guarded update; when a
// concurrent caller wins the claim, the loser re-reads and returns the
// winner's id (its own provider customer stays orphaned and is logged).
func (r *CustomerResolver) Resolve(ctx context.Context, accountID uint) (string, error) {
	account, err := r.repo.GetAccountByID(accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrAccountNotFound
		}
		return "", err
	}

	if account.ExternalCustomerID != nil && *account.ExternalCustomerID != "" {
		return *account.ExternalCustomerID, nil
	}

	customer, err := r.provider.CreateCustomer(ctx, account.Email, account.UserID)
	if err != nil {
		return "", err
	}

	claimed, err := r.repo.ClaimExternalCustomerID(account.ID, customer.ID)
	if err != nil {
		return "", err
	}
	if claimed {
		return customer.ID, nil
	}

	// Lost the race: another caller stored an id first. Return the winner's.
	current, err := r.repo.GetAccountByID(account.ID)
	if err != nil {
		return "", err
	}
	if current.ExternalCustomerID == nil || *current.ExternalCustomerID == "" {
		return "", fmt.Errorf("customer claim failed for account %d without a stored id", account.ID)
	}
	log.Warnf("orphaned provider customer %s for account %d (lost creation race to %s)",
		customer.ID, account.ID, *current.ExternalCustomerID)
	return *current.ExternalCustomerID, nil
}
