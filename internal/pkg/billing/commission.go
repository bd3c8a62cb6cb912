package billing

import (
	"errors"
	"strings"

	"github.com/gigpayhq/gigpay/app/models"
	"github.com/gigpayhq/gigpay/internal/pkg/env"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Default commission rates, overridable via env so rate changes don't need a
// redeploy of the calculation logic.
const (
	defaultPremiumRate  = "0.05"
	defaultStandardRate = "0.098"
)

// RateConfig holds the two commission tiers.
type RateConfig struct {
	Premium  decimal.Decimal
	Standard decimal.Decimal
}

// RateConfigFromEnv reads the commission tiers from the environment, falling
// back to the defaults on missing or unparsable values.
func RateConfigFromEnv() RateConfig {
	return RateConfig{
		Premium:  rateOrDefault(env.GetEnv("BILLING_COMMISSION_RATE_PREMIUM", ""), defaultPremiumRate),
		Standard: rateOrDefault(env.GetEnv("BILLING_COMMISSION_RATE_STANDARD", ""), defaultStandardRate),
	}
}

func rateOrDefault(raw, def string) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil && d.IsPositive() {
			return d
		}
	}
	return decimal.RequireFromString(def)
}

// For returns the rate for the given employer tier.
func (rc RateConfig) For(isPremium bool) decimal.Decimal {
	if isPremium {
		return rc.Premium
	}
	return rc.Standard
}

// CommissionCalculator computes and records the commission owed on a
// completed job.
type CommissionCalculator struct {
	repo  Repository
	rates RateConfig
}

func NewCommissionCalculator(repo Repository, rates RateConfig) *CommissionCalculator {
	return &CommissionCalculator{repo: repo, rates: rates}
}

// RecordJobCompletion inserts a pending JobTransaction for the job. The
// commission is job_amount * rate, rounded half-up to two decimal places.
// Reporting the same job id twice returns the already recorded transaction.
func (c *CommissionCalculator) RecordJobCompletion(in JobCompletionInput) (*models.JobTransaction, error) {
	if strings.TrimSpace(in.JobID) == "" {
		return nil, errors.New("job_id is required")
	}
	if !in.JobAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if existing, err := c.repo.GetJobTransactionByJobID(in.JobID); err == nil {
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	employer, err := c.repo.GetAccountByID(in.EmployerAccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	rate := c.rates.For(employer.IsPremium)
	txn := &models.JobTransaction{
		JobID:             in.JobID,
		EmployerAccountID: in.EmployerAccountID,
		WorkerAccountID:   in.WorkerAccountID,
		JobAmount:         in.JobAmount,
		CommissionRate:    rate,
		CommissionAmount:  in.JobAmount.Mul(rate).Round(2),
		Status:            models.TransactionStatusPending,
	}
	if err := c.repo.CreateJobTransaction(txn); err != nil {
		// A concurrent report for the same job hits the unique job_id index.
		if existing, lookupErr := c.repo.GetJobTransactionByJobID(in.JobID); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return txn, nil
}
