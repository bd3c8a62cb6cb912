package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gigpayhq/gigpay/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// invoiceDaysUntilDue is passed to the provider on invoice creation and used
// as the local fallback due date when the provider omits one.
const invoiceDaysUntilDue = 14

// Aggregator consolidates an employer's pending commissions for the previous
// calendar month into a provider invoice. Each employer is an independent unit
// of work: one employer's failure never blocks the others, and a re-run for
// the same period resumes instead of duplicating external side effects.
type Aggregator struct {
	repo     Repository
	provider ProviderClient
	resolver *CustomerResolver
	retry    RetryPolicy
	now      func() time.Time
}

func NewAggregator(repo Repository, provider ProviderClient) *Aggregator {
	return &Aggregator{
		repo:     repo,
		provider: provider,
		resolver: NewCustomerResolver(repo, provider),
		retry:    DefaultRetryPolicy,
		now:      time.Now,
	}
}

// RunReport summarizes one aggregation run.
type RunReport struct {
	MonthKey string
	Groups   int
	Invoiced int
	Resumed  int
	Failed   int
}

// Run aggregates the previous calendar month.
func (a *Aggregator) Run(ctx context.Context) (*RunReport, error) {
	return a.RunForMonth(ctx, PreviousMonthKey(a.now()))
}

// RunForMonth aggregates a specific YYYY-MM period. Safe to call more than
// once for the same period; also the manual replay entrypoint.
func (a *Aggregator) RunForMonth(ctx context.Context, monthKey string) (*RunReport, error) {
	from, to, err := MonthRange(monthKey)
	if err != nil {
		return nil, err
	}

	groups, err := a.repo.PendingCommissionGroups(from, to)
	if err != nil {
		return nil, fmt.Errorf("query pending commissions for %s: %w", monthKey, err)
	}

	report := &RunReport{MonthKey: monthKey, Groups: len(groups)}
	for _, group := range groups {
		select {
		case <-ctx.Done():
			log.Warnf("aggregation for %s interrupted after %d/%d employers",
				monthKey, report.Invoiced+report.Resumed+report.Failed, len(groups))
			return report, ctx.Err()
		default:
		}

		resumed, err := a.processEmployer(ctx, monthKey, from, to, group)
		switch {
		case err != nil:
			// Leave this employer's transactions pending for the next run.
			report.Failed++
			log.Errorf("aggregation for employer %d in %s failed: %v", group.EmployerAccountID, monthKey, err)
		case resumed:
			report.Resumed++
		default:
			report.Invoiced++
		}
	}

	log.Infof("aggregation run %s: %d employers, %d invoiced, %d resumed, %d failed",
		monthKey, report.Groups, report.Invoiced, report.Resumed, report.Failed)
	return report, nil
}

// processEmployer is one unit of work. The invoice row acts as an outbox
// record: it exists (status processing, no external id) before the provider is
// called with an idempotency key derived from employer and period, so a crash
// between the external call and the local write is resumable without creating
// a second provider invoice.
func (a *Aggregator) processEmployer(ctx context.Context, monthKey string, from, to time.Time, group CommissionGroup) (resumed bool, err error) {
	customerID, err := a.resolver.Resolve(ctx, group.EmployerAccountID)
	if err != nil {
		return false, fmt.Errorf("resolve customer: %w", err)
	}

	created, invoice, err := a.repo.CreateMonthlyInvoiceIfNotExists(&models.MonthlyInvoice{
		EmployerAccountID: group.EmployerAccountID,
		MonthKey:          monthKey,
		TotalCommission:   group.TotalCommission,
		TotalJobs:         group.JobCount,
		PaymentStatus:     models.InvoiceStatusProcessing,
	})
	if err != nil {
		return false, fmt.Errorf("ensure invoice row: %w", err)
	}
	resumed = !created

	if invoice.ExternalInvoiceID != "" {
		// The provider invoice already exists; only the collect step can be
		// outstanding from an interrupted earlier run.
		if _, err := a.repo.CollectPendingTransactions(group.EmployerAccountID, from, to); err != nil {
			return resumed, fmt.Errorf("collect transactions: %w", err)
		}
		return resumed, nil
	}

	idempotencyKey := fmt.Sprintf("commissions-%d-%s", group.EmployerAccountID, monthKey)
	description := fmt.Sprintf("Job commissions %s (%d jobs)", monthKey, group.JobCount)

	var providerInvoice *ProviderInvoice
	err = withRetry(ctx, a.retry, func() error {
		if err := a.provider.CreateInvoiceItem(ctx, customerID, invoice.TotalCommission, description, idempotencyKey+"-item"); err != nil {
			return err
		}
		inv, err := a.provider.CreateInvoice(ctx, customerID, invoiceDaysUntilDue, idempotencyKey)
		if err != nil {
			return err
		}
		providerInvoice = inv
		return nil
	})
	if err != nil {
		return resumed, fmt.Errorf("provider invoice: %w", err)
	}

	dueDate := providerInvoice.DueDate
	if dueDate == nil {
		d := a.now().AddDate(0, 0, invoiceDaysUntilDue)
		dueDate = &d
	}

	err = a.repo.WithinTransaction(func(txRepo Repository) error {
		if err := txRepo.UpdateMonthlyInvoice(invoice.ID, map[string]interface{}{
			"external_invoice_id": providerInvoice.ID,
			"due_date":            dueDate,
		}); err != nil {
			return err
		}
		collected, err := txRepo.CollectPendingTransactions(group.EmployerAccountID, from, to)
		if err != nil {
			return err
		}
		if collected != int64(group.JobCount) {
			log.Warnf("employer %d in %s: collected %d transactions, grouped %d",
				group.EmployerAccountID, monthKey, collected, group.JobCount)
		}
		return nil
	})
	if err != nil {
		return resumed, fmt.Errorf("record invoice %s: %w", providerInvoice.ID, err)
	}
	return resumed, nil
}

// PreviousMonthKey returns the YYYY-MM key of the calendar month before the
// given time.
func PreviousMonthKey(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return first.AddDate(0, -1, 0).Format("2006-01")
}

// MonthRange returns the [from, to) bounds of a YYYY-MM key in UTC.
func MonthRange(monthKey string) (time.Time, time.Time, error) {
	from, err := time.ParseInLocation("2006-01", monthKey, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid month key %q: %w", monthKey, err)
	}
	return from, from.AddDate(0, 1, 0), nil
}
