package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gigpayhq/gigpay/app/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", s, err)
	}
	return d
}

// fakeRepo is an in-memory Repository. WithinTransaction snapshots the state
// and restores it when the callback fails, mirroring a rollback.
type fakeRepo struct {
	mu sync.Mutex

	accounts      map[uint]*models.Account
	webhookEvents []*models.WebhookEvent
	mappings      []*models.ProductMapping
	purchases     []*models.PointsPurchase
	transactions  []*models.JobTransaction
	invoices      []*models.MonthlyInvoice

	nextEventID   uint
	nextTxnID     uint
	nextInvoiceID uint

	updateAccountErr error
	claimHook        func(accountID uint, customerID string) (bool, error)
	// invoked before a guarded account update checks its predicate, outside
	// the lock; lets tests commit a competing event into the window between
	// a handler's account read and its write
	beforeGuardedUpdate func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{accounts: map[uint]*models.Account{}}
}

func (f *fakeRepo) addAccount(a models.Account) *models.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := a
	f.accounts[a.ID] = &stored
	return &stored
}

func (f *fakeRepo) addMapping(m models.ProductMapping) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := m
	f.mappings = append(f.mappings, &stored)
}

func (f *fakeRepo) addTransaction(t models.JobTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTxnID++
	stored := t
	stored.ID = f.nextTxnID
	f.transactions = append(f.transactions, &stored)
}

func (f *fakeRepo) snapshot() *fakeRepo {
	clone := &fakeRepo{accounts: map[uint]*models.Account{}}
	for id, a := range f.accounts {
		c := *a
		clone.accounts[id] = &c
	}
	for _, e := range f.webhookEvents {
		c := *e
		clone.webhookEvents = append(clone.webhookEvents, &c)
	}
	for _, m := range f.mappings {
		c := *m
		clone.mappings = append(clone.mappings, &c)
	}
	for _, p := range f.purchases {
		c := *p
		clone.purchases = append(clone.purchases, &c)
	}
	for _, t := range f.transactions {
		c := *t
		clone.transactions = append(clone.transactions, &c)
	}
	for _, i := range f.invoices {
		c := *i
		clone.invoices = append(clone.invoices, &c)
	}
	clone.nextEventID = f.nextEventID
	clone.nextTxnID = f.nextTxnID
	clone.nextInvoiceID = f.nextInvoiceID
	return clone
}

func (f *fakeRepo) restore(s *fakeRepo) {
	f.accounts = s.accounts
	f.webhookEvents = s.webhookEvents
	f.mappings = s.mappings
	f.purchases = s.purchases
	f.transactions = s.transactions
	f.invoices = s.invoices
	f.nextEventID = s.nextEventID
	f.nextTxnID = s.nextTxnID
	f.nextInvoiceID = s.nextInvoiceID
}

func (f *fakeRepo) WithinTransaction(fn func(Repository) error) error {
	f.mu.Lock()
	before := f.snapshot()
	f.mu.Unlock()

	if err := fn(f); err != nil {
		f.mu.Lock()
		f.restore(before)
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeRepo) GetAccountByID(id uint) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeRepo) GetAccountByUserID(userID uint) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.UserID == userID {
			c := *a
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetAccountByExternalCustomerID(customerID string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.ExternalCustomerID != nil && *a.ExternalCustomerID == customerID {
			c := *a
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) ClaimExternalCustomerID(accountID uint, customerID string) (bool, error) {
	if f.claimHook != nil {
		return f.claimHook(accountID, customerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if a.ExternalCustomerID != nil {
		return false, nil
	}
	a.ExternalCustomerID = &customerID
	return true, nil
}

func applyAccountUpdates(a *models.Account, updates map[string]interface{}) error {
	for key, value := range updates {
		switch key {
		case "is_premium":
			a.IsPremium = value.(bool)
		case "auto_renew":
			a.AutoRenew = value.(bool)
		case "external_subscription_id":
			a.ExternalSubscriptionID = value.(string)
		case "premium_since":
			t := value.(time.Time)
			a.PremiumSince = &t
		case "premium_until":
			t := value.(time.Time)
			a.PremiumUntil = &t
		case "last_event_at":
			t := value.(time.Time)
			a.LastEventAt = &t
		default:
			return fmt.Errorf("fakeRepo: unhandled account update key %q", key)
		}
	}
	return nil
}

func (f *fakeRepo) UpdateAccount(accountID uint, updates map[string]interface{}) error {
	if f.updateAccountErr != nil {
		return f.updateAccountErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	return applyAccountUpdates(a, updates)
}

func (f *fakeRepo) UpdateAccountIfNotStale(accountID uint, occurredAt time.Time, updates map[string]interface{}) (bool, error) {
	if hook := f.beforeGuardedUpdate; hook != nil {
		hook()
	}
	if f.updateAccountErr != nil {
		return false, f.updateAccountErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return false, nil
	}
	if a.LastEventAt != nil && a.LastEventAt.After(occurredAt) {
		return false, nil
	}
	return true, applyAccountUpdates(a, updates)
}

func (f *fakeRepo) CreditPoints(accountID uint, points int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[accountID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.PointsBalance += points
	return nil
}

func (f *fakeRepo) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.webhookEvents {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			c := *e
			return false, &c, nil
		}
	}
	f.nextEventID++
	stored := *event
	stored.ID = f.nextEventID
	f.webhookEvents = append(f.webhookEvents, &stored)
	c := stored
	return true, &c, nil
}

func (f *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.webhookEvents {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepo) FindActiveProductMapping(provider, priceRef string) (*models.ProductMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mappings {
		if m.Provider == provider && m.ProviderPriceRef == priceRef && m.IsActive {
			c := *m
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) CreatePointsPurchase(purchase *models.PointsPurchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *purchase
	f.purchases = append(f.purchases, &stored)
	return nil
}

func (f *fakeRepo) CreateJobTransaction(txn *models.JobTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transactions {
		if t.JobID == txn.JobID {
			return gorm.ErrDuplicatedKey
		}
	}
	f.nextTxnID++
	txn.ID = f.nextTxnID
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	stored := *txn
	f.transactions = append(f.transactions, &stored)
	return nil
}

func (f *fakeRepo) GetJobTransactionByJobID(jobID string) (*models.JobTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transactions {
		if t.JobID == jobID {
			c := *t
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) ListJobTransactionsByEmployer(employerID uint, offset, limit int) ([]models.JobTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var txns []models.JobTransaction
	for i := len(f.transactions) - 1; i >= 0; i-- {
		if f.transactions[i].EmployerAccountID == employerID {
			txns = append(txns, *f.transactions[i])
		}
	}
	if offset >= len(txns) {
		return nil, nil
	}
	txns = txns[offset:]
	if len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

func (f *fakeRepo) PendingCommissionGroups(from, to time.Time) ([]CommissionGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byEmployer := map[uint]*CommissionGroup{}
	var order []uint
	for _, t := range f.transactions {
		if t.Status != models.TransactionStatusPending {
			continue
		}
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		g, ok := byEmployer[t.EmployerAccountID]
		if !ok {
			g = &CommissionGroup{EmployerAccountID: t.EmployerAccountID, TotalCommission: decimal.Zero}
			byEmployer[t.EmployerAccountID] = g
			order = append(order, t.EmployerAccountID)
		}
		g.TotalCommission = g.TotalCommission.Add(t.CommissionAmount)
		g.JobCount++
	}
	var groups []CommissionGroup
	for _, id := range order {
		groups = append(groups, *byEmployer[id])
	}
	return groups, nil
}

func (f *fakeRepo) CollectPendingTransactions(employerID uint, from, to time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.transactions {
		if t.EmployerAccountID != employerID || t.Status != models.TransactionStatusPending {
			continue
		}
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		t.Status = models.TransactionStatusCollected
		n++
	}
	return n, nil
}

func (f *fakeRepo) CreateMonthlyInvoiceIfNotExists(invoice *models.MonthlyInvoice) (bool, *models.MonthlyInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.invoices {
		if i.EmployerAccountID == invoice.EmployerAccountID && i.MonthKey == invoice.MonthKey {
			c := *i
			return false, &c, nil
		}
	}
	f.nextInvoiceID++
	stored := *invoice
	stored.ID = f.nextInvoiceID
	f.invoices = append(f.invoices, &stored)
	c := stored
	return true, &c, nil
}

func (f *fakeRepo) UpdateMonthlyInvoice(id uint, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.invoices {
		if i.ID != id {
			continue
		}
		for key, value := range updates {
			switch key {
			case "external_invoice_id":
				i.ExternalInvoiceID = value.(string)
			case "due_date":
				i.DueDate = value.(*time.Time)
			case "payment_status":
				i.PaymentStatus = value.(string)
			default:
				return fmt.Errorf("fakeRepo: unhandled invoice update key %q", key)
			}
		}
		return nil
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetMonthlyInvoice(employerID uint, monthKey string) (*models.MonthlyInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, i := range f.invoices {
		if i.EmployerAccountID == employerID && i.MonthKey == monthKey {
			c := *i
			return &c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// fakeProvider is an in-memory ProviderClient with per-customer failure
// injection and deterministic ids.
type fakeProvider struct {
	mu sync.Mutex

	createCustomerCalls int
	customerErr         error

	checkoutCalls   int
	lastCheckoutReq CheckoutSessionRequest

	invoiceItemCalls int
	invoiceCalls     int
	invoiceDueDate   *time.Time
	// remaining failures per customer id; each failed attempt decrements
	invoiceFailures map[string]int

	cancelCalls int
	cancelErr   error
	lastCancel  string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{invoiceFailures: map[string]int{}}
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, email string, userID uint) (*ProviderCustomer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.customerErr != nil {
		return nil, p.customerErr
	}
	p.createCustomerCalls++
	return &ProviderCustomer{ID: fmt.Sprintf("cus_%d", p.createCustomerCalls), Email: email}, nil
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*ProviderCheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkoutCalls++
	p.lastCheckoutReq = req
	id := fmt.Sprintf("cs_%d", p.checkoutCalls)
	return &ProviderCheckoutSession{ID: id, URL: "https://checkout.example/" + id}, nil
}

func (p *fakeProvider) CreateInvoiceItem(ctx context.Context, customerID string, amount decimal.Decimal, description, idempotencyKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoiceItemCalls++
	return nil
}

func (p *fakeProvider) CreateInvoice(ctx context.Context, customerID string, daysUntilDue int, idempotencyKey string) (*ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.invoiceFailures[customerID]; n > 0 {
		p.invoiceFailures[customerID] = n - 1
		return nil, &ProviderError{Op: "create_invoice", StatusCode: 500, Body: "internal error"}
	}
	p.invoiceCalls++
	return &ProviderInvoice{ID: fmt.Sprintf("in_%d", p.invoiceCalls), Status: "open", DueDate: p.invoiceDueDate}, nil
}

func (p *fakeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return nil, p.cancelErr
	}
	p.cancelCalls++
	p.lastCancel = subscriptionID
	return &ProviderSubscription{ID: subscriptionID, Status: models.BillingStatusActive, CancelAtPeriodEnd: cancel}, nil
}
