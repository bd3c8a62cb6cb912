package billing

import (
	"time"

	"github.com/gigpayhq/gigpay/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing components.
type Repository interface {
	WithinTransaction(fn func(Repository) error) error

	GetAccountByID(id uint) (*models.Account, error)
	GetAccountByUserID(userID uint) (*models.Account, error)
	GetAccountByExternalCustomerID(customerID string) (*models.Account, error)
	ClaimExternalCustomerID(accountID uint, customerID string) (bool, error)
	UpdateAccount(accountID uint, updates map[string]interface{}) error
	UpdateAccountIfNotStale(accountID uint, occurredAt time.Time, updates map[string]interface{}) (bool, error)
	CreditPoints(accountID uint, points int64) error

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error

	FindActiveProductMapping(provider, priceRef string) (*models.ProductMapping, error)
	CreatePointsPurchase(purchase *models.PointsPurchase) error

	CreateJobTransaction(txn *models.JobTransaction) error
	GetJobTransactionByJobID(jobID string) (*models.JobTransaction, error)
	ListJobTransactionsByEmployer(employerID uint, offset, limit int) ([]models.JobTransaction, error)
	PendingCommissionGroups(from, to time.Time) ([]CommissionGroup, error)
	CollectPendingTransactions(employerID uint, from, to time.Time) (int64, error)

	CreateMonthlyInvoiceIfNotExists(invoice *models.MonthlyInvoice) (bool, *models.MonthlyInvoice, error)
	UpdateMonthlyInvoice(id uint, updates map[string]interface{}) error
	GetMonthlyInvoice(employerID uint, monthKey string) (*models.MonthlyInvoice, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithinTransaction(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetAccountByID(id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.Where("id = ?", id).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) GetAccountByUserID(userID uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) GetAccountByExternalCustomerID(customerID string) (*models.Account, error) {
	var account models.Account
	if err := r.db.Where("external_customer_id = ?", customerID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// ClaimExternalCustomerID stores a freshly created provider customer id, but
// only if no id has been claimed in the meantime. The guarded update plus the
// unique index on the column serializes concurrent resolution attempts.
func (r *gormRepository) ClaimExternalCustomerID(accountID uint, customerID string) (bool, error) {
	res := r.db.Model(&models.Account{}).
		Where("id = ? AND external_customer_id IS NULL", accountID).
		Update("external_customer_id", customerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) UpdateAccount(accountID uint, updates map[string]interface{}) error {
	return r.db.Model(&models.Account{}).Where("id = ?", accountID).Updates(updates).Error
}

// UpdateAccountIfNotStale applies the updates only if no newer lifecycle event
// has been recorded on the row. The ordering check rides in the update
// predicate, so two concurrent deliveries for the same account serialize on
// the row write: whichever commits second sees the other's last_event_at and
// reports stale instead of overwriting newer state.
func (r *gormRepository) UpdateAccountIfNotStale(accountID uint, occurredAt time.Time, updates map[string]interface{}) (bool, error) {
	res := r.db.Model(&models.Account{}).
		Where("id = ? AND (last_event_at IS NULL OR last_event_at <= ?)", accountID, occurredAt).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) CreditPoints(accountID uint, points int64) error {
	return r.db.Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"points_balance": gorm.Expr("points_balance + ?", points),
			"updated_at":     time.Now(),
		}).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) FindActiveProductMapping(provider, priceRef string) (*models.ProductMapping, error) {
	var m models.ProductMapping
	err := r.db.
		Where("provider = ? AND provider_price_ref = ? AND is_active = ?", provider, priceRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) CreatePointsPurchase(purchase *models.PointsPurchase) error {
	return r.db.Create(purchase).Error
}

func (r *gormRepository) CreateJobTransaction(txn *models.JobTransaction) error {
	return r.db.Create(txn).Error
}

func (r *gormRepository) GetJobTransactionByJobID(jobID string) (*models.JobTransaction, error) {
	var txn models.JobTransaction
	if err := r.db.Where("job_id = ?", jobID).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *gormRepository) ListJobTransactionsByEmployer(employerID uint, offset, limit int) ([]models.JobTransaction, error) {
	var txns []models.JobTransaction
	err := r.db.Where("employer_account_id = ?", employerID).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *gormRepository) PendingCommissionGroups(from, to time.Time) ([]CommissionGroup, error) {
	var groups []CommissionGroup
	err := r.db.Model(&models.JobTransaction{}).
		Select("employer_account_id, SUM(commission_amount) AS total_commission, COUNT(*) AS job_count").
		Where("status = ? AND created_at >= ? AND created_at < ?", models.TransactionStatusPending, from, to).
		Group("employer_account_id").
		Order("employer_account_id ASC").
		Scan(&groups).Error
	return groups, err
}

func (r *gormRepository) CollectPendingTransactions(employerID uint, from, to time.Time) (int64, error) {
	res := r.db.Model(&models.JobTransaction{}).
		Where("employer_account_id = ? AND status = ? AND created_at >= ? AND created_at < ?",
			employerID, models.TransactionStatusPending, from, to).
		Updates(map[string]interface{}{
			"status":     models.TransactionStatusCollected,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *gormRepository) CreateMonthlyInvoiceIfNotExists(invoice *models.MonthlyInvoice) (bool, *models.MonthlyInvoice, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "employer_account_id"},
			{Name: "month_key"},
		},
		DoNothing: true,
	}).Create(invoice)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.MonthlyInvoice
	if err := r.db.Where("employer_account_id = ? AND month_key = ?", invoice.EmployerAccountID, invoice.MonthKey).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) UpdateMonthlyInvoice(id uint, updates map[string]interface{}) error {
	return r.db.Model(&models.MonthlyInvoice{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) GetMonthlyInvoice(employerID uint, monthKey string) (*models.MonthlyInvoice, error) {
	var invoice models.MonthlyInvoice
	if err := r.db.Where("employer_account_id = ? AND month_key = ?", employerID, monthKey).
		First(&invoice).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}
