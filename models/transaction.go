package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryTransaction is the append-only movement ledger. Every physical
// event is one row; rows are never updated or deleted, corrections go in as
// compensating adjustment rows. The location index and lot counters are
// derived from this table.
type InventoryTransaction struct {
	ID                    int                       `gorm:"primary_key" json:"id"`
	TransactionId         string                    `gorm:"type:varchar(50);uniqueIndex;not null" json:"transaction_id"`
	TransactionType       TransactionType           `gorm:"type:varchar(20);not null;index" json:"transaction_type"`
	ItemType              ItemType                  `gorm:"type:varchar(20);not null;index:idx_txn_item,priority:1" json:"item_type"`
	ProductId             *int                      `gorm:"index:idx_txn_item,priority:2" json:"product_id"`
	RawMaterialId         *int                      `gorm:"index:idx_txn_item,priority:3" json:"raw_material_id"`
	BatchId               *int                      `gorm:"index:idx_txn_item,priority:4" json:"batch_id"`
	Quantity              decimal.Decimal           `gorm:"type:decimal(20,4);not null" json:"quantity"`
	SourceLocationId      *int                      `json:"source_location_id"`
	SourceLocation        *Location                 `gorm:"foreignKey:SourceLocationId" json:"source_location,omitempty"`
	DestinationLocationId *int                      `json:"destination_location_id"`
	DestinationLocation   *Location                 `gorm:"foreignKey:DestinationLocationId" json:"destination_location,omitempty"`
	HeatNumberId          *int                      `gorm:"index" json:"heat_number_id"`
	ReferenceType         *TransactionReferenceType `gorm:"type:varchar(20)" json:"reference_type"`
	ReferenceId           *int                      `json:"reference_id"`
	Notes                 string                    `gorm:"type:text" json:"notes"`
	IdempotencyKey        *string                   `gorm:"type:varchar(100);uniqueIndex" json:"idempotency_key,omitempty"`
	PerformedBy           string                    `gorm:"type:varchar(255);not null" json:"performed_by"`
	TransactionDate       time.Time                 `gorm:"index" json:"transaction_date"`
	CreatedAt             time.Time                 `gorm:"autoCreateTime" json:"created_at"`
}

func (t *InventoryTransaction) Ref() ItemRef {
	return ItemRef{
		ItemType:      t.ItemType,
		ProductId:     t.ProductId,
		RawMaterialId: t.RawMaterialId,
		BatchId:       t.BatchId,
	}
}

// BeforeCreate assigns the human-readable transaction id and stamps the
// transaction date when the caller left it zero.
func (t *InventoryTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.TransactionId == "" {
		t.TransactionId = utils.GenerateTransactionId(t.TransactionType.TransactionIdPrefix())
	}
	if t.TransactionDate.IsZero() {
		t.TransactionDate = time.Now()
	}
	return nil
}

// BeforeSave enforces the shape rules: a valid type, a positive quantity, the
// item tagged union, and the source/destination columns each movement type
// requires.
func (t *InventoryTransaction) BeforeSave(tx *gorm.DB) error {
	if !t.TransactionType.Valid() {
		return errors.New("invalid transaction type")
	}
	if !t.Quantity.IsPositive() {
		return errors.New("transaction quantity must be positive")
	}
	if err := t.Ref().Validate(); err != nil {
		return err
	}
	if t.TransactionType.RequiresSource() && t.SourceLocationId == nil {
		return errors.New(string(t.TransactionType) + " transaction requires a source location")
	}
	if t.TransactionType.RequiresDestination() && t.DestinationLocationId == nil {
		return errors.New(string(t.TransactionType) + " transaction requires a destination location")
	}
	if t.SourceLocationId != nil && t.DestinationLocationId != nil &&
		*t.SourceLocationId == *t.DestinationLocationId {
		return errors.New("source and destination locations must differ")
	}
	if t.PerformedBy == "" {
		return errors.New("performed_by is required")
	}
	return nil
}

// BeforeUpdate rejects any update. The ledger is append-only.
func (t *InventoryTransaction) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("inventory transactions are append-only")
}

// BeforeDelete rejects any delete.
func (t *InventoryTransaction) BeforeDelete(tx *gorm.DB) error {
	return errors.New("inventory transactions are append-only")
}

func GetInventoryTransaction(ctx context.Context, id int) (*InventoryTransaction, error) {
	return utils.FetchModel[InventoryTransaction](ctx, id, "SourceLocation", "DestinationLocation")
}

// TransactionFilter narrows ledger queries. Zero values mean no filter.
type TransactionFilter struct {
	Item            *ItemRef
	TransactionType TransactionType
	LocationId      int
	HeatNumberId    int
	From            time.Time
	To              time.Time
	Limit           int
}

// ListInventoryTransactions returns ledger rows newest first.
func ListInventoryTransactions(ctx context.Context, filter TransactionFilter) ([]InventoryTransaction, error) {
	db := config.GetDB()
	query := db.WithContext(ctx).Model(&InventoryTransaction{})

	if filter.Item != nil {
		if err := filter.Item.Validate(); err != nil {
			return nil, err
		}
		query = filter.Item.Scope(query)
	}
	if filter.TransactionType != "" {
		query = query.Where("transaction_type = ?", filter.TransactionType)
	}
	if filter.LocationId != 0 {
		query = query.Where("source_location_id = ? OR destination_location_id = ?",
			filter.LocationId, filter.LocationId)
	}
	if filter.HeatNumberId != 0 {
		query = query.Where("heat_number_id = ?", filter.HeatNumberId)
	}
	if !filter.From.IsZero() {
		query = query.Where("transaction_date >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("transaction_date <= ?", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []InventoryTransaction
	err := query.
		Preload("SourceLocation").
		Preload("DestinationLocation").
		Order("transaction_date DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
