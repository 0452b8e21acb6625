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

// RMStockBalance is the per-material aggregate over heat numbers.
//
// TotalOnHandKg is always rederived from the available heats inside the same
// transaction that changed them. LockedQuantityKg is the running total of
// locked (hard) allocations not yet physically consumed; reserved allocations
// never touch this row. AvailableQuantityKg = on hand - locked, and is the
// figure the reservation check reads.
//
// All writes to this table go through the Lock/Release/Consume/intake paths;
// nothing else may update it.
type RMStockBalance struct {
	ID                     int             `gorm:"primary_key" json:"id"`
	RawMaterialId          int             `gorm:"uniqueIndex;not null" json:"raw_material_id"`
	TotalOnHandKg          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_on_hand_kg"`
	LockedQuantityKg       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"locked_quantity_kg"`
	AvailableQuantityKg    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"available_quantity_kg"`
	TotalCoilsAvailable    int             `gorm:"default:0" json:"total_coils_available"`
	TotalSheetsAvailable   int             `gorm:"default:0" json:"total_sheets_available"`
	ActiveHeatNumbersCount int             `gorm:"default:0" json:"active_heat_numbers_count"`
	LastTransactionId      *int            `json:"last_transaction_id"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"last_updated"`
}

func GetStockBalance(ctx context.Context, rawMaterialId int) (*RMStockBalance, error) {
	db := config.GetDB()
	var balance RMStockBalance
	err := db.WithContext(ctx).Where("raw_material_id = ?", rawMaterialId).First(&balance).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreateStockBalanceTx fetches the balance row for update, creating the
// zero row on first use. Callers must hold the material posting lock.
func GetOrCreateStockBalanceTx(tx *gorm.DB, rawMaterialId int) (*RMStockBalance, error) {
	var balance RMStockBalance
	err := tx.Where("raw_material_id = ?", rawMaterialId).First(&balance).Error
	if err == gorm.ErrRecordNotFound {
		balance = RMStockBalance{RawMaterialId: rawMaterialId}
		if err := tx.Create(&balance).Error; err != nil {
			return nil, err
		}
		return &balance, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

type heatAggregate struct {
	TotalKg    decimal.Decimal
	Coils      int
	Sheets     int
	HeatCount  int
	ConsumedKg decimal.Decimal
}

// RecomputeStockBalanceTx rederives the on-hand side of the balance by summing
// the material's available heat numbers, then refreshes the available figure.
// Runs inside the caller's transaction so the aggregate can never drift from
// the heats it was computed over.
func RecomputeStockBalanceTx(tx *gorm.DB, rawMaterialId int, lastTransactionId *int) (*RMStockBalance, error) {
	balance, err := GetOrCreateStockBalanceTx(tx, rawMaterialId)
	if err != nil {
		return nil, err
	}

	var agg heatAggregate
	err = tx.Model(&HeatNumber{}).
		Select(`
			COALESCE(SUM(total_weight_kg), 0) AS total_kg,
			COALESCE(SUM(consumed_quantity_kg), 0) AS consumed_kg,
			COALESCE(SUM(coils_received), 0) AS coils,
			COALESCE(SUM(sheets_received), 0) AS sheets,
			COUNT(*) AS heat_count`).
		Where("raw_material_id = ? AND is_available = true", rawMaterialId).
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}

	balance.TotalOnHandKg = agg.TotalKg.Sub(agg.ConsumedKg)
	balance.TotalCoilsAvailable = agg.Coils
	balance.TotalSheetsAvailable = agg.Sheets
	balance.ActiveHeatNumbersCount = agg.HeatCount
	balance.AvailableQuantityKg = balance.TotalOnHandKg.Sub(balance.LockedQuantityKg)
	if lastTransactionId != nil {
		balance.LastTransactionId = lastTransactionId
	}

	if err := tx.Save(balance).Error; err != nil {
		return nil, err
	}
	return balance, nil
}

// AdjustLockedQuantityTx moves quantity between the available and locked
// buckets: positive delta on allocation lock, negative on release/consumption
// against a locked allocation.
func AdjustLockedQuantityTx(tx *gorm.DB, rawMaterialId int, deltaKg decimal.Decimal) (*RMStockBalance, error) {
	balance, err := GetOrCreateStockBalanceTx(tx, rawMaterialId)
	if err != nil {
		return nil, err
	}

	newLocked := balance.LockedQuantityKg.Add(deltaKg)
	if newLocked.IsNegative() {
		return nil, errors.New("locked quantity cannot go negative")
	}
	balance.LockedQuantityKg = newLocked
	balance.AvailableQuantityKg = balance.TotalOnHandKg.Sub(newLocked)

	if err := tx.Save(balance).Error; err != nil {
		return nil, err
	}
	return balance, nil
}

// AvailableStockKgTx reads the available quantity inside the caller's
// transaction; zero when the material has no balance row yet.
func AvailableStockKgTx(tx *gorm.DB, rawMaterialId int) (decimal.Decimal, error) {
	var balance RMStockBalance
	err := tx.Where("raw_material_id = ?", rawMaterialId).First(&balance).Error
	if err == gorm.ErrRecordNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance.AvailableQuantityKg, nil
}
