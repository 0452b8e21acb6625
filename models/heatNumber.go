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

// HeatNumber is one traceable lot of raw material inside a GRM receipt.
// ConsumedQuantityKg only ever grows; the lot drops out of the stock balance
// when it is exhausted or its availability flag is cleared.
type HeatNumber struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	HeatNo             string          `gorm:"size:50;index;not null" json:"heat_no" binding:"required"`
	GrmReceiptId       int             `gorm:"index;not null" json:"grm_receipt_id"`
	RawMaterialId      int             `gorm:"index;not null" json:"raw_material_id"`
	TotalWeightKg      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_weight_kg"`
	CoilsReceived      int             `gorm:"default:0" json:"coils_received"`
	SheetsReceived     int             `gorm:"default:0" json:"sheets_received"`
	ConsumedQuantityKg decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"consumed_quantity_kg"`
	IsAvailable        *bool           `gorm:"not null;default:false;index" json:"is_available"`
	StorageLocation    string          `gorm:"size:100" json:"storage_location"`
	RackNumber         string          `gorm:"size:50" json:"rack_number"`
	ShelfNumber        string          `gorm:"size:50" json:"shelf_number"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (h *HeatNumber) AvailableQuantityKg() decimal.Decimal {
	return h.TotalWeightKg.Sub(h.ConsumedQuantityKg)
}

// BeforeSave keeps the consumption counter inside its bounds. Workflow code
// checks these before writing; the hook is the schema-level backstop.
func (h *HeatNumber) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if h == nil {
		return nil
	}
	if !h.TotalWeightKg.IsPositive() {
		return errors.New("total weight must be greater than 0")
	}
	if h.ConsumedQuantityKg.IsNegative() {
		return errors.New("consumed quantity cannot be negative")
	}
	if h.ConsumedQuantityKg.GreaterThan(h.TotalWeightKg) {
		return errors.New("consumed quantity cannot exceed total weight")
	}
	return nil
}

// Validate checks the count fields against the material's physical form.
func (h *HeatNumber) Validate(material *RawMaterial) error {
	switch material.MaterialType {
	case MaterialTypeCoil:
		if h.CoilsReceived == 0 {
			return errors.New("number of coils must be specified for coil materials")
		}
		if h.SheetsReceived > 0 {
			return errors.New("sheets should not be specified for coil materials")
		}
	case MaterialTypeSheet:
		if h.SheetsReceived == 0 {
			return errors.New("number of sheets must be specified for sheet materials")
		}
		if h.CoilsReceived > 0 {
			return errors.New("coils should not be specified for sheet materials")
		}
	}
	return nil
}

func GetHeatNumber(ctx context.Context, id int) (*HeatNumber, error) {
	return utils.FetchModel[HeatNumber](ctx, id)
}

func GetHeatNumberTx(tx *gorm.DB, id int) (*HeatNumber, error) {
	return utils.FetchModelTx[HeatNumber](tx, id)
}

// ListAvailableHeatNumbers returns the lots currently counting toward the
// material's stock balance, oldest receipt first.
func ListAvailableHeatNumbers(ctx context.Context, rawMaterialId int) ([]*HeatNumber, error) {
	heats := make([]*HeatNumber, 0)
	db := config.GetDB()
	err := db.WithContext(ctx).Where("raw_material_id = ? AND is_available = true", rawMaterialId).
		Order("created_at ASC").Find(&heats).Error
	if err != nil {
		return nil, err
	}
	return heats, nil
}
