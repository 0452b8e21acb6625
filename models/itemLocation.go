package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ItemLocation is the current-location index: one row per (item, location)
// pair with a positive quantity. It is derived state maintained by the
// movement recorder and can always be rebuilt from the transaction ledger.
type ItemLocation struct {
	ID            int             `gorm:"primary_key" json:"id"`
	ItemType      ItemType        `gorm:"type:varchar(20);not null;index:idx_item_location,priority:1" json:"item_type"`
	ProductId     *int            `gorm:"index:idx_item_location,priority:2" json:"product_id"`
	RawMaterialId *int            `gorm:"index:idx_item_location,priority:3" json:"raw_material_id"`
	BatchId       *int            `gorm:"index:idx_item_location,priority:4" json:"batch_id"`
	LocationId    int             `gorm:"not null;index:idx_item_location,priority:5" json:"location_id"`
	Location      *Location       `gorm:"foreignKey:LocationId" json:"location,omitempty"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	MovedAt       time.Time       `json:"moved_at"`
	MovedBy       string          `gorm:"type:varchar(255)" json:"moved_by"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (loc *ItemLocation) Ref() ItemRef {
	return ItemRef{
		ItemType:      loc.ItemType,
		ProductId:     loc.ProductId,
		RawMaterialId: loc.RawMaterialId,
		BatchId:       loc.BatchId,
	}
}

// BeforeSave enforces the tagged-union shape and keeps zero or negative
// quantity rows out of the index.
func (loc *ItemLocation) BeforeSave(tx *gorm.DB) error {
	if err := loc.Ref().Validate(); err != nil {
		return err
	}
	if !loc.Quantity.IsPositive() {
		return errors.New("item location quantity must be positive")
	}
	return nil
}

// FindItemLocationsTx returns the index rows for one item, largest quantity
// first so full moves pick the dominant row.
func FindItemLocationsTx(tx *gorm.DB, ref ItemRef) ([]ItemLocation, error) {
	var rows []ItemLocation
	err := ref.Scope(tx.Model(&ItemLocation{})).
		Preload("Location").
		Order("quantity DESC, id ASC").
		Find(&rows).Error
	return rows, err
}

// FindItemLocationAtTx returns the row for one item at one location, or nil.
func FindItemLocationAtTx(tx *gorm.DB, ref ItemRef, locationId int) (*ItemLocation, error) {
	var row ItemLocation
	err := ref.Scope(tx.Model(&ItemLocation{})).
		Where("location_id = ?", locationId).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetCurrentLocations is the read-side lookup used by the HTTP surface.
func GetCurrentLocations(ctx context.Context, ref ItemRef) ([]ItemLocation, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	db := config.GetDB()
	var rows []ItemLocation
	err := ref.Scope(db.WithContext(ctx).Model(&ItemLocation{})).
		Preload("Location").
		Order("quantity DESC, id ASC").
		Find(&rows).Error
	return rows, err
}

// ListItemsAtLocation returns everything currently sitting at a location.
func ListItemsAtLocation(ctx context.Context, locationId int) ([]ItemLocation, error) {
	db := config.GetDB()
	var rows []ItemLocation
	err := db.WithContext(ctx).
		Where("location_id = ?", locationId).
		Order("item_type ASC, quantity DESC").
		Find(&rows).Error
	return rows, err
}
