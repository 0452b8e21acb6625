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

type RawMaterial struct {
	ID             int             `gorm:"primary_key" json:"id"`
	MaterialCode   string          `gorm:"size:50;uniqueIndex;not null" json:"material_code" binding:"required"`
	MaterialName   string          `gorm:"size:100;not null" json:"material_name" binding:"required"`
	MaterialType   MaterialType    `gorm:"type:enum('coil','sheet');default:'coil'" json:"material_type"`
	Grade          string          `gorm:"size:50" json:"grade"`
	WireDiameterMm decimal.Decimal `gorm:"type:decimal(10,3);default:0" json:"wire_diameter_mm"`
	ThicknessMm    decimal.Decimal `gorm:"type:decimal(10,3);default:0" json:"thickness_mm"`
	IsActive       *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRawMaterial struct {
	MaterialCode   string       `json:"material_code" binding:"required"`
	MaterialName   string       `json:"material_name" binding:"required"`
	MaterialType   MaterialType `json:"material_type" binding:"required"`
	Grade          string       `json:"grade"`
	WireDiameterMm string       `json:"wire_diameter_mm"`
	ThicknessMm    string       `json:"thickness_mm"`
}

func (input *NewRawMaterial) validate(ctx context.Context, id int) error {
	if !input.MaterialType.Valid() {
		return errors.New("invalid material type")
	}
	if err := utils.ValidateUnique[RawMaterial](ctx, "material_code", input.MaterialCode, id); err != nil {
		return err
	}
	return nil
}

func CreateRawMaterial(ctx context.Context, input *NewRawMaterial) (*RawMaterial, error) {

	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	wireDiameter := decimal.Zero
	thickness := decimal.Zero
	var err error
	if input.WireDiameterMm != "" {
		if wireDiameter, err = utils.ParseDecimal(input.WireDiameterMm); err != nil {
			return nil, err
		}
	}
	if input.ThicknessMm != "" {
		if thickness, err = utils.ParseDecimal(input.ThicknessMm); err != nil {
			return nil, err
		}
	}

	rawMaterial := RawMaterial{
		MaterialCode:   input.MaterialCode,
		MaterialName:   input.MaterialName,
		MaterialType:   input.MaterialType,
		Grade:          input.Grade,
		WireDiameterMm: wireDiameter,
		ThicknessMm:    thickness,
		IsActive:       utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&rawMaterial).Error; err != nil {
		return nil, err
	}
	return &rawMaterial, nil
}

func GetRawMaterial(ctx context.Context, id int) (*RawMaterial, error) {
	return utils.FetchModel[RawMaterial](ctx, id)
}

func GetRawMaterialTx(tx *gorm.DB, id int) (*RawMaterial, error) {
	return utils.FetchModelTx[RawMaterial](tx, id)
}

func ListRawMaterials(ctx context.Context) ([]*RawMaterial, error) {
	return utils.FetchAllModels[RawMaterial](ctx)
}

// DeleteRawMaterial refuses to remove a material that is still referenced by
// heat numbers or allocations; catalog rows are effectively permanent once used.
func DeleteRawMaterial(ctx context.Context, id int) (*RawMaterial, error) {

	db := config.GetDB()
	result, err := utils.FetchModel[RawMaterial](ctx, id)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := db.WithContext(ctx).Model(&HeatNumber{}).
		Where("raw_material_id = ?", id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("raw material has heat numbers")
	}
	if err := db.WithContext(ctx).Model(&RMAllocation{}).
		Where("raw_material_id = ?", id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("raw material has allocations")
	}

	// db action
	if err := db.WithContext(ctx).Delete(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}
