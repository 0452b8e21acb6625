package models

import (
	"context"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/utils"
)

// Product is the finished-goods catalog entry. The engine only needs it as an
// item reference target and for the MO -> raw material linkage; the full
// product master lives in the surrounding application.
type Product struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ProductCode   string    `gorm:"size:50;uniqueIndex;not null" json:"product_code" binding:"required"`
	Name          string    `gorm:"size:100;not null" json:"name" binding:"required"`
	RawMaterialId int       `gorm:"index" json:"raw_material_id"`
	IsActive      *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	ProductCode   string `json:"product_code" binding:"required"`
	Name          string `json:"name" binding:"required"`
	RawMaterialId int    `json:"raw_material_id"`
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {

	if err := utils.ValidateUnique[Product](ctx, "product_code", input.ProductCode, 0); err != nil {
		return nil, err
	}
	if input.RawMaterialId > 0 {
		if err := utils.ValidateResourceId[RawMaterial](ctx, input.RawMaterialId); err != nil {
			return nil, err
		}
	}

	product := Product{
		ProductCode:   input.ProductCode,
		Name:          input.Name,
		RawMaterialId: input.RawMaterialId,
		IsActive:      utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return utils.FetchModel[Product](ctx, id)
}
