package models

import (
	"context"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/utils"
	"github.com/shopspring/decimal"
)

// Batch is an in-process production batch cut from an MO. The engine tracks
// batches through locations like any other item; process execution itself is
// the shop-floor module's concern.
type Batch struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BatchNumber string          `gorm:"size:50;uniqueIndex;not null" json:"batch_number" binding:"required"`
	MoId        int             `gorm:"index;not null" json:"mo_id"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	Status      BatchStatus     `gorm:"type:enum('created','in_process','completed','scrapped','dispatched');default:'created'" json:"status"`
	CreatedBy   int             `gorm:"index" json:"created_by"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBatch struct {
	BatchNumber string `json:"batch_number" binding:"required"`
	MoId        int    `json:"mo_id" binding:"required"`
	Quantity    string `json:"quantity" binding:"required"`
}

func CreateBatch(ctx context.Context, input *NewBatch, actor Actor) (*Batch, error) {

	if err := utils.ValidateUnique[Batch](ctx, "batch_number", input.BatchNumber, 0); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[ManufacturingOrder](ctx, input.MoId); err != nil {
		return nil, err
	}
	quantity, err := utils.ParseDecimal(input.Quantity)
	if err != nil {
		return nil, err
	}

	batch := Batch{
		BatchNumber: input.BatchNumber,
		MoId:        input.MoId,
		Quantity:    quantity,
		Status:      BatchStatusCreated,
		CreatedBy:   actor.Id,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

func GetBatch(ctx context.Context, id int) (*Batch, error) {
	return utils.FetchModel[Batch](ctx, id)
}
