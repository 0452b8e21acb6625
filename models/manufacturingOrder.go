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

// ManufacturingOrder is an external collaborator from the engine's point of
// view: the allocation workflows read its priority, required quantity and
// status, and never mutate anything but the status on approval/cancellation.
type ManufacturingOrder struct {
	ID            int             `gorm:"primary_key" json:"id"`
	MoNumber      string          `gorm:"size:50;uniqueIndex;not null" json:"mo_number" binding:"required"`
	ProductId     int             `gorm:"index" json:"product_id"`
	RawMaterialId int             `gorm:"index;not null" json:"raw_material_id"`
	RmRequiredKg  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rm_required_kg"`
	Status        MOStatus        `gorm:"type:enum('on_hold','approved','in_progress','completed','cancelled');default:'on_hold';index" json:"status"`
	Priority      MOPriority      `gorm:"type:enum('low','medium','high','urgent');default:'medium';index" json:"priority"`
	CreatedBy     int             `gorm:"index" json:"created_by"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewManufacturingOrder struct {
	MoNumber      string     `json:"mo_number" binding:"required"`
	ProductId     int        `json:"product_id"`
	RawMaterialId int        `json:"raw_material_id" binding:"required"`
	RmRequiredKg  string     `json:"rm_required_kg" binding:"required"`
	Priority      MOPriority `json:"priority" binding:"required"`
}

func CreateManufacturingOrder(ctx context.Context, input *NewManufacturingOrder, actor Actor) (*ManufacturingOrder, error) {

	if !input.Priority.Valid() {
		return nil, errors.New("invalid priority")
	}
	if err := utils.ValidateUnique[ManufacturingOrder](ctx, "mo_number", input.MoNumber, 0); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[RawMaterial](ctx, input.RawMaterialId); err != nil {
		return nil, errors.New("raw material not found")
	}
	if input.ProductId > 0 {
		if err := utils.ValidateResourceId[Product](ctx, input.ProductId); err != nil {
			return nil, errors.New("product not found")
		}
	}
	requiredKg, err := utils.ParseDecimal(input.RmRequiredKg)
	if err != nil {
		return nil, err
	}
	if !requiredKg.IsPositive() {
		return nil, errors.New("required RM quantity must be greater than 0")
	}

	mo := ManufacturingOrder{
		MoNumber:      input.MoNumber,
		ProductId:     input.ProductId,
		RawMaterialId: input.RawMaterialId,
		RmRequiredKg:  requiredKg,
		Status:        MOStatusOnHold,
		Priority:      input.Priority,
		CreatedBy:     actor.Id,
	}

	// db action
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&mo).Error; err != nil {
		return nil, err
	}
	return &mo, nil
}

func GetManufacturingOrder(ctx context.Context, id int) (*ManufacturingOrder, error) {
	return utils.FetchModel[ManufacturingOrder](ctx, id)
}

func GetManufacturingOrderTx(tx *gorm.DB, id int) (*ManufacturingOrder, error) {
	return utils.FetchModelTx[ManufacturingOrder](tx, id)
}

// SetManufacturingOrderStatus is used by the approval/cancellation paths that
// wrap the allocation Lock/Release workflows; it does not enforce the MO's own
// workflow rules beyond refusing updates to terminal orders.
func SetManufacturingOrderStatus(tx *gorm.DB, mo *ManufacturingOrder, status MOStatus) error {
	if mo.Status == MOStatusCompleted || mo.Status == MOStatusCancelled {
		return errors.New("manufacturing order is closed")
	}
	if err := tx.Model(mo).Update("status", status).Error; err != nil {
		return err
	}
	mo.Status = status
	return nil
}
