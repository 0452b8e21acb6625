package models

import (
	"context"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RMAllocation binds a quantity of a raw material to a manufacturing order.
//
// A reserved allocation is a soft hold: it does not touch the stock balance
// and the same physical stock may back several reservations. Locking turns
// the hold into a hard deduction. Status only ever moves forward; swapped and
// released rows are kept as terminal records, never reused.
type RMAllocation struct {
	ID                  int              `gorm:"primary_key" json:"id"`
	MoId                int              `gorm:"index;not null" json:"mo_id"`
	Mo                  *ManufacturingOrder `gorm:"foreignKey:MoId" json:"mo,omitempty"`
	RawMaterialId       int              `gorm:"index;not null" json:"raw_material_id"`
	RawMaterial         *RawMaterial     `gorm:"foreignKey:RawMaterialId" json:"raw_material,omitempty"`
	AllocatedQuantityKg decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"allocated_quantity_kg"`
	Status              AllocationStatus `gorm:"type:varchar(20);default:'reserved';index" json:"status"`
	CanBeSwapped        *bool            `gorm:"default:true" json:"can_be_swapped"`
	AllocatedBy         string           `gorm:"type:varchar(255)" json:"allocated_by"`
	AllocatedAt         time.Time        `gorm:"autoCreateTime" json:"allocated_at"`
	LockedBy            *string          `gorm:"type:varchar(255)" json:"locked_by"`
	LockedAt            *time.Time       `json:"locked_at"`
	ReleasedAt          *time.Time       `json:"released_at"`
	SwappedToMoId       *int             `json:"swapped_to_mo_id"`
	SwappedBy           *string          `gorm:"type:varchar(255)" json:"swapped_by"`
	SwappedAt           *time.Time       `json:"swapped_at"`
	SwapReason          string           `gorm:"type:text" json:"swap_reason"`
	Version             int              `gorm:"default:0" json:"version"`
	UpdatedAt           time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// RMAllocationHistory is the append-only audit trail of allocation actions.
type RMAllocationHistory struct {
	ID           int              `gorm:"primary_key" json:"id"`
	AllocationId int              `gorm:"index;not null" json:"allocation_id"`
	Action       AllocationAction `gorm:"type:varchar(20);not null" json:"action"`
	FromStatus   AllocationStatus `gorm:"type:varchar(20)" json:"from_status"`
	ToStatus     AllocationStatus `gorm:"type:varchar(20)" json:"to_status"`
	FromMoId     int              `gorm:"index" json:"from_mo_id"`
	ToMoId       *int             `json:"to_mo_id"`
	QuantityKg   decimal.Decimal  `gorm:"type:decimal(20,4)" json:"quantity_kg"`
	PerformedBy  string           `gorm:"type:varchar(255)" json:"performed_by"`
	Notes        string           `gorm:"type:text" json:"notes"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

var allocationTransitions = map[AllocationStatus][]AllocationStatus{
	AllocationStatusReserved: {AllocationStatusLocked, AllocationStatusSwapped, AllocationStatusReleased},
	AllocationStatusLocked:   {AllocationStatusReleased},
	AllocationStatusSwapped:  {},
	AllocationStatusReleased: {},
}

// CanTransition reports whether the allocation may move to the target status.
func (a *RMAllocation) CanTransition(to AllocationStatus) bool {
	for _, next := range allocationTransitions[a.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTx moves the allocation to the target status and appends a
// history row, both in the caller's transaction. The WHERE on version makes
// concurrent transitions of the same row fail with ErrConcurrentModification
// instead of silently overwriting each other.
func (a *RMAllocation) TransitionTx(tx *gorm.DB, to AllocationStatus, action AllocationAction, actor Actor, notes string) error {
	if !a.CanTransition(to) {
		return InvalidTransitionError(a.ID, a.Status, to)
	}

	from := a.Status
	now := time.Now()
	updates := map[string]interface{}{
		"status":  to,
		"version": a.Version + 1,
	}
	switch to {
	case AllocationStatusLocked:
		updates["locked_by"] = actor.Name
		updates["locked_at"] = now
	case AllocationStatusSwapped:
		updates["swapped_by"] = actor.Name
		updates["swapped_at"] = now
	case AllocationStatusReleased:
		updates["released_at"] = now
	}

	res := tx.Model(&RMAllocation{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}

	a.Status = to
	a.Version++
	switch to {
	case AllocationStatusLocked:
		a.LockedBy = &actor.Name
		a.LockedAt = &now
	case AllocationStatusSwapped:
		a.SwappedBy = &actor.Name
		a.SwappedAt = &now
	case AllocationStatusReleased:
		a.ReleasedAt = &now
	}

	history := RMAllocationHistory{
		AllocationId: a.ID,
		Action:       action,
		FromStatus:   from,
		ToStatus:     to,
		FromMoId:     a.MoId,
		QuantityKg:   a.AllocatedQuantityKg,
		PerformedBy:  actor.Name,
		Notes:        notes,
	}
	if to == AllocationStatusSwapped {
		history.ToMoId = a.SwappedToMoId
	}
	return tx.Create(&history).Error
}

// AppendAllocationHistoryTx records a non-transition event such as the
// initial reservation.
func AppendAllocationHistoryTx(tx *gorm.DB, a *RMAllocation, action AllocationAction, actor Actor, notes string) error {
	history := RMAllocationHistory{
		AllocationId: a.ID,
		Action:       action,
		FromStatus:   a.Status,
		ToStatus:     a.Status,
		FromMoId:     a.MoId,
		QuantityKg:   a.AllocatedQuantityKg,
		PerformedBy:  actor.Name,
		Notes:        notes,
	}
	return tx.Create(&history).Error
}

func GetAllocation(ctx context.Context, id int) (*RMAllocation, error) {
	db := config.GetDB()
	var allocation RMAllocation
	err := db.WithContext(ctx).Preload("Mo").Preload("RawMaterial").First(&allocation, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &allocation, nil
}

func GetAllocationTx(tx *gorm.DB, id int) (*RMAllocation, error) {
	var allocation RMAllocation
	err := tx.Preload("Mo").First(&allocation, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &allocation, nil
}

// ListAllocationsByMo returns every allocation for the order, newest first.
func ListAllocationsByMo(ctx context.Context, moId int) ([]RMAllocation, error) {
	db := config.GetDB()
	var allocations []RMAllocation
	err := db.WithContext(ctx).
		Preload("RawMaterial").
		Where("mo_id = ?", moId).
		Order("allocated_at DESC").
		Find(&allocations).Error
	return allocations, err
}

// ReservedQuantityTx sums the reserved allocations of a material, excluding
// the given order's own holds. Availability checks subtract this from the
// balance so planning sees what reservations have spoken for, even though
// reservations never touch the balance itself.
func ReservedQuantityTx(tx *gorm.DB, rawMaterialId int, excludeMoId int) (decimal.Decimal, error) {
	var row struct {
		ReservedKg decimal.Decimal
	}
	err := tx.Model(&RMAllocation{}).
		Select("COALESCE(SUM(allocated_quantity_kg), 0) AS reserved_kg").
		Where("raw_material_id = ? AND status = ? AND mo_id <> ?",
			rawMaterialId, AllocationStatusReserved, excludeMoId).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, err
	}
	return row.ReservedKg, nil
}

// ListAllocationHistory returns the audit trail for one allocation in the
// order the actions happened.
func ListAllocationHistory(ctx context.Context, allocationId int) ([]RMAllocationHistory, error) {
	db := config.GetDB()
	var rows []RMAllocationHistory
	err := db.WithContext(ctx).
		Where("allocation_id = ?", allocationId).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}
