package workflow

import (
	"context"
	"sort"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/models"
	"bitbucket.org/microsprings/factory_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type NewAllocation struct {
	MoId         int             `json:"mo_id" binding:"required"`
	QuantityKg   decimal.Decimal `json:"quantity_kg" binding:"required"`
	CanBeSwapped *bool           `json:"can_be_swapped"`
	Notes        string          `json:"notes"`
}

// SwapCandidate is a reserved allocation on a lower-priority order that a
// swap could take material from.
type SwapCandidate struct {
	Allocation models.RMAllocation `json:"allocation"`
	MoNumber   string              `json:"mo_number"`
	Priority   models.MOPriority   `json:"priority"`
	QuantityKg decimal.Decimal     `json:"quantity_kg"`
}

type AvailabilityResult struct {
	RawMaterialId     int             `json:"raw_material_id"`
	RequiredKg        decimal.Decimal `json:"required_kg"`
	AvailableKg       decimal.Decimal `json:"available_kg"`
	ShortfallKg       decimal.Decimal `json:"shortfall_kg"`
	Available         bool            `json:"available"`
	SwapCandidates    []SwapCandidate `json:"swap_candidates"`
	SwappableKg       decimal.Decimal `json:"swappable_kg"`
	CanFulfillViaSwap bool            `json:"can_fulfill_via_swap"`
}

// ReserveAllocation places a soft hold of the order's raw material. The hold
// does not deduct stock, so several reservations may lean on the same
// physical quantity; the hard check happens at lock time.
func ReserveAllocation(ctx context.Context, logger *logrus.Logger, input NewAllocation, actor models.Actor) (*models.RMAllocation, error) {
	mo, err := models.GetManufacturingOrder(ctx, input.MoId)
	if err != nil {
		config.LogError(logger, "allocationWorkflow.go", "ReserveAllocation", "GetManufacturingOrder", input.MoId, err)
		return nil, err
	}
	if !input.QuantityKg.IsPositive() {
		return nil, models.ErrInvalidQuantity
	}

	releaseGuard, err := utils.MaterialLock(ctx, mo.RawMaterialId, "allocationWorkflow.go", "ReserveAllocation")
	if err != nil {
		return nil, err
	}
	defer releaseGuard()

	var allocation *models.RMAllocation
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireMaterialPostingLock(tx, mo.RawMaterialId); err != nil {
			return err
		}
		defer ReleaseMaterialPostingLock(tx, mo.RawMaterialId)

		material, err := models.GetRawMaterialTx(tx, mo.RawMaterialId)
		if err != nil {
			return err
		}
		availableKg, err := models.AvailableStockKgTx(tx, mo.RawMaterialId)
		if err != nil {
			return err
		}
		if availableKg.LessThan(input.QuantityKg) {
			return models.InsufficientStockError(material.MaterialCode, input.QuantityKg, availableKg)
		}

		canSwap := utils.NewTrue()
		if input.CanBeSwapped != nil {
			canSwap = input.CanBeSwapped
		}
		allocation = &models.RMAllocation{
			MoId:                mo.ID,
			RawMaterialId:       mo.RawMaterialId,
			AllocatedQuantityKg: input.QuantityKg,
			Status:              models.AllocationStatusReserved,
			CanBeSwapped:        canSwap,
			AllocatedBy:         actor.Name,
		}
		// db action
		if err := tx.Create(allocation).Error; err != nil {
			return err
		}
		return models.AppendAllocationHistoryTx(tx, allocation, models.AllocationActionReserved, actor, input.Notes)
	})
	if err != nil {
		config.LogError(logger, "allocationWorkflow.go", "ReserveAllocation", "Transaction", input, err)
		return nil, err
	}
	return allocation, nil
}

// FindSwappableAllocationsTx lists reserved allocations of the material whose
// order priority ranks strictly below targetPriority. Only orders still on
// hold may be preempted; once an order is approved its material stays put.
// Lowest priority first, oldest first within a priority, so swaps always
// take from the least important work.
func FindSwappableAllocationsTx(tx *gorm.DB, rawMaterialId int, targetPriority models.MOPriority) ([]SwapCandidate, error) {
	lower := models.PrioritiesBelow(targetPriority)
	if len(lower) == 0 {
		return nil, nil
	}

	var allocations []models.RMAllocation
	err := tx.Preload("Mo").
		Joins("JOIN manufacturing_orders mo ON mo.id = rm_allocations.mo_id").
		Where("rm_allocations.raw_material_id = ? AND rm_allocations.status = ?",
			rawMaterialId, models.AllocationStatusReserved).
		Where("rm_allocations.can_be_swapped = ?", true).
		Where("mo.priority IN ?", lower).
		Where("mo.status = ?", models.MOStatusOnHold).
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}

	candidates := make([]SwapCandidate, 0, len(allocations))
	for _, allocation := range allocations {
		if allocation.Mo == nil {
			continue
		}
		candidates = append(candidates, SwapCandidate{
			Allocation: allocation,
			MoNumber:   allocation.Mo.MoNumber,
			Priority:   allocation.Mo.Priority,
			QuantityKg: allocation.AllocatedQuantityKg,
		})
	}
	sortSwapCandidates(candidates)
	return candidates, nil
}

func sortSwapCandidates(candidates []SwapCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].Allocation.AllocatedAt.Before(candidates[j].Allocation.AllocatedAt)
	})
}

// planSwaps picks candidates in order until they cover requiredKg. Returns
// the chosen candidates and the quantity they free up; ok is false when even
// all of them together fall short.
func planSwaps(candidates []SwapCandidate, requiredKg decimal.Decimal) (chosen []SwapCandidate, freedKg decimal.Decimal, ok bool) {
	freedKg = decimal.Zero
	for _, candidate := range candidates {
		if freedKg.GreaterThanOrEqual(requiredKg) {
			break
		}
		chosen = append(chosen, candidate)
		freedKg = freedKg.Add(candidate.QuantityKg)
	}
	return chosen, freedKg, freedKg.GreaterThanOrEqual(requiredKg)
}

// effectiveAvailableKgTx is the planning view of stock: the balance minus
// what other orders' reservations have already spoken for. Reservations are
// soft and never move the balance, so availability has to net them off here.
func effectiveAvailableKgTx(tx *gorm.DB, rawMaterialId int, excludeMoId int) (decimal.Decimal, error) {
	availableKg, err := models.AvailableStockKgTx(tx, rawMaterialId)
	if err != nil {
		return decimal.Zero, err
	}
	reservedKg, err := models.ReservedQuantityTx(tx, rawMaterialId, excludeMoId)
	if err != nil {
		return decimal.Zero, err
	}
	return availableKg.Sub(reservedKg), nil
}

// CheckAvailability reports whether the order's remaining requirement can be
// met from free stock, and if not, whether swapping lower-priority
// reservations would cover the shortfall.
func CheckAvailability(ctx context.Context, logger *logrus.Logger, moId int) (*AvailabilityResult, error) {
	mo, err := models.GetManufacturingOrder(ctx, moId)
	if err != nil {
		return nil, err
	}

	result := &AvailabilityResult{
		RawMaterialId: mo.RawMaterialId,
		RequiredKg:    mo.RmRequiredKg,
		ShortfallKg:   decimal.Zero,
		SwappableKg:   decimal.Zero,
	}
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		availableKg, err := effectiveAvailableKgTx(tx, mo.RawMaterialId, mo.ID)
		if err != nil {
			return err
		}
		result.AvailableKg = availableKg
		if availableKg.GreaterThanOrEqual(mo.RmRequiredKg) {
			result.Available = true
			return nil
		}
		result.ShortfallKg = mo.RmRequiredKg.Sub(availableKg)

		candidates, err := FindSwappableAllocationsTx(tx, mo.RawMaterialId, mo.Priority)
		if err != nil {
			return err
		}
		result.SwapCandidates = candidates
		for _, candidate := range candidates {
			result.SwappableKg = result.SwappableKg.Add(candidate.QuantityKg)
		}
		result.CanFulfillViaSwap = result.SwappableKg.GreaterThanOrEqual(result.ShortfallKg)
		return nil
	})
	if err != nil {
		config.LogError(logger, "allocationWorkflow.go", "CheckAvailability", "Transaction", moId, err)
		return nil, err
	}
	return result, nil
}

// SwapAllocation takes a reserved allocation away from its order and creates
// a fresh reservation of the same quantity on targetMoId. The target order
// must outrank the source order strictly; equal priority never preempts.
// The source allocation ends in swapped, a terminal status.
func SwapAllocation(ctx context.Context, logger *logrus.Logger, allocationId int, targetMoId int, actor models.Actor) (*models.RMAllocation, error) {
	var newAllocation *models.RMAllocation
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		allocation, err := models.GetAllocationTx(tx, allocationId)
		if err != nil {
			return err
		}
		if err := AcquireMaterialPostingLock(tx, allocation.RawMaterialId); err != nil {
			return err
		}
		defer ReleaseMaterialPostingLock(tx, allocation.RawMaterialId)

		targetMo, err := models.GetManufacturingOrderTx(tx, targetMoId)
		if err != nil {
			return err
		}
		var created *models.RMAllocation
		created, err = swapAllocationTx(tx, allocation, targetMo, actor)
		if err != nil {
			return err
		}
		newAllocation = created
		return nil
	})
	if err != nil {
		config.LogError(logger, "allocationWorkflow.go", "SwapAllocation", "Transaction", allocationId, err)
		return nil, err
	}
	return newAllocation, nil
}

func swapAllocationTx(tx *gorm.DB, allocation *models.RMAllocation, targetMo *models.ManufacturingOrder, actor models.Actor) (*models.RMAllocation, error) {
	if allocation.Mo == nil {
		mo, err := models.GetManufacturingOrderTx(tx, allocation.MoId)
		if err != nil {
			return nil, err
		}
		allocation.Mo = mo
	}
	if targetMo.RawMaterialId != allocation.RawMaterialId {
		return nil, models.ErrMaterialMismatch
	}
	if targetMo.Priority.Rank() <= allocation.Mo.Priority.Rank() {
		return nil, models.ErrPriorityTooLow
	}

	reason := "swapped to " + targetMo.MoNumber
	allocation.SwappedToMoId = &targetMo.ID
	allocation.SwapReason = reason
	if err := tx.Model(&models.RMAllocation{}).
		Where("id = ?", allocation.ID).
		Updates(map[string]interface{}{
			"swapped_to_mo_id": targetMo.ID,
			"swap_reason":      reason,
		}).Error; err != nil {
		return nil, err
	}
	err := allocation.TransitionTx(tx, models.AllocationStatusSwapped, models.AllocationActionSwapped, actor, reason)
	if err != nil {
		return nil, err
	}

	newAllocation := &models.RMAllocation{
		MoId:                targetMo.ID,
		RawMaterialId:       allocation.RawMaterialId,
		AllocatedQuantityKg: allocation.AllocatedQuantityKg,
		Status:              models.AllocationStatusReserved,
		CanBeSwapped:        utils.NewTrue(),
		AllocatedBy:         actor.Name,
	}
	if err := tx.Create(newAllocation).Error; err != nil {
		return nil, err
	}
	err = models.AppendAllocationHistoryTx(tx, newAllocation, models.AllocationActionReserved, actor,
		"reserved via swap from allocation of "+allocation.Mo.MoNumber)
	if err != nil {
		return nil, err
	}
	return newAllocation, nil
}

// AutoSwapResult reports what an auto-swap run achieved. A shortfall above
// zero means the swappable pool could not fully cover the order; the swaps
// that were possible have still been performed.
type AutoSwapResult struct {
	MoId              int                   `json:"mo_id"`
	SwappedCount      int                   `json:"swapped_count"`
	CoveredQuantityKg decimal.Decimal       `json:"covered_quantity_kg"`
	ShortfallKg       decimal.Decimal       `json:"shortfall_kg"`
	FullyCovered      bool                  `json:"fully_covered"`
	SwappedIn         []models.RMAllocation `json:"swapped_in"`
}

// AutoSwapForMo covers the order's shortfall by swapping lower-priority
// reservations, least important and oldest first, until the shortfall is
// met or the pool runs dry. Partial cover is still performed and reported,
// with the quantity that remains short.
func AutoSwapForMo(ctx context.Context, logger *logrus.Logger, moId int, actor models.Actor) (*AutoSwapResult, error) {
	mo, err := models.GetManufacturingOrder(ctx, moId)
	if err != nil {
		return nil, err
	}

	releaseGuard, err := utils.MaterialLock(ctx, mo.RawMaterialId, "allocationWorkflow.go", "AutoSwapForMo")
	if err != nil {
		return nil, err
	}
	defer releaseGuard()

	result := &AutoSwapResult{
		MoId:              moId,
		CoveredQuantityKg: decimal.Zero,
		ShortfallKg:       decimal.Zero,
	}
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireMaterialPostingLock(tx, mo.RawMaterialId); err != nil {
			return err
		}
		defer ReleaseMaterialPostingLock(tx, mo.RawMaterialId)

		target, err := models.GetManufacturingOrderTx(tx, moId)
		if err != nil {
			return err
		}
		availableKg, err := effectiveAvailableKgTx(tx, mo.RawMaterialId, target.ID)
		if err != nil {
			return err
		}
		if availableKg.GreaterThanOrEqual(target.RmRequiredKg) {
			result.FullyCovered = true
			return nil
		}
		shortfallKg := target.RmRequiredKg.Sub(availableKg)

		candidates, err := FindSwappableAllocationsTx(tx, mo.RawMaterialId, target.Priority)
		if err != nil {
			return err
		}
		chosen, freedKg, _ := planSwaps(candidates, shortfallKg)

		for _, candidate := range chosen {
			allocation := candidate.Allocation
			newAllocation, err := swapAllocationTx(tx, &allocation, target, actor)
			if err != nil {
				return err
			}
			result.SwappedIn = append(result.SwappedIn, *newAllocation)
		}

		result.SwappedCount = len(chosen)
		result.CoveredQuantityKg = freedKg
		remaining := shortfallKg.Sub(freedKg)
		if remaining.IsPositive() {
			result.ShortfallKg = remaining
		}
		result.FullyCovered = !result.ShortfallKg.IsPositive()
		return nil
	})
	if err != nil {
		config.LogError(logger, "allocationWorkflow.go", "AutoSwapForMo", "Transaction", moId, err)
		return nil, err
	}
	return result, nil
}

// LockAllocation turns a reservation into a hard deduction from the stock
// balance. Locking an already locked allocation is a no-op so retries are
// safe. This is the only point where allocation state touches the balance.
func LockAllocation(ctx context.Context, logger *logrus.Logger, allocationId int, actor models.Actor) (*models.RMAllocation, error) {
	current, err := models.GetAllocation(ctx, allocationId)
	if err != nil {
		return nil, err
	}

	// Held across commit. The db advisory lock alone is released when the
	// transaction closure returns, which is before COMMIT, and a contender
	// reading in that window would see the pre-commit balance.
	releaseGuard, err := utils.MaterialLock(ctx, current.RawMaterialId, "allocationWorkflow.go", "LockAllocation")
	if err != nil {
		return nil, err
	}
	defer releaseGuard()

	var locked *models.RMAllocation
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		allocation, err := models.GetAllocationTx(tx, allocationId)
		if err != nil {
			return err
		}
		if allocation.Status == models.AllocationStatusLocked {
			locked = allocation
			return nil
		}
		if err := AcquireMaterialPostingLock(tx, allocation.RawMaterialId); err != nil {
			return err
		}
		defer ReleaseMaterialPostingLock(tx, allocation.RawMaterialId)

		availableKg, err := models.AvailableStockKgTx(tx, allocation.RawMaterialId)
		if err != nil {
			return err
		}
		if availableKg.LessThan(allocation.AllocatedQuantityKg) {
			material, err := models.GetRawMaterialTx(tx, allocation.RawMaterialId)
			if err != nil {
				return err
			}
			return models.InsufficientStockError(material.MaterialCode, allocation.AllocatedQuantityKg, availableKg)
		}

		err = allocation.TransitionTx(tx, models.AllocationStatusLocked, models.AllocationActionLocked, actor, "")
		if err != nil {
			return err
		}
		_, err = models.AdjustLockedQuantityTx(tx, allocation.RawMaterialId, allocation.AllocatedQuantityKg)
		if err != nil {
			return err
		}
		if allocation.Mo != nil && allocation.Mo.Status == models.MOStatusOnHold {
			if err := models.SetManufacturingOrderStatus(tx, allocation.Mo, models.MOStatusApproved); err != nil {
				return err
			}
		}
		locked = allocation
		return nil
	})
	if err != nil {
		config.LogError(logger, "allocationWorkflow.go", "LockAllocation", "Transaction", allocationId, err)
		return nil, err
	}
	return locked, nil
}

// ReleaseAllocation ends an allocation. Releasing a reservation only closes
// the hold; releasing a locked allocation also returns its quantity to the
// available balance.
func ReleaseAllocation(ctx context.Context, logger *logrus.Logger, allocationId int, actor models.Actor, notes string) (*models.RMAllocation, error) {
	current, err := models.GetAllocation(ctx, allocationId)
	if err != nil {
		return nil, err
	}

	releaseGuard, err := utils.MaterialLock(ctx, current.RawMaterialId, "allocationWorkflow.go", "ReleaseAllocation")
	if err != nil {
		return nil, err
	}
	defer releaseGuard()

	var released *models.RMAllocation
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		allocation, err := models.GetAllocationTx(tx, allocationId)
		if err != nil {
			return err
		}
		if err := AcquireMaterialPostingLock(tx, allocation.RawMaterialId); err != nil {
			return err
		}
		defer ReleaseMaterialPostingLock(tx, allocation.RawMaterialId)

		wasLocked := allocation.Status == models.AllocationStatusLocked
		err = allocation.TransitionTx(tx, models.AllocationStatusReleased, models.AllocationActionReleased, actor, notes)
		if err != nil {
			return err
		}
		if wasLocked {
			_, err = models.AdjustLockedQuantityTx(tx, allocation.RawMaterialId, allocation.AllocatedQuantityKg.Neg())
			if err != nil {
				return err
			}
		}
		released = allocation
		return nil
	})
	if err != nil {
		config.LogError(logger, "allocationWorkflow.go", "ReleaseAllocation", "Transaction", allocationId, err)
		return nil, err
	}
	return released, nil
}
