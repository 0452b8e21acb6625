package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/models"
	"bitbucket.org/microsprings/factory_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type NewHeatLot struct {
	HeatNo          string          `json:"heat_no" binding:"required"`
	RawMaterialId   int             `json:"raw_material_id" binding:"required"`
	TotalWeightKg   decimal.Decimal `json:"total_weight_kg" binding:"required"`
	CoilsReceived   int             `json:"coils_received"`
	SheetsReceived  int             `json:"sheets_received"`
	StorageLocation string          `json:"storage_location"`
	RackNumber      string          `json:"rack_number"`
	ShelfNumber     string          `json:"shelf_number"`
}

type NewGRMReceipt struct {
	SupplierName string       `json:"supplier_name" binding:"required"`
	TruckNumber  string       `json:"truck_number"`
	DriverName   string       `json:"driver_name"`
	ReceiptDate  time.Time    `json:"receipt_date"`
	Notes        string       `json:"notes"`
	Heats        []NewHeatLot `json:"heats" binding:"required,min=1,dive"`
}

// ReceiveLots books a goods receipt with its heat numbers. The heats are
// created unavailable: they hold no stock until the receipt passes its
// quality check, so a bad consignment never enters the balance.
func ReceiveLots(ctx context.Context, logger *logrus.Logger, input NewGRMReceipt, actor models.Actor) (*models.GRMReceipt, error) {
	if input.ReceiptDate.IsZero() {
		input.ReceiptDate = time.Now()
	}

	var receipt *models.GRMReceipt
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		receipt = &models.GRMReceipt{
			SupplierName: input.SupplierName,
			TruckNumber:  input.TruckNumber,
			DriverName:   input.DriverName,
			ReceiptDate:  input.ReceiptDate,
			ReceivedBy:   actor.Id,
			Status:       models.GrmStatusPending,
			Notes:        input.Notes,
		}
		// db action
		if err := tx.Create(receipt).Error; err != nil {
			return err
		}

		for _, lot := range input.Heats {
			material, err := models.GetRawMaterialTx(tx, lot.RawMaterialId)
			if err != nil {
				return err
			}
			heat := models.HeatNumber{
				HeatNo:          lot.HeatNo,
				GrmReceiptId:    receipt.ID,
				RawMaterialId:   lot.RawMaterialId,
				TotalWeightKg:   lot.TotalWeightKg,
				CoilsReceived:   lot.CoilsReceived,
				SheetsReceived:  lot.SheetsReceived,
				IsAvailable:     utils.NewFalse(),
				StorageLocation: lot.StorageLocation,
				RackNumber:      lot.RackNumber,
				ShelfNumber:     lot.ShelfNumber,
			}
			if err := heat.Validate(material); err != nil {
				return err
			}
			if err := tx.Create(&heat).Error; err != nil {
				return err
			}
			receipt.HeatNumbers = append(receipt.HeatNumbers, heat)
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "lotWorkflow.go", "ReceiveLots", "Transaction", input, err)
		return nil, err
	}
	return receipt, nil
}

// VerifyGRMReceipt records the quality check outcome. A pass flips every heat
// in the consignment to available, posts the inward ledger rows into the raw
// material store and recomputes the affected balances, all in one
// transaction. A fail cancels the receipt and the heats never enter stock.
func VerifyGRMReceipt(ctx context.Context, logger *logrus.Logger, grmReceiptId int, passed bool, actor models.Actor) (*models.GRMReceipt, error) {
	var receipt *models.GRMReceipt
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		receipt, err = models.GetGRMReceiptTx(tx, grmReceiptId)
		if err != nil {
			return err
		}
		if receipt.Status != models.GrmStatusPending {
			return errors.New("receipt already verified")
		}

		now := time.Now()
		updates := map[string]interface{}{
			"quality_check_passed": passed,
			"quality_check_by":     actor.Id,
			"quality_check_date":   now,
		}
		if !passed {
			updates["status"] = models.GrmStatusCancelled
			err = tx.Model(&models.GRMReceipt{}).Where("id = ?", receipt.ID).Updates(updates).Error
			if err != nil {
				return err
			}
			receipt.Status = models.GrmStatusCancelled
			return nil
		}
		updates["status"] = models.GrmStatusCompleted
		if err := tx.Model(&models.GRMReceipt{}).Where("id = ?", receipt.ID).Updates(updates).Error; err != nil {
			return err
		}
		receipt.Status = models.GrmStatusCompleted

		store, err := findLocationByCodeTx(tx, "RM_STORE")
		if err != nil {
			return err
		}

		grmRef := models.TransactionReferenceTypeGRM
		materialIds := make([]int, 0, len(receipt.HeatNumbers))
		lastTxnByMaterial := make(map[int]int, len(receipt.HeatNumbers))
		for i := range receipt.HeatNumbers {
			heat := &receipt.HeatNumbers[i]
			if err := AcquireMaterialPostingLock(tx, heat.RawMaterialId); err != nil {
				return err
			}
			defer ReleaseMaterialPostingLock(tx, heat.RawMaterialId)

			// model hooks validate the receiver, so the update runs on the
			// populated row rather than a bare table handle
			if err := tx.Model(heat).Update("is_available", true).Error; err != nil {
				return err
			}
			heat.IsAvailable = utils.NewTrue()

			heatId := heat.ID
			receiptId := receipt.ID
			txn, err := recordMovementTx(tx, NewMovement{
				TransactionType:       models.TransactionTypeInward,
				ItemType:              models.ItemTypeRawMaterial,
				ItemId:                heat.RawMaterialId,
				Quantity:              heat.TotalWeightKg,
				DestinationLocationId: &store.ID,
				HeatNumberId:          &heatId,
				ReferenceType:         &grmRef,
				ReferenceId:           &receiptId,
				Notes:                 "inward " + receipt.GrmNumber + " heat " + heat.HeatNo,
			}, models.RawMaterialRef(heat.RawMaterialId), actor)
			if err != nil {
				return err
			}

			materialIds = append(materialIds, heat.RawMaterialId)
			lastTxnByMaterial[heat.RawMaterialId] = txn.ID
		}
		// one recompute per material, not per heat
		for _, materialId := range utils.UniqueSlice(materialIds) {
			lastTxnId := lastTxnByMaterial[materialId]
			if _, err := models.RecomputeStockBalanceTx(tx, materialId, &lastTxnId); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "lotWorkflow.go", "VerifyGRMReceipt", "Transaction", grmReceiptId, err)
		return nil, err
	}
	return receipt, nil
}

type ConsumeHeatInput struct {
	HeatNumberId int             `json:"heat_number_id" binding:"required"`
	QuantityKg   decimal.Decimal `json:"quantity_kg" binding:"required"`
	AllocationId *int            `json:"allocation_id"`
	MoId         *int            `json:"mo_id"`
	Notes        string          `json:"notes"`
}

// ConsumeHeat advances a lot's consumption counter for material drawn into
// production, posts the consumption ledger row out of the raw material store
// and refreshes the balance. When the draw fulfils a locked allocation the
// locked bucket shrinks with the stock, so the available figure is untouched.
// A lot drained to zero drops out of availability for good.
func ConsumeHeat(ctx context.Context, logger *logrus.Logger, input ConsumeHeatInput, actor models.Actor) (*models.HeatNumber, error) {
	if !input.QuantityKg.IsPositive() {
		return nil, models.ErrInvalidQuantity
	}
	heat, err := models.GetHeatNumber(ctx, input.HeatNumberId)
	if err != nil {
		return nil, err
	}

	releaseGuard, err := utils.MaterialLock(ctx, heat.RawMaterialId, "lotWorkflow.go", "ConsumeHeat")
	if err != nil {
		return nil, err
	}
	defer releaseGuard()

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireMaterialPostingLock(tx, heat.RawMaterialId); err != nil {
			return err
		}
		defer ReleaseMaterialPostingLock(tx, heat.RawMaterialId)

		heat, err = models.GetHeatNumberTx(tx, input.HeatNumberId)
		if err != nil {
			return err
		}
		if !utils.DereferencePtr(heat.IsAvailable) {
			return errors.New("heat number is not available")
		}
		if heat.AvailableQuantityKg().LessThan(input.QuantityKg) {
			return models.InsufficientLotQuantityError(heat.HeatNo, input.QuantityKg, heat.AvailableQuantityKg())
		}

		var fulfilledAllocation *models.RMAllocation
		if input.AllocationId != nil {
			fulfilledAllocation, err = models.GetAllocationTx(tx, *input.AllocationId)
			if err != nil {
				return err
			}
			if fulfilledAllocation.Status != models.AllocationStatusLocked {
				return errors.New("consumption can only fulfil a locked allocation")
			}
			if fulfilledAllocation.RawMaterialId != heat.RawMaterialId {
				return models.ErrMaterialMismatch
			}
		}

		heat.ConsumedQuantityKg = heat.ConsumedQuantityKg.Add(input.QuantityKg)
		exhausted := heat.ConsumedQuantityKg.GreaterThanOrEqual(heat.TotalWeightKg)
		if exhausted {
			heat.IsAvailable = utils.NewFalse()
		}
		// db action
		if err := tx.Save(heat).Error; err != nil {
			return err
		}

		store, err := findLocationByCodeTx(tx, "RM_STORE")
		if err != nil {
			return err
		}
		moRef := models.TransactionReferenceTypeMO
		movement := NewMovement{
			TransactionType:  models.TransactionTypeConsumption,
			ItemType:         models.ItemTypeRawMaterial,
			ItemId:           heat.RawMaterialId,
			Quantity:         input.QuantityKg,
			SourceLocationId: &store.ID,
			HeatNumberId:     &input.HeatNumberId,
			Notes:            input.Notes,
		}
		if input.MoId != nil {
			movement.ReferenceType = &moRef
			movement.ReferenceId = input.MoId
		}
		txn, err := recordMovementTx(tx, movement, models.RawMaterialRef(heat.RawMaterialId), actor)
		if err != nil {
			return err
		}

		if fulfilledAllocation != nil {
			_, err = models.AdjustLockedQuantityTx(tx, heat.RawMaterialId, input.QuantityKg.Neg())
			if err != nil {
				return err
			}
		}
		_, err = models.RecomputeStockBalanceTx(tx, heat.RawMaterialId, &txn.ID)
		return err
	})
	if err != nil {
		config.LogError(logger, "lotWorkflow.go", "ConsumeHeat", "Transaction", input, err)
		return nil, err
	}
	return heat, nil
}

func findLocationByCodeTx(tx *gorm.DB, code string) (*models.Location, error) {
	var location models.Location
	err := tx.Where("location_code = ? AND is_active = true", code).First(&location).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.ErrLocationNotFound
		}
		return nil, err
	}
	return &location, nil
}
