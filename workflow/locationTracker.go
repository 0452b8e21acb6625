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

type NewMovement struct {
	TransactionType       models.TransactionType           `json:"transaction_type" binding:"required"`
	ItemType              models.ItemType                  `json:"item_type" binding:"required"`
	ItemId                int                              `json:"item_id" binding:"required"`
	Quantity              decimal.Decimal                  `json:"quantity" binding:"required"`
	SourceLocationId      *int                             `json:"source_location_id"`
	DestinationLocationId *int                             `json:"destination_location_id"`
	HeatNumberId          *int                             `json:"heat_number_id"`
	ReferenceType         *models.TransactionReferenceType `json:"reference_type"`
	ReferenceId           *int                             `json:"reference_id"`
	IdempotencyKey        *string                          `json:"idempotency_key"`
	Notes                 string                           `json:"notes"`
}

func (input *NewMovement) ref() (models.ItemRef, error) {
	switch input.ItemType {
	case models.ItemTypeProduct:
		return models.ProductRef(input.ItemId), nil
	case models.ItemTypeRawMaterial:
		return models.RawMaterialRef(input.ItemId), nil
	case models.ItemTypeBatch:
		return models.BatchRef(input.ItemId), nil
	}
	return models.ItemRef{}, errors.New("invalid item type")
}

// RecordMovement appends one ledger row and folds it into the current-location
// index in the same transaction. The ledger row is the source of truth; the
// index is the derived O(1) answer to "where is it now".
func RecordMovement(ctx context.Context, logger *logrus.Logger, input NewMovement, actor models.Actor) (*models.InventoryTransaction, error) {
	ref, err := input.ref()
	if err != nil {
		return nil, err
	}

	var txn *models.InventoryTransaction
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = recordMovementTx(tx, input, ref, actor)
		return err
	})
	if err != nil {
		config.LogError(logger, "locationTracker.go", "RecordMovement", "Transaction", input, err)
		return nil, err
	}
	return txn, nil
}

func recordMovementTx(tx *gorm.DB, input NewMovement, ref models.ItemRef, actor models.Actor) (*models.InventoryTransaction, error) {
	if err := ref.ValidateExistsTx(tx); err != nil {
		return nil, err
	}
	if err := validateLocationTx(tx, input.SourceLocationId); err != nil {
		return nil, err
	}
	if err := validateLocationTx(tx, input.DestinationLocationId); err != nil {
		return nil, err
	}

	if input.IdempotencyKey != nil {
		input.IdempotencyKey = utils.NilIfEmpty(*input.IdempotencyKey)
	}
	// Retried requests replay as a read of the original row, not a second
	// movement.
	if input.IdempotencyKey != nil {
		var existing models.InventoryTransaction
		err := tx.Where("idempotency_key = ?", *input.IdempotencyKey).First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	txn := &models.InventoryTransaction{
		TransactionType:       input.TransactionType,
		ItemType:              ref.ItemType,
		ProductId:             ref.ProductId,
		RawMaterialId:         ref.RawMaterialId,
		BatchId:               ref.BatchId,
		Quantity:              input.Quantity,
		SourceLocationId:      input.SourceLocationId,
		DestinationLocationId: input.DestinationLocationId,
		HeatNumberId:          input.HeatNumberId,
		ReferenceType:         input.ReferenceType,
		ReferenceId:           input.ReferenceId,
		Notes:                 input.Notes,
		IdempotencyKey:        input.IdempotencyKey,
		PerformedBy:           actor.Name,
	}
	// db action
	if err := tx.Create(txn).Error; err != nil {
		return nil, err
	}

	err := applyMovementToIndexTx(tx, ref, input.Quantity, input.SourceLocationId, input.DestinationLocationId, actor)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func validateLocationTx(tx *gorm.DB, locationId *int) error {
	if locationId == nil {
		return nil
	}
	var count int64
	err := tx.Model(&models.Location{}).
		Where("id = ? AND is_active = true", *locationId).Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return models.ErrLocationNotFound
	}
	return nil
}

// applyMovementToIndexTx updates the (item, location) rows for one movement.
//
// A full move with nothing already at the destination relocates the existing
// row in place, so an item's index row keeps its identity as it walks through
// the factory. Partial moves split the quantity across two rows; moving onto
// a location that already holds the item merges. Rows drained to zero are
// deleted, the index never stores zero quantities.
func applyMovementToIndexTx(tx *gorm.DB, ref models.ItemRef, quantity decimal.Decimal, sourceId, destinationId *int, actor models.Actor) error {
	now := time.Now()

	if sourceId != nil {
		sourceRow, err := models.FindItemLocationAtTx(tx, ref, *sourceId)
		if err != nil {
			return err
		}
		if sourceRow == nil {
			return errors.New("item has no stock at source location")
		}
		if sourceRow.Quantity.LessThan(quantity) {
			return errors.New("insufficient quantity at source location")
		}

		fullMove := sourceRow.Quantity.Equal(quantity)
		if fullMove && destinationId != nil {
			destinationRow, err := models.FindItemLocationAtTx(tx, ref, *destinationId)
			if err != nil {
				return err
			}
			if destinationRow == nil {
				// relocate the row, its id survives the move; updates run on
				// the fetched row so the BeforeSave hook sees real data
				return tx.Model(sourceRow).
					Updates(map[string]interface{}{
						"location_id": *destinationId,
						"moved_at":    now,
						"moved_by":    actor.Name,
					}).Error
			}
			// merge into the existing destination row
			err = tx.Model(destinationRow).
				Updates(map[string]interface{}{
					"quantity": destinationRow.Quantity.Add(quantity),
					"moved_at": now,
					"moved_by": actor.Name,
				}).Error
			if err != nil {
				return err
			}
			return tx.Delete(&models.ItemLocation{}, sourceRow.ID).Error
		}

		if fullMove {
			// outward, consumption or scrap drains the row
			if err := tx.Delete(&models.ItemLocation{}, sourceRow.ID).Error; err != nil {
				return err
			}
		} else {
			err := tx.Model(sourceRow).
				Update("quantity", sourceRow.Quantity.Sub(quantity)).Error
			if err != nil {
				return err
			}
		}
	}

	// full moves with a destination returned above, so anything reaching
	// here still owes the destination its quantity
	if destinationId != nil {
		return upsertItemLocationTx(tx, ref, *destinationId, quantity, actor, now)
	}
	return nil
}

func upsertItemLocationTx(tx *gorm.DB, ref models.ItemRef, locationId int, quantity decimal.Decimal, actor models.Actor, now time.Time) error {
	row, err := models.FindItemLocationAtTx(tx, ref, locationId)
	if err != nil {
		return err
	}
	if row == nil {
		newRow := models.ItemLocation{
			ItemType:      ref.ItemType,
			ProductId:     ref.ProductId,
			RawMaterialId: ref.RawMaterialId,
			BatchId:       ref.BatchId,
			LocationId:    locationId,
			Quantity:      quantity,
			MovedAt:       now,
			MovedBy:       actor.Name,
		}
		return tx.Create(&newRow).Error
	}
	return tx.Model(row).
		Updates(map[string]interface{}{
			"quantity": row.Quantity.Add(quantity),
			"moved_at": now,
			"moved_by": actor.Name,
		}).Error
}

// CurrentLocation answers where an item is right now, straight from the
// index without touching the ledger.
func CurrentLocation(ctx context.Context, itemType models.ItemType, itemId int) ([]models.ItemLocation, error) {
	input := NewMovement{ItemType: itemType, ItemId: itemId}
	ref, err := input.ref()
	if err != nil {
		return nil, err
	}
	return models.GetCurrentLocations(ctx, ref)
}

// MovementHistory returns the ledger trail for one item, newest first.
func MovementHistory(ctx context.Context, itemType models.ItemType, itemId int, limit int) ([]models.InventoryTransaction, error) {
	input := NewMovement{ItemType: itemType, ItemId: itemId}
	ref, err := input.ref()
	if err != nil {
		return nil, err
	}
	return models.ListInventoryTransactions(ctx, models.TransactionFilter{Item: &ref, Limit: limit})
}
