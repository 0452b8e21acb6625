package models

import (
	"errors"

	"gorm.io/gorm"
)

// ItemRef identifies the thing being tracked: a product, a raw material or a
// production batch. Exactly one id is set. Movement and location rows carry
// the same three nullable columns, and every query path funnels through the
// helpers here so a new item type cannot be added without updating one switch.
type ItemRef struct {
	ItemType      ItemType
	ProductId     *int
	RawMaterialId *int
	BatchId       *int
}

func ProductRef(id int) ItemRef {
	return ItemRef{ItemType: ItemTypeProduct, ProductId: &id}
}

func RawMaterialRef(id int) ItemRef {
	return ItemRef{ItemType: ItemTypeRawMaterial, RawMaterialId: &id}
}

func BatchRef(id int) ItemRef {
	return ItemRef{ItemType: ItemTypeBatch, BatchId: &id}
}

// Validate checks that the id matching ItemType is set and the other two are
// not.
func (r ItemRef) Validate() error {
	set := 0
	if r.ProductId != nil {
		set++
	}
	if r.RawMaterialId != nil {
		set++
	}
	if r.BatchId != nil {
		set++
	}
	if set != 1 {
		return errors.New("item ref must set exactly one of product, raw material or batch")
	}
	switch r.ItemType {
	case ItemTypeProduct:
		if r.ProductId == nil {
			return errors.New("item type product requires product id")
		}
	case ItemTypeRawMaterial:
		if r.RawMaterialId == nil {
			return errors.New("item type raw_material requires raw material id")
		}
	case ItemTypeBatch:
		if r.BatchId == nil {
			return errors.New("item type batch requires batch id")
		}
	default:
		return errors.New("invalid item type")
	}
	return nil
}

// Id returns the id of whichever reference is set.
func (r ItemRef) Id() int {
	switch r.ItemType {
	case ItemTypeProduct:
		if r.ProductId != nil {
			return *r.ProductId
		}
	case ItemTypeRawMaterial:
		if r.RawMaterialId != nil {
			return *r.RawMaterialId
		}
	case ItemTypeBatch:
		if r.BatchId != nil {
			return *r.BatchId
		}
	}
	return 0
}

// Scope narrows a query to rows for this item. Column names are shared by
// item_locations and inventory_transactions.
func (r ItemRef) Scope(tx *gorm.DB) *gorm.DB {
	switch r.ItemType {
	case ItemTypeProduct:
		return tx.Where("item_type = ? AND product_id = ?", r.ItemType, r.ProductId)
	case ItemTypeRawMaterial:
		return tx.Where("item_type = ? AND raw_material_id = ?", r.ItemType, r.RawMaterialId)
	case ItemTypeBatch:
		return tx.Where("item_type = ? AND batch_id = ?", r.ItemType, r.BatchId)
	}
	return tx.Where("1 = 0")
}

// ValidateExistsTx checks that the referenced row exists.
func (r ItemRef) ValidateExistsTx(tx *gorm.DB) error {
	var count int64
	var err error
	switch r.ItemType {
	case ItemTypeProduct:
		err = tx.Model(&Product{}).Where("id = ?", r.ProductId).Count(&count).Error
	case ItemTypeRawMaterial:
		err = tx.Model(&RawMaterial{}).Where("id = ?", r.RawMaterialId).Count(&count).Error
	case ItemTypeBatch:
		err = tx.Model(&Batch{}).Where("id = ?", r.BatchId).Count(&count).Error
	default:
		return errors.New("invalid item type")
	}
	if err != nil {
		return err
	}
	if count == 0 {
		return errors.New("referenced " + string(r.ItemType) + " not found")
	}
	return nil
}
