package models

import (
	"bitbucket.org/microsprings/factory_backend/config"
)

// MigrateTable runs the gorm auto migration for every table in dependency
// order. Called from server start and from the cmd tools.
func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&RawMaterial{},
		&Product{},
		&Location{},
		&GRMReceipt{},
		&HeatNumber{},
		&RMStockBalance{},
		&ManufacturingOrder{},
		&Batch{},
		&RMAllocation{},
		&RMAllocationHistory{},
		&ItemLocation{},
		&InventoryTransaction{},
	)
}
