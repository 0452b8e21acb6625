package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireMaterialPostingLock serializes stock postings per raw material across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the posting transaction.
func AcquireMaterialPostingLock(tx *gorm.DB, rawMaterialId int) error {
	lockName := fmt.Sprintf("rm_posting:%d", rawMaterialId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for raw_material_id=%d", rawMaterialId)
	}
	return nil
}

func ReleaseMaterialPostingLock(tx *gorm.DB, rawMaterialId int) {
	lockName := fmt.Sprintf("rm_posting:%d", rawMaterialId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
