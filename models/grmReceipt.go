package models

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/microsprings/factory_backend/utils"
	"gorm.io/gorm"
)

// GRMReceipt is one goods-receipt consignment (a truck delivery). Heat numbers
// created under a receipt stay out of the stock balance until the receipt's
// quality handover is verified.
type GRMReceipt struct {
	ID                 int        `gorm:"primary_key" json:"id"`
	GrmNumber          string     `gorm:"size:20;uniqueIndex" json:"grm_number"`
	SupplierName       string     `gorm:"size:100" json:"supplier_name"`
	TruckNumber        string     `gorm:"size:20" json:"truck_number"`
	DriverName         string     `gorm:"size:100" json:"driver_name"`
	ReceiptDate        time.Time  `gorm:"not null" json:"receipt_date"`
	ReceivedBy         int        `gorm:"index;not null" json:"received_by"`
	Status             GrmStatus  `gorm:"type:enum('pending','partial','completed','cancelled');default:'pending';index" json:"status"`
	QualityCheckPassed *bool      `gorm:"not null;default:false" json:"quality_check_passed"`
	QualityCheckBy     *int       `json:"quality_check_by"`
	QualityCheckDate   *time.Time `json:"quality_check_date"`
	Notes              string     `gorm:"type:text" json:"notes"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	HeatNumbers []HeatNumber `gorm:"foreignKey:GrmReceiptId" json:"heat_numbers,omitempty"`
}

// BeforeCreate assigns the next GRM-YYYYMMDD-NNNN number for the day.
// Runs inside the caller's transaction, so concurrent intakes are serialized
// by the surrounding material lock.
func (grm *GRMReceipt) BeforeCreate(tx *gorm.DB) error {
	if grm.GrmNumber != "" {
		return nil
	}
	dateStr := time.Now().UTC().Format("20060102")
	prefix := fmt.Sprintf("GRM-%s-", dateStr)

	var last GRMReceipt
	next := 1
	err := tx.Where("grm_number LIKE ?", prefix+"%").
		Order("grm_number DESC").First(&last).Error
	if err == nil {
		parts := strings.Split(last.GrmNumber, "-")
		if n, convErr := strconv.Atoi(parts[len(parts)-1]); convErr == nil {
			next = n + 1
		}
	} else if err != gorm.ErrRecordNotFound {
		return err
	}

	grm.GrmNumber = fmt.Sprintf("%s%04d", prefix, next)
	return nil
}

func GetGRMReceipt(ctx context.Context, id int) (*GRMReceipt, error) {
	return utils.FetchModel[GRMReceipt](ctx, id, "HeatNumbers")
}

func GetGRMReceiptTx(tx *gorm.DB, id int) (*GRMReceipt, error) {
	var grm GRMReceipt
	if err := tx.Preload("HeatNumbers").First(&grm, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &grm, nil
}
