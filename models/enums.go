package models

import "errors"

type MaterialType string

const (
	MaterialTypeCoil  MaterialType = "coil"
	MaterialTypeSheet MaterialType = "sheet"
)

func (t MaterialType) Valid() bool {
	return t == MaterialTypeCoil || t == MaterialTypeSheet
}

type MOStatus string

const (
	MOStatusOnHold     MOStatus = "on_hold"
	MOStatusApproved   MOStatus = "approved"
	MOStatusInProgress MOStatus = "in_progress"
	MOStatusCompleted  MOStatus = "completed"
	MOStatusCancelled  MOStatus = "cancelled"
)

type MOPriority string

const (
	MOPriorityLow    MOPriority = "low"
	MOPriorityMedium MOPriority = "medium"
	MOPriorityHigh   MOPriority = "high"
	MOPriorityUrgent MOPriority = "urgent"
)

// Rank gives the total order used for swap decisions. Unknown values rank
// below low so a malformed priority can never preempt anyone.
func (p MOPriority) Rank() int {
	switch p {
	case MOPriorityLow:
		return 1
	case MOPriorityMedium:
		return 2
	case MOPriorityHigh:
		return 3
	case MOPriorityUrgent:
		return 4
	default:
		return 0
	}
}

func (p MOPriority) Valid() bool {
	return p.Rank() > 0
}

// PrioritiesBelow returns every valid priority that ranks strictly lower than p.
func PrioritiesBelow(p MOPriority) []MOPriority {
	all := []MOPriority{MOPriorityLow, MOPriorityMedium, MOPriorityHigh, MOPriorityUrgent}
	lower := make([]MOPriority, 0, len(all))
	for _, candidate := range all {
		if candidate.Rank() < p.Rank() {
			lower = append(lower, candidate)
		}
	}
	return lower
}

type AllocationStatus string

const (
	AllocationStatusReserved AllocationStatus = "reserved"
	AllocationStatusLocked   AllocationStatus = "locked"
	AllocationStatusSwapped  AllocationStatus = "swapped"
	AllocationStatusReleased AllocationStatus = "released"
)

type AllocationAction string

const (
	AllocationActionReserved AllocationAction = "reserved"
	AllocationActionSwapped  AllocationAction = "swapped"
	AllocationActionLocked   AllocationAction = "locked"
	AllocationActionReleased AllocationAction = "released"
)

type GrmStatus string

const (
	GrmStatusPending   GrmStatus = "pending"
	GrmStatusPartial   GrmStatus = "partial"
	GrmStatusCompleted GrmStatus = "completed"
	GrmStatusCancelled GrmStatus = "cancelled"
)

type BatchStatus string

const (
	BatchStatusCreated    BatchStatus = "created"
	BatchStatusInProcess  BatchStatus = "in_process"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusScrapped   BatchStatus = "scrapped"
	BatchStatusDispatched BatchStatus = "dispatched"
)

type LocationType string

const (
	LocationTypeRMStore  LocationType = "rm_store"
	LocationTypeWIP      LocationType = "wip"
	LocationTypeQuality  LocationType = "quality"
	LocationTypePacking  LocationType = "packing"
	LocationTypeFGStore  LocationType = "fg_store"
	LocationTypeDispatch LocationType = "dispatch"
	LocationTypeScrap    LocationType = "scrap"
)

func (t LocationType) Valid() bool {
	switch t {
	case LocationTypeRMStore, LocationTypeWIP, LocationTypeQuality,
		LocationTypePacking, LocationTypeFGStore, LocationTypeDispatch, LocationTypeScrap:
		return true
	}
	return false
}

type TransactionType string

const (
	TransactionTypeInward      TransactionType = "inward"
	TransactionTypeOutward     TransactionType = "outward"
	TransactionTypeTransfer    TransactionType = "transfer"
	TransactionTypeProduction  TransactionType = "production"
	TransactionTypeConsumption TransactionType = "consumption"
	TransactionTypeScrap       TransactionType = "scrap"
	TransactionTypeAdjustment  TransactionType = "adjustment"
	TransactionTypeReturn      TransactionType = "return"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeInward, TransactionTypeOutward, TransactionTypeTransfer,
		TransactionTypeProduction, TransactionTypeConsumption, TransactionTypeScrap,
		TransactionTypeAdjustment, TransactionTypeReturn:
		return true
	}
	return false
}

// RequiresSource reports whether the movement must name a source location.
func (t TransactionType) RequiresSource() bool {
	switch t {
	case TransactionTypeTransfer, TransactionTypeOutward, TransactionTypeConsumption, TransactionTypeScrap:
		return true
	}
	return false
}

// RequiresDestination reports whether the movement must name a destination location.
func (t TransactionType) RequiresDestination() bool {
	switch t {
	case TransactionTypeInward, TransactionTypeTransfer, TransactionTypeProduction, TransactionTypeReturn:
		return true
	}
	return false
}

// TransactionIdPrefix maps a movement type to the ledger id prefix.
func (t TransactionType) TransactionIdPrefix() string {
	switch t {
	case TransactionTypeInward:
		return "INW"
	case TransactionTypeOutward:
		return "OUT"
	case TransactionTypeTransfer:
		return "MOVE"
	case TransactionTypeProduction:
		return "PROD"
	case TransactionTypeConsumption:
		return "CONS"
	case TransactionTypeScrap:
		return "SCRP"
	case TransactionTypeAdjustment:
		return "ADJ"
	case TransactionTypeReturn:
		return "RET"
	default:
		return "TXN"
	}
}

type TransactionReferenceType string

const (
	TransactionReferenceTypeMO         TransactionReferenceType = "mo"
	TransactionReferenceTypePO         TransactionReferenceType = "po"
	TransactionReferenceTypeProcess    TransactionReferenceType = "process"
	TransactionReferenceTypeAdjustment TransactionReferenceType = "adjustment"
	TransactionReferenceTypeGRM        TransactionReferenceType = "grm"
)

type ItemType string

const (
	ItemTypeProduct     ItemType = "product"
	ItemTypeRawMaterial ItemType = "raw_material"
	ItemTypeBatch       ItemType = "batch"
)

func ParseItemType(s string) (ItemType, error) {
	switch ItemType(s) {
	case ItemTypeProduct:
		return ItemTypeProduct, nil
	case ItemTypeRawMaterial:
		return ItemTypeRawMaterial, nil
	case ItemTypeBatch:
		return ItemTypeBatch, nil
	}
	return "", errors.New("invalid item type")
}
