package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Engine error taxonomy. Workflows return these (or wrapped versions of them)
// so callers can branch with errors.Is; no engine operation swallows a failure.
var (
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInsufficientLotQuantity = errors.New("insufficient lot quantity")
	ErrPriorityTooLow          = errors.New("target priority too low")
	ErrInvalidTransition       = errors.New("invalid allocation transition")
	ErrLocationNotFound        = errors.New("location not found")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrInvalidQuantity         = errors.New("quantity must be positive")
	ErrMaterialMismatch        = errors.New("orders use different raw materials")
)

// InsufficientStockError wraps ErrInsufficientStock with the quantities the
// caller needs to report a shortfall to a human.
func InsufficientStockError(materialCode string, requiredKg, availableKg decimal.Decimal) error {
	return fmt.Errorf("%w for %s: required %skg, available %skg",
		ErrInsufficientStock, materialCode, requiredKg.String(), availableKg.String())
}

func InsufficientLotQuantityError(heatNo string, requestedKg, availableKg decimal.Decimal) error {
	return fmt.Errorf("%w for heat %s: requested %skg, available %skg",
		ErrInsufficientLotQuantity, heatNo, requestedKg.String(), availableKg.String())
}

func InvalidTransitionError(allocationId int, from, to AllocationStatus) error {
	return fmt.Errorf("%w: allocation %d cannot move from %s to %s", ErrInvalidTransition, allocationId, from, to)
}

var errInvalidLocationType = errors.New("invalid location type")
