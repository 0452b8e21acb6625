package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// ProcessValidationErrors flattens validator.v10 errors to field:tag pairs for API responses.
func ProcessValidationErrors(err error) map[string]string {
	errs := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fieldErr := range validationErrors {
			errs[fieldErr.Field()] = fieldErr.Tag()
		}
	}
	return errs
}

func UniqueSlice[T comparable](slice []T) []T {
	keys := make(map[T]bool)
	list := []T{}
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	if len(defaults) > 0 {
		return defaults[0]
	}
	var zero T
	return zero
}

func NilIfEmpty[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}

	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

// GenerateTransactionId builds a ledger transaction id like MOVE-20240801-9f3c2e1a.
// The uuid fragment keeps ids unique without a db round trip.
func GenerateTransactionId(prefix string) string {
	fragment := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(prefix), time.Now().UTC().Format("20060102"), fragment)
}

// MaterialLock obtains a short-lived cross-instance lock for a raw material and
// returns a release func. The database advisory lock inside the posting
// transaction is the correctness guard; this keeps instances from piling up on
// the same material and timing out on GET_LOCK.
func MaterialLock(ctx context.Context, rawMaterialId int, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// No redis configured (unit tests, local runs): rely on the db advisory lock alone.
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("material:%d", rawMaterialId)
	// Contending mutations queue behind each other rather than failing fast.
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 100),
	})
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for material", rawMaterialId, err)
		return nil, errors.New("could not obtain lock for material")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for material", rawMaterialId, err)
		return nil, err
	}
	return func() {
		_ = lock.Release(ctx)
	}, nil
}
