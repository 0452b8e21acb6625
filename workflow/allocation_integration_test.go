package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/microsprings/factory_backend/config"
	"bitbucket.org/microsprings/factory_backend/models"
	"bitbucket.org/microsprings/factory_backend/utils"
	"bitbucket.org/microsprings/factory_backend/workflow"
	"github.com/shopspring/decimal"
)

func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "factory_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}

	ctx := context.Background()
	ctx = utils.SetActorIdInContext(ctx, 1)
	ctx = utils.SetActorNameInContext(ctx, "Test Operator")

	if _, err := models.SeedDefaultLocations(ctx); err != nil {
		t.Fatalf("SeedDefaultLocations: %v", err)
	}
	return ctx
}

func receiveAndVerifyHeat(t *testing.T, ctx context.Context, actor models.Actor, materialId int, heatNo string, weightKg int64, coils int) *models.HeatNumber {
	t.Helper()
	logger := config.GetLogger()
	receipt, err := workflow.ReceiveLots(ctx, logger, workflow.NewGRMReceipt{
		SupplierName: "Usha Martin",
		TruckNumber:  "MH12AB1234",
		Heats: []workflow.NewHeatLot{
			{HeatNo: heatNo, RawMaterialId: materialId, TotalWeightKg: decimal.NewFromInt(weightKg), CoilsReceived: coils},
		},
	}, actor)
	if err != nil {
		t.Fatalf("ReceiveLots: %v", err)
	}
	if !regexp.MustCompile(`^GRM-\d{8}-\d{4}$`).MatchString(receipt.GrmNumber) {
		t.Fatalf("unexpected GRM number format: %q", receipt.GrmNumber)
	}
	if _, err := workflow.VerifyGRMReceipt(ctx, logger, receipt.ID, true, actor); err != nil {
		t.Fatalf("VerifyGRMReceipt: %v", err)
	}
	heat, err := models.GetHeatNumber(ctx, receipt.HeatNumbers[0].ID)
	if err != nil {
		t.Fatalf("GetHeatNumber: %v", err)
	}
	return heat
}

func TestAllocationLifecycleWithPrioritySwap(t *testing.T) {
	ctx := setupIntegration(t)
	logger := config.GetLogger()
	actor := models.Actor{Id: 1, Name: "Test Operator"}

	material, err := models.CreateRawMaterial(ctx, &models.NewRawMaterial{
		MaterialCode: "SW-55CR-8MM",
		MaterialName: "Spring Wire 55Cr 8mm",
		MaterialType: models.MaterialTypeCoil,
		Grade:        "55Cr3",
	})
	if err != nil {
		t.Fatalf("CreateRawMaterial: %v", err)
	}

	heat := receiveAndVerifyHeat(t, ctx, actor, material.ID, "H-7001", 100, 4)
	if !utils.DereferencePtr(heat.IsAvailable) {
		t.Fatal("verified heat should be available")
	}

	balance, err := models.GetStockBalance(ctx, material.ID)
	if err != nil {
		t.Fatalf("GetStockBalance: %v", err)
	}
	if !balance.AvailableQuantityKg.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100kg available after intake, got %s", balance.AvailableQuantityKg.String())
	}

	lowMo, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
		MoNumber: "MO-LOW-1", RawMaterialId: material.ID, RmRequiredKg: "100", Priority: models.MOPriorityLow,
	}, actor)
	if err != nil {
		t.Fatalf("create low MO: %v", err)
	}
	highMo, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
		MoNumber: "MO-HIGH-1", RawMaterialId: material.ID, RmRequiredKg: "100", Priority: models.MOPriorityHigh,
	}, actor)
	if err != nil {
		t.Fatalf("create high MO: %v", err)
	}

	lowAllocation, err := workflow.ReserveAllocation(ctx, logger, workflow.NewAllocation{
		MoId: lowMo.ID, QuantityKg: decimal.NewFromInt(100),
	}, actor)
	if err != nil {
		t.Fatalf("ReserveAllocation(low): %v", err)
	}
	if lowAllocation.Status != models.AllocationStatusReserved {
		t.Fatalf("expected reserved, got %s", lowAllocation.Status)
	}

	// the reservation is soft, the balance itself is untouched
	balance, _ = models.GetStockBalance(ctx, material.ID)
	if !balance.AvailableQuantityKg.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("reservation must not move the balance, got %s", balance.AvailableQuantityKg.String())
	}

	availability, err := workflow.CheckAvailability(ctx, logger, highMo.ID)
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if availability.Available {
		t.Fatal("the low reservation has spoken for all stock; high MO should see a shortfall")
	}
	if !availability.ShortfallKg.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100kg shortfall, got %s", availability.ShortfallKg.String())
	}
	if !availability.CanFulfillViaSwap {
		t.Fatal("the low reservation should be offered as swappable")
	}
	if len(availability.SwapCandidates) != 1 || availability.SwapCandidates[0].Allocation.ID != lowAllocation.ID {
		t.Fatalf("expected the low allocation as the only candidate, got %+v", availability.SwapCandidates)
	}

	swapResult, err := workflow.AutoSwapForMo(ctx, logger, highMo.ID, actor)
	if err != nil {
		t.Fatalf("AutoSwapForMo: %v", err)
	}
	if swapResult.SwappedCount != 1 || len(swapResult.SwappedIn) != 1 {
		t.Fatalf("expected 1 swap, got %+v", swapResult)
	}
	if !swapResult.FullyCovered || !swapResult.ShortfallKg.IsZero() {
		t.Fatalf("expected full cover with no shortfall, got %+v", swapResult)
	}
	if !swapResult.CoveredQuantityKg.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100kg covered, got %s", swapResult.CoveredQuantityKg.String())
	}
	highAllocation := swapResult.SwappedIn[0]
	if highAllocation.MoId != highMo.ID || highAllocation.Status != models.AllocationStatusReserved {
		t.Fatalf("unexpected swapped-in allocation: %+v", highAllocation)
	}

	oldAllocation, err := models.GetAllocation(ctx, lowAllocation.ID)
	if err != nil {
		t.Fatalf("GetAllocation(old): %v", err)
	}
	if oldAllocation.Status != models.AllocationStatusSwapped {
		t.Fatalf("source allocation should be swapped, got %s", oldAllocation.Status)
	}
	if oldAllocation.SwappedToMoId == nil || *oldAllocation.SwappedToMoId != highMo.ID {
		t.Fatal("source allocation should record the target MO")
	}

	// swapped is terminal
	if _, err := workflow.LockAllocation(ctx, logger, oldAllocation.ID, actor); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("locking a swapped allocation should fail with ErrInvalidTransition, got %v", err)
	}

	locked, err := workflow.LockAllocation(ctx, logger, highAllocation.ID, actor)
	if err != nil {
		t.Fatalf("LockAllocation: %v", err)
	}
	if locked.Status != models.AllocationStatusLocked {
		t.Fatalf("expected locked, got %s", locked.Status)
	}

	balance, _ = models.GetStockBalance(ctx, material.ID)
	if !balance.AvailableQuantityKg.Equal(decimal.Zero) {
		t.Fatalf("lock should deduct the balance to 0, got %s", balance.AvailableQuantityKg.String())
	}
	if !balance.LockedQuantityKg.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100kg locked, got %s", balance.LockedQuantityKg.String())
	}

	// locking again is a no-op
	again, err := workflow.LockAllocation(ctx, logger, highAllocation.ID, actor)
	if err != nil {
		t.Fatalf("second LockAllocation: %v", err)
	}
	if again.Status != models.AllocationStatusLocked {
		t.Fatalf("idempotent lock changed status: %s", again.Status)
	}
	balance, _ = models.GetStockBalance(ctx, material.ID)
	if !balance.LockedQuantityKg.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("idempotent lock double-deducted: locked %s", balance.LockedQuantityKg.String())
	}

	history, err := models.ListAllocationHistory(ctx, highAllocation.ID)
	if err != nil {
		t.Fatalf("ListAllocationHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected reserved+locked history rows, got %d", len(history))
	}
	if history[0].Action != models.AllocationActionReserved || history[1].Action != models.AllocationActionLocked {
		t.Fatalf("unexpected history order: %+v", history)
	}
}

func TestReleaseRestoresLockedBalance(t *testing.T) {
	ctx := setupIntegration(t)
	logger := config.GetLogger()
	actor := models.Actor{Id: 1, Name: "Test Operator"}

	material, err := models.CreateRawMaterial(ctx, &models.NewRawMaterial{
		MaterialCode: "SW-SAE9254", MaterialName: "Spring Wire SAE9254",
		MaterialType: models.MaterialTypeCoil,
	})
	if err != nil {
		t.Fatalf("CreateRawMaterial: %v", err)
	}
	receiveAndVerifyHeat(t, ctx, actor, material.ID, "H-8001", 80, 2)

	mo, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
		MoNumber: "MO-REL-1", RawMaterialId: material.ID, RmRequiredKg: "30", Priority: models.MOPriorityMedium,
	}, actor)
	if err != nil {
		t.Fatalf("CreateManufacturingOrder: %v", err)
	}

	allocation, err := workflow.ReserveAllocation(ctx, logger, workflow.NewAllocation{
		MoId: mo.ID, QuantityKg: decimal.NewFromInt(30),
	}, actor)
	if err != nil {
		t.Fatalf("ReserveAllocation: %v", err)
	}
	if _, err := workflow.LockAllocation(ctx, logger, allocation.ID, actor); err != nil {
		t.Fatalf("LockAllocation: %v", err)
	}

	balance, _ := models.GetStockBalance(ctx, material.ID)
	if !balance.AvailableQuantityKg.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50kg available after lock, got %s", balance.AvailableQuantityKg.String())
	}

	released, err := workflow.ReleaseAllocation(ctx, logger, allocation.ID, actor, "order cancelled")
	if err != nil {
		t.Fatalf("ReleaseAllocation: %v", err)
	}
	if released.Status != models.AllocationStatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}

	balance, _ = models.GetStockBalance(ctx, material.ID)
	if !balance.AvailableQuantityKg.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("release should restore the balance to 80, got %s", balance.AvailableQuantityKg.String())
	}

	// released is terminal
	if _, err := workflow.LockAllocation(ctx, logger, allocation.ID, actor); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("locking a released allocation should fail with ErrInvalidTransition, got %v", err)
	}
}

func TestConsumeHeatExhaustsLot(t *testing.T) {
	ctx := setupIntegration(t)
	logger := config.GetLogger()
	actor := models.Actor{Id: 1, Name: "Test Operator"}

	material, err := models.CreateRawMaterial(ctx, &models.NewRawMaterial{
		MaterialCode: "SH-EN47", MaterialName: "Sheet EN47",
		MaterialType: models.MaterialTypeSheet,
	})
	if err != nil {
		t.Fatalf("CreateRawMaterial: %v", err)
	}

	receipt, err := workflow.ReceiveLots(ctx, logger, workflow.NewGRMReceipt{
		SupplierName: "JSW Steel",
		Heats: []workflow.NewHeatLot{
			{HeatNo: "H-9001", RawMaterialId: material.ID, TotalWeightKg: decimal.NewFromInt(50), SheetsReceived: 10},
		},
	}, actor)
	if err != nil {
		t.Fatalf("ReceiveLots: %v", err)
	}
	if _, err := workflow.VerifyGRMReceipt(ctx, logger, receipt.ID, true, actor); err != nil {
		t.Fatalf("VerifyGRMReceipt: %v", err)
	}
	heatId := receipt.HeatNumbers[0].ID

	// over-consumption is rejected
	_, err = workflow.ConsumeHeat(ctx, logger, workflow.ConsumeHeatInput{
		HeatNumberId: heatId, QuantityKg: decimal.NewFromInt(60),
	}, actor)
	if !errors.Is(err, models.ErrInsufficientLotQuantity) {
		t.Fatalf("expected ErrInsufficientLotQuantity, got %v", err)
	}

	heat, err := workflow.ConsumeHeat(ctx, logger, workflow.ConsumeHeatInput{
		HeatNumberId: heatId, QuantityKg: decimal.NewFromInt(50),
	}, actor)
	if err != nil {
		t.Fatalf("ConsumeHeat: %v", err)
	}
	if utils.DereferencePtr(heat.IsAvailable) {
		t.Fatal("fully consumed heat should drop out of availability")
	}

	balance, err := models.GetStockBalance(ctx, material.ID)
	if err != nil {
		t.Fatalf("GetStockBalance: %v", err)
	}
	if !balance.AvailableQuantityKg.Equal(decimal.Zero) {
		t.Fatalf("expected 0kg after full consumption, got %s", balance.AvailableQuantityKg.String())
	}
	if balance.ActiveHeatNumbersCount != 0 {
		t.Fatalf("expected no active heats, got %d", balance.ActiveHeatNumbersCount)
	}

	// the exhausted lot cannot be drawn from again
	_, err = workflow.ConsumeHeat(ctx, logger, workflow.ConsumeHeatInput{
		HeatNumberId: heatId, QuantityKg: decimal.NewFromInt(1),
	}, actor)
	if err == nil {
		t.Fatal("consuming an exhausted heat should fail")
	}
}

func TestPartialMoveSplitsAndMerges(t *testing.T) {
	ctx := setupIntegration(t)
	logger := config.GetLogger()
	actor := models.Actor{Id: 1, Name: "Test Operator"}

	material, err := models.CreateRawMaterial(ctx, &models.NewRawMaterial{
		MaterialCode: "SW-MOVE", MaterialName: "Spring Wire Move Test",
		MaterialType: models.MaterialTypeCoil,
	})
	if err != nil {
		t.Fatalf("CreateRawMaterial: %v", err)
	}
	receiveAndVerifyHeat(t, ctx, actor, material.ID, "H-MOVE", 100, 4)

	store, err := models.GetLocationByCode(ctx, "RM_STORE")
	if err != nil {
		t.Fatalf("GetLocationByCode: %v", err)
	}
	coiling, err := models.GetLocationByCode(ctx, "COILING")
	if err != nil {
		t.Fatalf("GetLocationByCode: %v", err)
	}

	// split: 40 of 100 moves out
	_, err = workflow.RecordMovement(ctx, logger, workflow.NewMovement{
		TransactionType:       models.TransactionTypeTransfer,
		ItemType:              models.ItemTypeRawMaterial,
		ItemId:                material.ID,
		Quantity:              decimal.NewFromInt(40),
		SourceLocationId:      &store.ID,
		DestinationLocationId: &coiling.ID,
	}, actor)
	if err != nil {
		t.Fatalf("RecordMovement(split): %v", err)
	}

	rows, err := workflow.CurrentLocation(ctx, models.ItemTypeRawMaterial, material.ID)
	if err != nil {
		t.Fatalf("CurrentLocation: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected a split across 2 locations, got %d rows", len(rows))
	}
	byLocation := map[int]decimal.Decimal{}
	for _, row := range rows {
		byLocation[row.LocationId] = row.Quantity
	}
	if !byLocation[store.ID].Equal(decimal.NewFromInt(60)) || !byLocation[coiling.ID].Equal(decimal.NewFromInt(40)) {
		t.Fatalf("unexpected split quantities: %v", byLocation)
	}

	// merge: the remaining 60 joins the 40 already at coiling
	_, err = workflow.RecordMovement(ctx, logger, workflow.NewMovement{
		TransactionType:       models.TransactionTypeTransfer,
		ItemType:              models.ItemTypeRawMaterial,
		ItemId:                material.ID,
		Quantity:              decimal.NewFromInt(60),
		SourceLocationId:      &store.ID,
		DestinationLocationId: &coiling.ID,
	}, actor)
	if err != nil {
		t.Fatalf("RecordMovement(merge): %v", err)
	}

	rows, err = workflow.CurrentLocation(ctx, models.ItemTypeRawMaterial, material.ID)
	if err != nil {
		t.Fatalf("CurrentLocation: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single merged row, got %d", len(rows))
	}
	if rows[0].LocationId != coiling.ID || !rows[0].Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected merged row: location=%d qty=%s", rows[0].LocationId, rows[0].Quantity.String())
	}

	// moving more than is present fails
	_, err = workflow.RecordMovement(ctx, logger, workflow.NewMovement{
		TransactionType:       models.TransactionTypeTransfer,
		ItemType:              models.ItemTypeRawMaterial,
		ItemId:                material.ID,
		Quantity:              decimal.NewFromInt(500),
		SourceLocationId:      &coiling.ID,
		DestinationLocationId: &store.ID,
	}, actor)
	if err == nil {
		t.Fatal("moving more than the location holds should fail")
	}

	// index agrees with the ledger
	mismatches, err := workflow.ReconcileItemLocations(ctx, logger, false)
	if err != nil {
		t.Fatalf("ReconcileItemLocations: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("index drifted from ledger: %+v", mismatches)
	}

	balances, err := workflow.RebuildStockBalances(ctx, logger)
	if err != nil {
		t.Fatalf("RebuildStockBalances: %v", err)
	}
	if len(balances) != 0 {
		t.Fatalf("stock balances drifted: %+v", balances)
	}

	// corrupt the index behind the recorder's back, then let repair rewrite
	// the row from the ledger
	err = config.GetDB().WithContext(ctx).
		Exec("UPDATE item_locations SET quantity = 7 WHERE raw_material_id = ?", material.ID).Error
	if err != nil {
		t.Fatalf("corrupt index row: %v", err)
	}
	mismatches, err = workflow.ReconcileItemLocations(ctx, logger, true)
	if err != nil {
		t.Fatalf("ReconcileItemLocations(repair): %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("expected the corrupted row reported, got %+v", mismatches)
	}
	rows, err = workflow.CurrentLocation(ctx, models.ItemTypeRawMaterial, material.ID)
	if err != nil {
		t.Fatalf("CurrentLocation after repair: %v", err)
	}
	if len(rows) != 1 || !rows[0].Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("repair should restore the ledger quantity, got %+v", rows)
	}
}

func TestEqualPrioritySwapRejected(t *testing.T) {
	ctx := setupIntegration(t)
	logger := config.GetLogger()
	actor := models.Actor{Id: 1, Name: "Test Operator"}

	material, err := models.CreateRawMaterial(ctx, &models.NewRawMaterial{
		MaterialCode: "SW-EQ", MaterialName: "Spring Wire Equal Priority",
		MaterialType: models.MaterialTypeCoil,
	})
	if err != nil {
		t.Fatalf("CreateRawMaterial: %v", err)
	}
	receiveAndVerifyHeat(t, ctx, actor, material.ID, "H-EQ", 50, 2)

	moA, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
		MoNumber: "MO-EQ-A", RawMaterialId: material.ID, RmRequiredKg: "50", Priority: models.MOPriorityHigh,
	}, actor)
	if err != nil {
		t.Fatalf("create MO-EQ-A: %v", err)
	}
	moB, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
		MoNumber: "MO-EQ-B", RawMaterialId: material.ID, RmRequiredKg: "50", Priority: models.MOPriorityHigh,
	}, actor)
	if err != nil {
		t.Fatalf("create MO-EQ-B: %v", err)
	}

	allocation, err := workflow.ReserveAllocation(ctx, logger, workflow.NewAllocation{
		MoId: moA.ID, QuantityKg: decimal.NewFromInt(50),
	}, actor)
	if err != nil {
		t.Fatalf("ReserveAllocation: %v", err)
	}

	_, err = workflow.SwapAllocation(ctx, logger, allocation.ID, moB.ID, actor)
	if !errors.Is(err, models.ErrPriorityTooLow) {
		t.Fatalf("equal priority must never preempt, got %v", err)
	}

	availability, err := workflow.CheckAvailability(ctx, logger, moB.ID)
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if availability.CanFulfillViaSwap {
		t.Fatal("equal-priority reservations must not be offered as swappable")
	}
}

func TestAutoSwapPartialCoverReportsShortfall(t *testing.T) {
	ctx := setupIntegration(t)
	logger := config.GetLogger()
	actor := models.Actor{Id: 1, Name: "Test Operator"}

	material, err := models.CreateRawMaterial(ctx, &models.NewRawMaterial{
		MaterialCode: "SW-PART", MaterialName: "Spring Wire Partial Cover",
		MaterialType: models.MaterialTypeCoil,
	})
	if err != nil {
		t.Fatalf("CreateRawMaterial: %v", err)
	}
	receiveAndVerifyHeat(t, ctx, actor, material.ID, "H-PART", 100, 4)

	onHoldMo, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
		MoNumber: "MO-PART-HOLD", RawMaterialId: material.ID, RmRequiredKg: "60", Priority: models.MOPriorityLow,
	}, actor)
	if err != nil {
		t.Fatalf("create on-hold MO: %v", err)
	}
	approvedMo, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
		MoNumber: "MO-PART-APPR", RawMaterialId: material.ID, RmRequiredKg: "30", Priority: models.MOPriorityLow,
	}, actor)
	if err != nil {
		t.Fatalf("create approved MO: %v", err)
	}
	urgentMo, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
		MoNumber: "MO-PART-URG", RawMaterialId: material.ID, RmRequiredKg: "150", Priority: models.MOPriorityUrgent,
	}, actor)
	if err != nil {
		t.Fatalf("create urgent MO: %v", err)
	}

	for _, hold := range []struct {
		moId int
		kg   int64
	}{{onHoldMo.ID, 60}, {approvedMo.ID, 30}} {
		if _, err := workflow.ReserveAllocation(ctx, logger, workflow.NewAllocation{
			MoId: hold.moId, QuantityKg: decimal.NewFromInt(hold.kg),
		}, actor); err != nil {
			t.Fatalf("ReserveAllocation mo %d: %v", hold.moId, err)
		}
	}
	// an approved order's material stays put, only on-hold orders are preemptable
	err = config.GetDB().WithContext(ctx).Model(approvedMo).
		Update("status", models.MOStatusApproved).Error
	if err != nil {
		t.Fatalf("approve MO: %v", err)
	}

	// 100kg on hand minus 90kg reserved elsewhere leaves 10kg for the urgent
	// order; only the on-hold 60kg is swappable, so 80kg stays short.
	result, err := workflow.AutoSwapForMo(ctx, logger, urgentMo.ID, actor)
	if err != nil {
		t.Fatalf("AutoSwapForMo: %v", err)
	}
	if result.FullyCovered {
		t.Fatal("150kg cannot be fully covered")
	}
	if result.SwappedCount != 1 || len(result.SwappedIn) != 1 {
		t.Fatalf("expected exactly the on-hold reservation swapped, got %+v", result)
	}
	if !result.CoveredQuantityKg.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected 60kg covered, got %s", result.CoveredQuantityKg.String())
	}
	if !result.ShortfallKg.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected 80kg still short, got %s", result.ShortfallKg.String())
	}
	if result.SwappedIn[0].MoId != urgentMo.ID || !result.SwappedIn[0].AllocatedQuantityKg.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected swapped-in allocation: %+v", result.SwappedIn[0])
	}

	swappedIn, err := models.GetAllocation(ctx, result.SwappedIn[0].ID)
	if err != nil {
		t.Fatalf("GetAllocation(swapped-in): %v", err)
	}
	if swappedIn.Status != models.AllocationStatusReserved {
		t.Fatalf("swapped-in allocation should be reserved, got %s", swappedIn.Status)
	}
	approvedAllocations, err := models.ListAllocationsByMo(ctx, approvedMo.ID)
	if err != nil {
		t.Fatalf("ListAllocationsByMo: %v", err)
	}
	if len(approvedAllocations) != 1 || approvedAllocations[0].Status != models.AllocationStatusReserved {
		t.Fatalf("the approved order's reservation must be untouched, got %+v", approvedAllocations)
	}
}

func TestConcurrentLockOvercommitGuard(t *testing.T) {
	ctx := setupIntegration(t)
	logger := config.GetLogger()
	actor := models.Actor{Id: 1, Name: "Test Operator"}

	material, err := models.CreateRawMaterial(ctx, &models.NewRawMaterial{
		MaterialCode: "SW-CONC", MaterialName: "Spring Wire Concurrency",
		MaterialType: models.MaterialTypeCoil,
	})
	if err != nil {
		t.Fatalf("CreateRawMaterial: %v", err)
	}
	receiveAndVerifyHeat(t, ctx, actor, material.ID, "H-CONC", 60, 2)

	var allocationIds [2]int
	for i, moNumber := range []string{"MO-CONC-A", "MO-CONC-B"} {
		mo, err := models.CreateManufacturingOrder(ctx, &models.NewManufacturingOrder{
			MoNumber: moNumber, RawMaterialId: material.ID, RmRequiredKg: "60", Priority: models.MOPriorityMedium,
		}, actor)
		if err != nil {
			t.Fatalf("create %s: %v", moNumber, err)
		}
		// Both holds fit on paper: reservations never deduct stock.
		allocation, err := workflow.ReserveAllocation(ctx, logger, workflow.NewAllocation{
			MoId: mo.ID, QuantityKg: decimal.NewFromInt(60),
		}, actor)
		if err != nil {
			t.Fatalf("ReserveAllocation %s: %v", moNumber, err)
		}
		allocationIds[i] = allocation.ID
	}

	// Only 60kg exists, so the material guard must serialize the two locks
	// across commit and exactly one may win. The barrier makes both
	// goroutines hit the guard together instead of racing the scheduler.
	start := make(chan struct{})
	results := make(chan error, 2)
	for _, id := range allocationIds {
		go func(allocationId int) {
			<-start
			_, err := workflow.LockAllocation(ctx, logger, allocationId, actor)
			results <- err
		}(id)
	}
	close(start)

	var locked, rejected int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			locked++
		case errors.Is(err, models.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected lock error: %v", err)
		}
	}
	if locked != 1 || rejected != 1 {
		t.Fatalf("expected exactly one lock to win, got locked=%d rejected=%d", locked, rejected)
	}

	balance, err := models.GetStockBalance(ctx, material.ID)
	if err != nil {
		t.Fatalf("GetStockBalance: %v", err)
	}
	if !balance.AvailableQuantityKg.IsZero() {
		t.Fatalf("expected 0kg available after the winning lock, got %s", balance.AvailableQuantityKg.String())
	}
	if !balance.LockedQuantityKg.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected 60kg locked, got %s", balance.LockedQuantityKg.String())
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("factory-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("factory-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=factory_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
