package workflow

import (
	"testing"
	"time"

	"bitbucket.org/microsprings/factory_backend/models"
	"github.com/shopspring/decimal"
)

func candidate(id int, priority models.MOPriority, kg int64, age time.Duration) SwapCandidate {
	return SwapCandidate{
		Allocation: models.RMAllocation{
			ID:                  id,
			AllocatedQuantityKg: decimal.NewFromInt(kg),
			AllocatedAt:         time.Now().Add(-age),
		},
		Priority:   priority,
		QuantityKg: decimal.NewFromInt(kg),
	}
}

func TestSortSwapCandidatesLowestPriorityOldestFirst(t *testing.T) {
	candidates := []SwapCandidate{
		candidate(1, models.MOPriorityMedium, 30, time.Hour),
		candidate(2, models.MOPriorityLow, 20, time.Hour),
		candidate(3, models.MOPriorityLow, 50, 48*time.Hour),
		candidate(4, models.MOPriorityMedium, 10, 24*time.Hour),
	}
	sortSwapCandidates(candidates)

	wantOrder := []int{3, 2, 4, 1}
	for i, want := range wantOrder {
		if candidates[i].Allocation.ID != want {
			t.Fatalf("position %d: want allocation %d, got %d", i, want, candidates[i].Allocation.ID)
		}
	}
}

func TestPlanSwapsStopsOnceCovered(t *testing.T) {
	candidates := []SwapCandidate{
		candidate(1, models.MOPriorityLow, 40, 0),
		candidate(2, models.MOPriorityLow, 40, 0),
		candidate(3, models.MOPriorityMedium, 40, 0),
	}

	chosen, freed, ok := planSwaps(candidates, decimal.NewFromInt(70))
	if !ok {
		t.Fatal("70kg shortfall is coverable by 120kg of candidates")
	}
	if len(chosen) != 2 {
		t.Fatalf("expected 2 candidates chosen, got %d", len(chosen))
	}
	if !freed.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected 80kg freed, got %s", freed.String())
	}
}

func TestPlanSwapsExactCover(t *testing.T) {
	candidates := []SwapCandidate{
		candidate(1, models.MOPriorityLow, 100, 0),
	}
	chosen, freed, ok := planSwaps(candidates, decimal.NewFromInt(100))
	if !ok || len(chosen) != 1 {
		t.Fatalf("single exact candidate should cover: ok=%v chosen=%d", ok, len(chosen))
	}
	if !freed.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100kg freed, got %s", freed.String())
	}
}

func TestPlanSwapsReportsShortfall(t *testing.T) {
	candidates := []SwapCandidate{
		candidate(1, models.MOPriorityLow, 30, 0),
		candidate(2, models.MOPriorityLow, 30, 0),
	}
	chosen, freed, ok := planSwaps(candidates, decimal.NewFromInt(100))
	if ok {
		t.Fatal("60kg of candidates cannot cover 100kg")
	}
	if !freed.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected 60kg freed, got %s", freed.String())
	}
	// a short plan still takes everything it can get
	if len(chosen) != 2 {
		t.Fatalf("expected both candidates chosen for partial cover, got %d", len(chosen))
	}

	if _, _, ok := planSwaps(nil, decimal.NewFromInt(1)); ok {
		t.Fatal("no candidates cannot cover anything")
	}
}
