package utils

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestGenerateTransactionIdFormat(t *testing.T) {
	id := GenerateTransactionId("move")
	pattern := regexp.MustCompile(`^MOVE-\d{8}-[0-9a-f]{8}$`)
	if !pattern.MatchString(id) {
		t.Fatalf("unexpected transaction id format: %s", id)
	}

	today := time.Now().UTC().Format("20060102")
	if !strings.Contains(id, "-"+today+"-") {
		t.Fatalf("transaction id should carry today's date: %s", id)
	}

	other := GenerateTransactionId("move")
	if id == other {
		t.Fatal("consecutive ids should differ")
	}
}

func TestParseDecimal(t *testing.T) {
	v, err := ParseDecimal(" 12.5000 ")
	if err != nil {
		t.Fatalf("ParseDecimal: %v", err)
	}
	if v.String() != "12.5" {
		t.Fatalf("expected 12.5, got %s", v.String())
	}

	if _, err := ParseDecimal(""); err == nil {
		t.Fatal("empty string should fail")
	}
	if _, err := ParseDecimal("12kg"); err == nil {
		t.Fatal("non-numeric string should fail")
	}
}

func TestDereferencePtr(t *testing.T) {
	if DereferencePtr(NewTrue()) != true {
		t.Fatal("expected true")
	}
	if DereferencePtr[bool](nil) != false {
		t.Fatal("nil without default should give the zero value")
	}
	if DereferencePtr(nil, 42) != 42 {
		t.Fatal("nil with default should give the default")
	}
}

func TestUniqueSlice(t *testing.T) {
	got := UniqueSlice([]int{3, 1, 3, 2, 1})
	if len(got) != 3 {
		t.Fatalf("expected 3 unique values, got %v", got)
	}
}
