package dbtypes

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAllocationScanFromDatabaseText(t *testing.T) {
	var a Allocation
	if err := a.Scan([]byte(`{"self":"40","alex":"60.5"}`)); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !a.Share("alex").Equal(decimal.RequireFromString("60.5")) {
		t.Fatalf("unexpected alex share %s", a.Share("alex"))
	}
	if !a.Share("missing").IsZero() {
		t.Fatal("expected zero for missing participant")
	}
	if !a.Total().Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("unexpected total %s", a.Total())
	}
	if got := a.Participants(); len(got) != 2 || got[0] != "alex" || got[1] != "self" {
		t.Fatalf("unexpected participants %v", got)
	}
}

func TestAllocationNilValue(t *testing.T) {
	var a Allocation
	v, err := a.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil value for missing allocation, got %v", v)
	}
	if err := a.Scan(nil); err != nil || a != nil {
		t.Fatalf("expected nil scan to clear allocation, got %v %v", a, err)
	}
}

func TestAllocationRejectsUnsupportedSource(t *testing.T) {
	var a Allocation
	if err := a.Scan(42); err == nil {
		t.Fatal("expected error for int source")
	}
}

func TestNameListScanAndContains(t *testing.T) {
	var n NameList
	if err := n.Scan(`["alex","sam"]`); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !n.Contains("sam") || n.Contains("self") {
		t.Fatalf("unexpected contents %v", n)
	}

	var empty NameList
	v, err := empty.Value()
	if err != nil || v != "[]" {
		t.Fatalf("expected empty array literal, got %v %v", v, err)
	}
}
