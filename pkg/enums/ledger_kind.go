package enums

import "slices"

// LedgerKind maps to the ledger_kind_enum enum in Postgres.
type LedgerKind string

const (
	LedgerKindDirect LedgerKind = "direct"
	LedgerKindGroup  LedgerKind = "group"
)

var validLedgerKinds = []LedgerKind{
	LedgerKindDirect,
	LedgerKindGroup,
}

// IsValid reports whether the value matches the canonical ledger kind enum.
func (k LedgerKind) IsValid() bool {
	return slices.Contains(validLedgerKinds, k)
}
