package dbtypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Allocation maps a participant name to the share of an expense they owe.
// It is persisted as a JSON object with decimal string values.
type Allocation map[string]decimal.Decimal

func (a *Allocation) Scan(src any) error {
	raw, err := jsonBytes(src, "Allocation")
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	out := Allocation{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("Allocation: decode: %w", err)
	}
	*a = out
	return nil
}

func (a Allocation) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]decimal.Decimal(a))
	if err != nil {
		return nil, fmt.Errorf("Allocation: encode: %w", err)
	}
	return string(b), nil
}

// Share returns the share for name, zero when absent.
func (a Allocation) Share(name string) decimal.Decimal {
	if share, ok := a[name]; ok {
		return share
	}
	return decimal.Zero
}

// Total sums every share.
func (a Allocation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, share := range a {
		total = total.Add(share)
	}
	return total
}

// Participants returns the allocation keys in sorted order.
func (a Allocation) Participants() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NameList is an ordered set of participant names persisted as a JSON array.
type NameList []string

func (n *NameList) Scan(src any) error {
	raw, err := jsonBytes(src, "NameList")
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*n = NameList{}
		return nil
	}
	out := NameList{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("NameList: decode: %w", err)
	}
	*n = out
	return nil
}

func (n NameList) Value() (driver.Value, error) {
	if n == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(n))
	if err != nil {
		return nil, fmt.Errorf("NameList: encode: %w", err)
	}
	return string(b), nil
}

// Contains reports whether name is in the list.
func (n NameList) Contains(name string) bool {
	for _, existing := range n {
		if existing == name {
			return true
		}
	}
	return false
}

func jsonBytes(src any, typeName string) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("%s: unsupported Scan type %T", typeName, src)
	}
}
