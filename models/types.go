package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Area is the district and area number every voter, candidate and party
// belongs to.
type Area struct {
	District string `json:"district"`
	AreaNo   int    `json:"area_no"`
}

// UnknownArea is assigned to entities rebuilt from the ledger when the
// ledger record carries no usable area.
var UnknownArea = Area{District: "UNKNOWN", AreaNo: 0}

func (a Area) String() string {
	return fmt.Sprintf("%s-%d", a.District, a.AreaNo)
}

func (a Area) Validate() error {
	if err := checkLength("district", strings.TrimSpace(a.District), 2, 100); err != nil {
		return err
	}
	if a.AreaNo < 1 {
		return NewValidationError("area_no", "must be a positive number")
	}
	return nil
}

// AreaFilter narrows list and report queries. A zero field matches any
// value.
type AreaFilter struct {
	District string `json:"district,omitempty"`
	AreaNo   int    `json:"area_no,omitempty"`
}

func (f AreaFilter) IsEmpty() bool {
	return f.District == "" && f.AreaNo == 0
}

func (f AreaFilter) Match(a Area) bool {
	if f.District != "" && f.District != a.District {
		return false
	}
	if f.AreaNo != 0 && f.AreaNo != a.AreaNo {
		return false
	}
	return true
}

// TxRef points at the ledger transaction that carried a write.
type TxRef struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"block_number"`
}

func (t TxRef) IsZero() bool {
	return t.Hash == ""
}

// EntityKind distinguishes the two kinds of vote targets.
type EntityKind string

const (
	KindCandidate EntityKind = "candidate"
	KindParty     EntityKind = "party"
)

// VoteCount is the per-area aggregate of votes for one candidate or party.
// It is derived data and can be recomputed from the vote rows at any time.
type VoteCount struct {
	Kind        EntityKind `json:"kind"`
	EntityID    uint64     `json:"entity_id"`
	Area        Area       `json:"area"`
	Count       uint64     `json:"count"`
	LastUpdated time.Time  `json:"last_updated"`
}

// CountKey identifies a VoteCount row.
type CountKey struct {
	Kind     EntityKind
	EntityID uint64
	Area     Area
}

func (c VoteCount) Key() CountKey {
	return CountKey{Kind: c.Kind, EntityID: c.EntityID, Area: c.Area}
}

func checkLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min || n > max {
		return NewValidationError(field, fmt.Sprintf("must be between %d and %d characters", min, max))
	}
	return nil
}
