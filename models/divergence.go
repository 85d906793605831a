package models

import "time"

// DivergenceKind classifies a disagreement between ledger and store.
type DivergenceKind string

const (
	// ledger write succeeded, store commit failed
	DivergenceVoteNotRecorded      DivergenceKind = "vote-not-recorded"
	DivergencePartyVoteNotRecorded DivergenceKind = "party-vote-not-recorded"
	DivergenceRegistrationOrphan   DivergenceKind = "registration-orphan"

	// ledger reports a vote the store does not know about, or the reverse
	DivergenceLedgerAhead DivergenceKind = "ledger-ahead"
	DivergenceStoreAhead  DivergenceKind = "store-ahead"

	// found by reconciliation
	DivergenceLedgerOrphan     DivergenceKind = "ledger-orphan"
	DivergenceStoreOrphan      DivergenceKind = "store-orphan"
	DivergenceIdentityMismatch DivergenceKind = "identity-mismatch"
	DivergenceCountMismatch    DivergenceKind = "count-mismatch"
	DivergenceTotalsMismatch   DivergenceKind = "totals-mismatch"
	DivergenceEndpoint         DivergenceKind = "endpoint-mismatch"
)

// Divergence is a journaled disagreement between ledger and store. It is
// never resolved automatically.
type Divergence struct {
	ID         string         `json:"id"`
	Kind       DivergenceKind `json:"kind"`
	Op         string         `json:"op,omitempty"`
	VoterID    uint64         `json:"voter_id,omitempty"`
	EntityKind EntityKind     `json:"entity_kind,omitempty"`
	EntityID   uint64         `json:"entity_id,omitempty"`
	LedgerID   *uint64        `json:"ledger_id,omitempty"`
	Area       *Area          `json:"area,omitempty"`
	Tx         TxRef          `json:"tx,omitempty"`
	Detail     string         `json:"detail"`
	DetectedAt time.Time      `json:"detected_at"`
}
