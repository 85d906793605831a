package models

import "time"

// Vote is a direct vote for a candidate. Rows are append-only.
type Vote struct {
	ID          uint64    `json:"id"`
	VoterID     uint64    `json:"voter_id"`
	CandidateID uint64    `json:"candidate_id"`
	Area        Area      `json:"area"`
	Tx          TxRef     `json:"tx"`
	CastAt      time.Time `json:"cast_at"`
}

// IndirectVote is a vote for a party.
type IndirectVote struct {
	ID      uint64    `json:"id"`
	VoterID uint64    `json:"voter_id"`
	PartyID uint64    `json:"party_id"`
	Area    Area      `json:"area"`
	Tx      TxRef     `json:"tx"`
	CastAt  time.Time `json:"cast_at"`
}

// Ballot is a vote request as submitted by a voter.
type Ballot struct {
	VoterID  uint64 `json:"voter_id"`
	TargetID uint64 `json:"target_id"`
}
