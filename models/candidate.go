package models

import (
	"strings"
	"time"
)

// Candidate is a person standing in an area. LedgerID is set once, at
// registration, and never changes afterwards.
type Candidate struct {
	ID        uint64    `json:"id"`
	LedgerID  *uint64   `json:"ledger_id"`
	Name      string    `json:"name"`
	Party     string    `json:"party"`
	Position  string    `json:"position"`
	Area      Area      `json:"area"`
	PhotoURL  string    `json:"photo_url,omitempty"`
	LogoURL   string    `json:"logo_url,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Candidate) HasLedgerID() bool {
	return c.LedgerID != nil
}

func (c *Candidate) Validate() error {
	if err := checkLength("name", strings.TrimSpace(c.Name), 3, 100); err != nil {
		return err
	}
	if err := checkLength("party", strings.TrimSpace(c.Party), 2, 100); err != nil {
		return err
	}
	if err := checkLength("position", strings.TrimSpace(c.Position), 2, 100); err != nil {
		return err
	}
	return c.Area.Validate()
}

// Party is a party contesting an area.
type Party struct {
	ID        uint64    `json:"id"`
	LedgerID  *uint64   `json:"ledger_id"`
	Name      string    `json:"name"`
	LogoURL   string    `json:"logo_url,omitempty"`
	Area      Area      `json:"area"`
	Recovered bool      `json:"recovered,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *Party) HasLedgerID() bool {
	return p.LedgerID != nil
}

func (p *Party) Validate() error {
	if err := checkLength("name", strings.TrimSpace(p.Name), 2, 100); err != nil {
		return err
	}
	return p.Area.Validate()
}

// LedgerRef returns a pointer to a copy of id.
func LedgerRef(id uint64) *uint64 {
	return &id
}
