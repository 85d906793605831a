package service

import (
	"context"
	"fmt"

	"ballot-ledger/blockchain"
	"ballot-ledger/models"
)

// SyncItem is one store row without a ledger id.
type SyncItem struct {
	Kind     models.EntityKind `json:"kind"`
	StoreID  uint64            `json:"store_id"`
	Name     string            `json:"name"`
	Area     models.Area       `json:"area"`
	LedgerID *uint64           `json:"ledger_id,omitempty"`
	Tx       *models.TxRef     `json:"tx,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// SyncReport lists what a ledger sync registered and what it could not.
type SyncReport struct {
	DryRun     bool        `json:"dry_run"`
	Pending    []*SyncItem `json:"pending"`
	Registered []*SyncItem `json:"registered"`
	Failed     []*SyncItem `json:"failed"`
}

// SyncToLedger registers every candidate and party that has no ledger id
// and then stores the id the ledger assigned. A failed row is reported and
// the sync moves on. With dryRun set nothing is written.
func (r *RegistrationCoordinator) SyncToLedger(ctx context.Context, dryRun bool) (*SyncReport, error) {
	if err := r.gate.Check(); err != nil {
		return nil, err
	}
	all := models.AreaFilter{}
	cands, err := r.store.ListCandidates(ctx, all)
	if err != nil {
		return nil, err
	}
	parties, err := r.store.ListParties(ctx, all)
	if err != nil {
		return nil, err
	}

	type pending struct {
		item *SyncItem
		run  func(context.Context) (blockchain.Registration, error)
	}
	var todo []pending
	for _, c := range cands {
		if c.HasLedgerID() {
			continue
		}
		fields := blockchain.CandidateFields{
			Name:     c.Name,
			Party:    c.Party,
			Position: c.Position,
			District: c.Area.District,
			AreaNo:   c.Area.AreaNo,
			PhotoURL: c.PhotoURL,
			LogoURL:  c.LogoURL,
		}
		todo = append(todo, pending{
			item: &SyncItem{Kind: models.KindCandidate, StoreID: c.ID, Name: c.Name, Area: c.Area},
			run: func(ctx context.Context) (blockchain.Registration, error) {
				return r.ledger.RegisterCandidate(ctx, fields)
			},
		})
	}
	for _, p := range parties {
		if p.HasLedgerID() {
			continue
		}
		fields := blockchain.PartyFields{
			Name:     p.Name,
			LogoURL:  p.LogoURL,
			District: p.Area.District,
			AreaNo:   p.Area.AreaNo,
		}
		todo = append(todo, pending{
			item: &SyncItem{Kind: models.KindParty, StoreID: p.ID, Name: p.Name, Area: p.Area},
			run: func(ctx context.Context) (blockchain.Registration, error) {
				return r.ledger.RegisterParty(ctx, fields)
			},
		})
	}

	rep := &SyncReport{DryRun: dryRun}
	for _, t := range todo {
		rep.Pending = append(rep.Pending, t.item)
	}
	if dryRun || len(todo) == 0 {
		log.Infof("Ledger sync: %d rows without a ledger id", len(todo))
		return rep, nil
	}

	for _, t := range todo {
		it := t.item
		reg, err := r.registerOnLedger(ctx, it.Kind, it.Name, t.run)
		if err != nil {
			it.Error = err.Error()
			rep.Failed = append(rep.Failed, it)
			continue
		}
		it.LedgerID = models.LedgerRef(reg.LedgerID)
		it.Tx = &reg.Tx
		err = r.store.RemapLedgerIDs(context.WithoutCancel(ctx), it.Kind, map[uint64]uint64{it.StoreID: reg.LedgerID})
		if err != nil {
			area := it.Area
			err = r.div.record(&models.Divergence{
				Kind:       models.DivergenceRegistrationOrphan,
				Op:         "sync-" + string(it.Kind),
				EntityKind: it.Kind,
				EntityID:   it.StoreID,
				LedgerID:   it.LedgerID,
				Area:       &area,
				Tx:         reg.Tx,
				Detail:     fmt.Sprintf("%s %q registered on ledger but its ledger id was not stored: %v", it.Kind, it.Name, err),
			}, err)
			it.Error = err.Error()
			rep.Failed = append(rep.Failed, it)
			continue
		}
		log.Infof("Synced %s %q: store=%d ledger=%d tx=%s", it.Kind, it.Name, it.StoreID, reg.LedgerID, reg.Tx.Hash)
		rep.Registered = append(rep.Registered, it)
	}
	log.Infof("Ledger sync: %d registered, %d failed", len(rep.Registered), len(rep.Failed))
	return rep, nil
}
