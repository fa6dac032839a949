// Package reconcile implements component C (§4.3): the per-asset balance
// walk that turns a normalized transaction stream into a reconciled one,
// inserting synthetic repair transactions wherever the source history is
// incomplete.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"qntropy/internal/model"
	"qntropy/internal/qerr"
)

// negativeBalanceTolerance is the fixed 1e-12 threshold used only to decide
// whether a post-delta balance counts as negative (§4.3). It is distinct
// from the configurable Snapshot tolerance used for final consolidation.
var negativeBalanceTolerance = decimal.New(1, -12)

// Snapshot is the user-supplied final-balance check described in §4.3 and
// §6 ("two-column CSV asset, amount plus a # as_of comment header").
type Snapshot struct {
	AsOf     time.Time
	Balances map[string]decimal.Decimal
	Source   string
}

// Result is the reconciled, time-sorted Tx stream plus the audit trail of
// every repair the Reconciler performed.
type Result struct {
	Txs   []model.Tx
	Audit []model.AuditEntry
}

// Reconcile walks txs in order (already normalized and sorted), tracking a
// running per-asset balance and inserting SyntheticBalancingDeposit /
// SyntheticConsolidation transactions as required by §4.3. txs must
// already be time-sorted; Reconcile does not re-sort, since it must
// interleave synthetic insertions at their correct position as it walks.
func Reconcile(txs []model.Tx, snapshot *Snapshot, tolerance decimal.Decimal) (Result, error) {
	balances := make(map[string]decimal.Decimal)
	var out []model.Tx
	var audit []model.AuditEntry

	for _, tx := range txs {
		deltas := computeDeltas(tx)
		for _, asset := range sortedKeys(deltas) {
			would := balances[asset].Add(deltas[asset])
			if would.LessThan(negativeBalanceTolerance.Neg()) {
				deficit := would.Neg()
				synth := model.Tx{
					ID:         uuid.NewString(),
					Instant:    tx.Instant.Add(-time.Microsecond),
					Kind:       model.SyntheticBalancingDeposit,
					InLeg:      model.NewLeg(model.NewAsset(asset), deficit),
					Synthetic:  true,
					OriginNote: fmt.Sprintf("balance_repair for tx %s, deficit %s", tx.ID, deficit.String()),
				}
				out = append(out, synth)
				audit = append(audit, model.AuditEntry{
					Instant:     synth.Instant,
					Category:    model.SyntheticInserted,
					SubjectTxID: tx.ID,
					Reason:      synth.OriginNote,
				})
				would = decimal.Zero
			}
			balances[asset] = would
		}
		out = append(out, tx)

		for asset, bal := range balances {
			if bal.LessThan(negativeBalanceTolerance.Neg()) {
				return Result{}, &qerr.ReconciliationFatal{
					Asset:   asset,
					Balance: bal.String(),
					Detail:  fmt.Sprintf("balance still negative after repair at tx %s", tx.ID),
				}
			}
		}
	}

	if snapshot != nil {
		consolidation, consolidationAudit, err := consolidate(txs, balances, *snapshot, tolerance)
		if err != nil {
			return Result{}, err
		}
		out = append(out, consolidation...)
		audit = append(audit, consolidationAudit...)
	}

	return Result{Txs: out, Audit: audit}, nil
}

// consolidate implements the §4.3 "final consolidation" step: compare the
// Reconciler's own running balances against the user-supplied snapshot and
// emit a SyntheticConsolidation Tx per asset whose difference exceeds
// tolerance.
func consolidate(txs []model.Tx, balances map[string]decimal.Decimal, snap Snapshot, tolerance decimal.Decimal) ([]model.Tx, []model.AuditEntry, error) {
	if len(txs) > 0 {
		last := txs[len(txs)-1].Instant
		if snap.AsOf.Before(last) {
			return nil, nil, fmt.Errorf("final-balance snapshot as_of %s precedes last transaction instant %s", snap.AsOf, last)
		}
	}

	assets := make(map[string]bool)
	for asset := range balances {
		assets[asset] = true
	}
	for asset := range snap.Balances {
		assets[asset] = true
	}

	var txsOut []model.Tx
	var auditOut []model.AuditEntry

	for _, asset := range sortedKeysFromSet(assets) {
		current := balances[asset]
		target, ok := snap.Balances[asset]
		if !ok {
			target = decimal.Zero
		}
		diff := target.Sub(current)

		origin := fmt.Sprintf("consolidation for %s: pre=%s post=%s snapshot=%s", asset, current.String(), target.String(), snap.Source)

		switch {
		case diff.Abs().LessThanOrEqual(tolerance):
			if !diff.IsZero() {
				auditOut = append(auditOut, model.AuditEntry{
					Instant:     snap.AsOf,
					Category:    model.ConsolidationDropped,
					SubjectTxID: asset,
					Reason:      fmt.Sprintf("%s (within tolerance %s, dropped)", origin, tolerance.String()),
				})
			}
		case diff.IsPositive():
			tx := model.Tx{
				ID:         uuid.NewString(),
				Instant:    snap.AsOf,
				Kind:       model.SyntheticConsolidation,
				InLeg:      model.NewLeg(model.NewAsset(asset), diff),
				Synthetic:  true,
				OriginNote: origin,
			}
			txsOut = append(txsOut, tx)
			auditOut = append(auditOut, model.AuditEntry{Instant: snap.AsOf, Category: model.SyntheticInserted, SubjectTxID: tx.ID, Reason: origin})
		default:
			tx := model.Tx{
				ID:         uuid.NewString(),
				Instant:    snap.AsOf,
				Kind:       model.SyntheticConsolidation,
				OutLeg:     model.NewLeg(model.NewAsset(asset), diff.Neg()),
				Synthetic:  true,
				OriginNote: origin,
			}
			txsOut = append(txsOut, tx)
			auditOut = append(auditOut, model.AuditEntry{Instant: snap.AsOf, Category: model.SyntheticInserted, SubjectTxID: tx.ID, Reason: origin})
		}
	}

	return txsOut, auditOut, nil
}

// computeDeltas returns the net per-asset quantity change a Tx implies:
// in_leg adds, out_leg and fee_leg subtract from their respective assets
// (§4.3 step 1).
func computeDeltas(tx model.Tx) map[string]decimal.Decimal {
	deltas := make(map[string]decimal.Decimal)
	if tx.InLeg.Present {
		sym := tx.InLeg.Asset.Symbol
		deltas[sym] = deltas[sym].Add(tx.InLeg.Amount)
	}
	if tx.OutLeg.Present {
		sym := tx.OutLeg.Asset.Symbol
		deltas[sym] = deltas[sym].Sub(tx.OutLeg.Amount)
	}
	if tx.FeeLeg.Present {
		sym := tx.FeeLeg.Asset.Symbol
		deltas[sym] = deltas[sym].Sub(tx.FeeLeg.Amount)
	}
	return deltas
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysFromSet(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
