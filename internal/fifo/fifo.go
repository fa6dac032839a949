// Package fifo implements component D (§4.4): the per-asset FIFO lot
// engine with its embedded IRPF tax classifier. It consumes the
// reconciled Tx stream and emits CapitalDisposal / Income TaxEvents.
package fifo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"qntropy/internal/model"
	"qntropy/internal/priceoracle"
)

// PriceSource is the subset of priceoracle.Oracle the engine depends on;
// kept as an interface so tests can substitute a fixed valuation without
// standing up a real Oracle.
type PriceSource interface {
	PriceEUR(ctx context.Context, asset string, instant time.Time) (priceoracle.Quote, []model.AuditEntry, error)
}

// Engine holds the per-asset acquisition queues (§3 Lot invariant: FIFO
// order, insertion order as tiebreaker within an instant).
type Engine struct {
	oracle   PriceSource
	location *time.Location
	lots     map[string][]model.Lot
}

func New(oracle PriceSource, location *time.Location) *Engine {
	if location == nil {
		location = time.UTC
	}
	return &Engine{
		oracle:   oracle,
		location: location,
		lots:     make(map[string][]model.Lot),
	}
}

// Process runs every reconciled Tx through the engine in order and
// returns the TaxEvents and AuditEntries produced. A non-nil error
// return is the first price lookup that failed (a disposal, a fee, or an
// acquisition basis with no quote within the oracle's fallback window,
// surfaced to the caller as §7's "non-final run, exit code 3"); the
// engine still processes every remaining Tx so the returned events and
// audit entries are as complete as prices allow.
func (e *Engine) Process(ctx context.Context, txs []model.Tx) ([]model.TaxEvent, []model.AuditEntry, error) {
	var events []model.TaxEvent
	var audit []model.AuditEntry
	var firstMissingPrice error

	for _, tx := range txs {
		txEvents, txAudit, err := e.processTx(ctx, tx)
		events = append(events, txEvents...)
		audit = append(audit, txAudit...)
		if err != nil && firstMissingPrice == nil {
			firstMissingPrice = err
		}
	}

	return events, audit, firstMissingPrice
}

func (e *Engine) processTx(ctx context.Context, tx model.Tx) ([]model.TaxEvent, []model.AuditEntry, error) {
	var events []model.TaxEvent
	var audit []model.AuditEntry
	var missingPrice error

	acqLeg, hasAcq := acquisitionLeg(tx)
	disLeg, hasDis := disposalLeg(tx)
	fee := tx.FeeLeg

	hasTrackedAcq := hasAcq && isLotTracked(acqLeg.Asset)
	hasTrackedDis := hasDis && isLotTracked(disLeg.Asset)

	feeMode := ""
	if fee.Present {
		switch {
		case hasTrackedAcq:
			feeMode = "acquisition"
		case hasTrackedDis:
			feeMode = "disposal"
		case hasAcq:
			feeMode = "acquisition"
		default:
			feeMode = "disposal"
		}
	}

	// A disposal-side fee paid in the same asset being disposed is merged
	// into the disposed quantity (§4.4 fee policy), rather than valued and
	// consumed separately.
	feeMergedIntoDisposal := fee.Present && feeMode == "disposal" && hasTrackedDis && fee.Asset.Symbol == disLeg.Asset.Symbol

	var feeEUR decimal.Decimal
	feePriced := false
	if fee.Present && !feeMergedIntoDisposal {
		quote, feeAudit, err := e.oracle.PriceEUR(ctx, fee.Asset.Symbol, tx.Instant)
		audit = append(audit, feeAudit...)
		if err != nil {
			audit = append(audit, model.AuditEntry{
				Instant:     tx.Instant,
				Category:    model.DisposalNeedsPrice,
				SubjectTxID: tx.ID,
				Reason:      fmt.Sprintf("fee asset %s: %v", fee.Asset.Symbol, err),
			})
			missingPrice = err
		} else {
			feeEUR = quote.Price.Mul(fee.Amount)
			feePriced = true
		}

		// A fee paid in a distinct lot-tracked asset is itself a disposal:
		// it generates its own gain/loss event on that asset's lots.
		if isLotTracked(fee.Asset) && !(hasTrackedDis && fee.Asset.Symbol == disLeg.Asset.Symbol) && !(hasTrackedAcq && fee.Asset.Symbol == acqLeg.Asset.Symbol) {
			feeEvent, feeDisposeAudit, err := e.disposeAndEmit(ctx, tx, fee.Asset, fee.Amount, feeEUR)
			audit = append(audit, feeDisposeAudit...)
			if err != nil && missingPrice == nil {
				missingPrice = err
			} else if feeEvent != nil && feePriced {
				events = append(events, *feeEvent)
			}
		}
	}

	if hasDis {
		disposeQty := disLeg.Amount
		if feeMergedIntoDisposal {
			disposeQty = disposeQty.Add(fee.Amount)
		}

		if isLotTracked(disLeg.Asset) {
			costBasis, lots, earliest, anySynthetic, diagAudit, err := e.consumeLots(disLeg.Asset, disposeQty, tx)
			audit = append(audit, diagAudit...)
			if err != nil {
				return events, audit, err
			}

			proceeds, proceedsAudit, err := e.disposalProceeds(ctx, tx, acqLeg, hasAcq)
			audit = append(audit, proceedsAudit...)
			if err != nil {
				audit = append(audit, model.AuditEntry{
					Instant:     tx.Instant,
					Category:    model.DisposalNeedsPrice,
					SubjectTxID: tx.ID,
					Reason:      err.Error(),
				})
				if missingPrice == nil {
					missingPrice = err
				}
			} else {
				if feeMode == "disposal" {
					proceeds = proceeds.Sub(feeEUR)
				}
				events = append(events, model.TaxEvent{
					Kind:            model.CapitalDisposal,
					TaxYear:         e.taxYear(tx.Instant),
					AssetDisposed:   disLeg.Asset,
					Qty:             disLeg.Amount,
					ProceedsEUR:     proceeds,
					CostBasisEUR:    costBasis,
					GainEUR:         proceeds.Sub(costBasis),
					Holding:         holdingPeriod(earliest, tx.Instant),
					LotsConsumed:    lots,
					SourceTxID:      tx.ID,
					Instant:         tx.Instant,
					SyntheticInputs: tx.Synthetic || anySynthetic,
				})
			}
		}
	}

	if hasAcq && isLotTracked(acqLeg.Asset) {
		unitBasis, incomeEvent, acqAudit, err := e.acquisitionBasis(ctx, tx, acqLeg, disLeg, hasDis, feeMode, feeEUR)
		audit = append(audit, acqAudit...)
		if err != nil {
			if missingPrice == nil {
				missingPrice = err
			}
			unitBasis = decimal.Zero
		}
		e.lots[acqLeg.Asset.Symbol] = append(e.lots[acqLeg.Asset.Symbol], model.Lot{
			Asset:        acqLeg.Asset,
			QtyRemaining: acqLeg.Amount,
			AcquiredAt:   tx.Instant,
			UnitBasisEUR: unitBasis,
			SourceTxID:   tx.ID,
			Synthetic:    tx.Synthetic,
		})
		if incomeEvent != nil {
			events = append(events, *incomeEvent)
		}
	}

	return events, audit, missingPrice
}

// disposeAndEmit consumes lots for a fee (or other side-channel disposal)
// asset and returns the CapitalDisposal event valued at valuationEUR.
// processTx only emits that event when the fee asset could be priced.
func (e *Engine) disposeAndEmit(ctx context.Context, tx model.Tx, asset model.Asset, qty, valuationEUR decimal.Decimal) (*model.TaxEvent, []model.AuditEntry, error) {
	costBasis, lots, earliest, anySynthetic, diagAudit, err := e.consumeLots(asset, qty, tx)
	if err != nil {
		return nil, diagAudit, err
	}
	ev := model.TaxEvent{
		Kind:            model.CapitalDisposal,
		TaxYear:         e.taxYear(tx.Instant),
		AssetDisposed:   asset,
		Qty:             qty,
		ProceedsEUR:     valuationEUR,
		CostBasisEUR:    costBasis,
		GainEUR:         valuationEUR.Sub(costBasis),
		Holding:         holdingPeriod(earliest, tx.Instant),
		LotsConsumed:    lots,
		SourceTxID:      tx.ID,
		Instant:         tx.Instant,
		SyntheticInputs: tx.Synthetic || anySynthetic,
	}
	return &ev, diagAudit, nil
}

// disposalProceeds implements the §4.4 per-kind proceeds rule.
func (e *Engine) disposalProceeds(ctx context.Context, tx model.Tx, acqLeg model.Leg, hasAcq bool) (decimal.Decimal, []model.AuditEntry, error) {
	switch tx.Kind {
	case model.Trade:
		return e.fmv(ctx, acqLeg, tx.Instant)
	case model.FeeOnly:
		return decimal.Zero, nil, nil
	case model.Withdrawal, model.SyntheticConsolidation:
		return e.fmv(ctx, tx.OutLeg, tx.Instant)
	case model.TransferInternal:
		// Internal transfers are not a disposal (§4.4); reaching here
		// means the caller only invokes disposalProceeds for Txs whose
		// out_leg is lot-tracked, which TransferInternal's own handling
		// in processTx deliberately never does.
		return decimal.Zero, nil, nil
	default:
		return e.fmv(ctx, tx.OutLeg, tx.Instant)
	}
}

// acquisitionBasis implements the §4.4 per-kind acquisition rule,
// including the StakingReward/LendingInterest simultaneous Income event.
func (e *Engine) acquisitionBasis(ctx context.Context, tx model.Tx, acqLeg, disLeg model.Leg, hasDis bool, feeMode string, feeEUR decimal.Decimal) (decimal.Decimal, *model.TaxEvent, []model.AuditEntry, error) {
	switch tx.Kind {
	case model.SyntheticBalancingDeposit, model.SyntheticConsolidation:
		return decimal.Zero, nil, nil, nil
	case model.Airdrop, model.Fork:
		return decimal.Zero, nil, nil, nil
	case model.StakingReward, model.LendingInterest:
		quote, audit, err := e.oracle.PriceEUR(ctx, acqLeg.Asset.Symbol, tx.Instant)
		if err != nil {
			return decimal.Zero, nil, audit, err
		}
		fmvEur := quote.Price.Mul(acqLeg.Amount)
		ev := model.TaxEvent{
			Kind:            model.IncomeEvent,
			TaxYear:         e.taxYear(tx.Instant),
			AssetReceived:   acqLeg.Asset,
			Qty:             acqLeg.Amount,
			FMVEur:          fmvEur,
			Category:        model.MovableCapital,
			SourceTxID:      tx.ID,
			Instant:         tx.Instant,
			SyntheticInputs: tx.Synthetic,
		}
		return quote.Price, &ev, audit, nil
	case model.Income:
		quote, audit, err := e.oracle.PriceEUR(ctx, acqLeg.Asset.Symbol, tx.Instant)
		if err != nil {
			return decimal.Zero, nil, audit, err
		}
		fmvEur := quote.Price.Mul(acqLeg.Amount)
		ev := model.TaxEvent{
			Kind:            model.IncomeEvent,
			TaxYear:         e.taxYear(tx.Instant),
			AssetReceived:   acqLeg.Asset,
			Qty:             acqLeg.Amount,
			FMVEur:          fmvEur,
			Category:        model.OtherIncome,
			SourceTxID:      tx.ID,
			Instant:         tx.Instant,
			SyntheticInputs: tx.Synthetic,
		}
		return quote.Price, &ev, audit, nil
	case model.Trade:
		considerationEUR, audit, err := e.fmv(ctx, disLeg, tx.Instant)
		if err != nil {
			return decimal.Zero, nil, audit, err
		}
		if feeMode == "acquisition" {
			considerationEUR = considerationEUR.Add(feeEUR)
		}
		return considerationEUR.Div(acqLeg.Amount), nil, audit, nil
	default: // Deposit, TransferInternal
		quote, audit, err := e.oracle.PriceEUR(ctx, acqLeg.Asset.Symbol, tx.Instant)
		if err != nil {
			return decimal.Zero, nil, audit, err
		}
		basis := quote.Price
		if feeMode == "acquisition" && !feeEUR.IsZero() {
			total := basis.Mul(acqLeg.Amount).Add(feeEUR)
			basis = total.Div(acqLeg.Amount)
		}
		return basis, nil, audit, nil
	}
}

func (e *Engine) fmv(ctx context.Context, leg model.Leg, instant time.Time) (decimal.Decimal, []model.AuditEntry, error) {
	quote, audit, err := e.oracle.PriceEUR(ctx, leg.Asset.Symbol, instant)
	if err != nil {
		return decimal.Zero, audit, err
	}
	return quote.Price.Mul(leg.Amount), audit, nil
}

func (e *Engine) taxYear(instant time.Time) int {
	return instant.In(e.location).Year()
}

func holdingPeriod(acquiredAt, disposedAt time.Time) model.HoldingPeriod {
	if disposedAt.After(acquiredAt.AddDate(1, 0, 0)) {
		return model.Long
	}
	return model.Short
}

// consumeLots pops lots from the head of asset's queue until qty is
// satisfied (§4.4 disposal side). If the queue is exhausted first, a
// zero-basis synthetic deficit lot absorbs the remainder and a diagnostic
// AuditEntry is recorded — this should never trigger given a correctly
// functioning Reconciler, hence the RoundingSplit category rather than a
// new one.
func (e *Engine) consumeLots(asset model.Asset, qty decimal.Decimal, tx model.Tx) (decimal.Decimal, []model.LotSlice, time.Time, bool, []model.AuditEntry, error) {
	queue := e.lots[asset.Symbol]
	remaining := qty
	var slices []model.LotSlice
	basis := decimal.Zero
	earliest := tx.Instant
	sawLot := false
	anySynthetic := false
	var audit []model.AuditEntry

	idx := 0
	for remaining.IsPositive() && idx < len(queue) {
		lot := &queue[idx]
		if !lot.QtyRemaining.IsPositive() {
			idx++
			continue
		}
		take := remaining
		if lot.QtyRemaining.LessThan(remaining) {
			take = lot.QtyRemaining
		}
		sliceBasis := take.Mul(lot.UnitBasisEUR)
		slices = append(slices, model.LotSlice{
			SourceTxID:   lot.SourceTxID,
			AcquiredAt:   lot.AcquiredAt,
			ConsumedQty:  take,
			BasisEUR:     sliceBasis,
			UnitBasisEUR: lot.UnitBasisEUR,
		})
		basis = basis.Add(sliceBasis)
		if lot.Synthetic {
			anySynthetic = true
		}
		if !sawLot || lot.AcquiredAt.Before(earliest) {
			earliest = lot.AcquiredAt
			sawLot = true
		}
		lot.QtyRemaining = lot.QtyRemaining.Sub(take)
		remaining = remaining.Sub(take)
		if lot.QtyRemaining.IsZero() {
			idx++
		}
	}
	e.lots[asset.Symbol] = queue[idx:]

	if remaining.IsPositive() {
		slices = append(slices, model.LotSlice{
			SourceTxID:   uuid.NewString(),
			AcquiredAt:   tx.Instant,
			ConsumedQty:  remaining,
			BasisEUR:     decimal.Zero,
			UnitBasisEUR: decimal.Zero,
		})
		audit = append(audit, model.AuditEntry{
			Instant:     tx.Instant,
			Category:    model.RoundingSplit,
			SubjectTxID: tx.ID,
			Reason:      fmt.Sprintf("lot queue exhausted for %s, deficit %s absorbed by zero-basis synthetic lot", asset.Symbol, remaining.String()),
		})
		if !sawLot {
			earliest = tx.Instant
		}
	}

	return basis, slices, earliest, anySynthetic, audit, nil
}

func acquisitionLeg(tx model.Tx) (model.Leg, bool) {
	switch tx.Kind {
	case model.Withdrawal, model.FeeOnly:
		return model.Leg{}, false
	default:
		return tx.InLeg, tx.InLeg.Present
	}
}

func disposalLeg(tx model.Tx) (model.Leg, bool) {
	switch tx.Kind {
	case model.TransferInternal:
		// Internal transfers never consume lots (§4.4); the withdrawal
		// half simply drops out of this asset's FIFO view.
		return model.Leg{}, false
	default:
		return tx.OutLeg, tx.OutLeg.Present
	}
}

func isLotTracked(asset model.Asset) bool {
	return asset.Class != model.AssetFiatEUR
}
