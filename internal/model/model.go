// Package model holds the canonical data types shared by every stage of the
// qntropy pipeline: normalizer, reconciler, FIFO engine and sink.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tolerance is the default absolute decimal tolerance used throughout the
// pipeline for balance/lot-sum comparisons (§4.3, §8 invariant 2). It can be
// overridden per run via config/flags.
var Tolerance = decimal.New(1, -8) // 1e-8

// AssetClass classifies an Asset for reporting purposes.
type AssetClass int

const (
	AssetUnknown AssetClass = iota
	AssetFiatEUR
	AssetFiatOther
	AssetCrypto
)

func (c AssetClass) String() string {
	switch c {
	case AssetFiatEUR:
		return "fiat_eur"
	case AssetFiatOther:
		return "fiat_other"
	case AssetCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Asset is a case-normalized ticker plus its classification. EUR is the
// reporting numéraire (§3).
type Asset struct {
	Symbol string
	Class  AssetClass
}

// NewAsset case-normalizes sym and classifies it. EUR is always fiat_eur;
// the small set of recognized fiat tickers are fiat_other; everything else
// is treated as crypto, matching the aggregator's own export convention of
// listing only currency/crypto tickers with no separate type column.
func NewAsset(sym string) Asset {
	sym = normalizeSymbol(sym)
	switch {
	case sym == "EUR":
		return Asset{Symbol: sym, Class: AssetFiatEUR}
	case fiatTickers[sym]:
		return Asset{Symbol: sym, Class: AssetFiatOther}
	default:
		return Asset{Symbol: sym, Class: AssetCrypto}
	}
}

func normalizeSymbol(sym string) string {
	out := make([]byte, 0, len(sym))
	for i := 0; i < len(sym); i++ {
		c := sym[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c == ' ' || c == '\t' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

var fiatTickers = map[string]bool{
	"USD": true, "GBP": true, "CHF": true, "JPY": true,
}

func (a Asset) String() string { return a.Symbol }

// Leg is an (asset, amount) pair used for Tx in/out/fee legs. Amount is
// always > 0 when Present is true; direction is implied by which field of Tx
// the Leg occupies, never by sign.
type Leg struct {
	Asset   Asset
	Amount  decimal.Decimal
	Present bool
}

func NewLeg(asset Asset, amount decimal.Decimal) Leg {
	return Leg{Asset: asset, Amount: amount, Present: true}
}

// TxKind is the closed set of canonical transaction kinds (§3). Switches on
// Kind name each kind explicitly, but several of them (String, sortPriority,
// Validate, and the per-kind switches in internal/fifo) also have a default
// branch, so a newly added kind is not flagged by the compiler.
type TxKind int

const (
	Deposit TxKind = iota
	Withdrawal
	Trade
	StakingReward
	LendingInterest
	Airdrop
	Fork
	FeeOnly
	TransferInternal
	Income
	SyntheticBalancingDeposit
	SyntheticConsolidation
)

func (k TxKind) String() string {
	switch k {
	case Deposit:
		return "Deposit"
	case Withdrawal:
		return "Withdrawal"
	case Trade:
		return "Trade"
	case StakingReward:
		return "StakingReward"
	case LendingInterest:
		return "LendingInterest"
	case Airdrop:
		return "Airdrop"
	case Fork:
		return "Fork"
	case FeeOnly:
		return "FeeOnly"
	case TransferInternal:
		return "TransferInternal"
	case Income:
		return "Income"
	case SyntheticBalancingDeposit:
		return "SyntheticBalancingDeposit"
	case SyntheticConsolidation:
		return "SyntheticConsolidation"
	default:
		return fmt.Sprintf("TxKind(%d)", int(k))
	}
}

// sortPriority implements the §4.1 tie-break ordering for equal-instant
// transactions: acquisitions before disposals, so FIFO sees balance before
// it is drawn down.
func (k TxKind) sortPriority() int {
	switch k {
	case Deposit, SyntheticBalancingDeposit, SyntheticConsolidation:
		return 0
	case StakingReward, Airdrop, Fork, LendingInterest, Income:
		return 1
	case Trade, TransferInternal:
		return 2
	case Withdrawal:
		return 3
	case FeeOnly:
		return 4
	default:
		return 5
	}
}

// Tx is the canonical transaction record produced by the Normalizer and
// consumed by the Reconciler and FIFO engine (§3).
type Tx struct {
	ID         string
	Instant    time.Time
	Kind       TxKind
	InLeg      Leg
	OutLeg     Leg
	FeeLeg     Leg
	Venue      string
	Group      string
	Comment    string
	Synthetic  bool
	OriginNote string

	// Ordinal is the row's position in its source file; used as the §4.3
	// deterministic secondary sort key.
	Ordinal int
}

// SortKey returns the (instant, priority, ordinal) tuple used to establish
// the deterministic total order required by §4.1 and §8 invariant 5.
func (t Tx) SortKey() (time.Time, int, int) {
	return t.Instant, t.Kind.sortPriority(), t.Ordinal
}

// Validate checks the structural invariants listed in §3: the per-kind leg
// shape (not checked for TransferInternal and the synthetic kinds, whose
// constructors are responsible for it), amount > 0 on every present leg,
// and a non-empty origin_note on synthetic transactions. It is primarily
// exercised by the normalizer on freshly parsed rows.
func (t Tx) Validate() error {
	switch t.Kind {
	case Trade:
		if !t.InLeg.Present || !t.OutLeg.Present {
			return fmt.Errorf("tx %s: Trade requires both in_leg and out_leg", t.ID)
		}
		if t.InLeg.Asset.Symbol == t.OutLeg.Asset.Symbol {
			return fmt.Errorf("tx %s: Trade legs must be on distinct assets, got %s twice", t.ID, t.InLeg.Asset.Symbol)
		}
	case Deposit, StakingReward, LendingInterest, Airdrop, Fork, Income:
		if t.OutLeg.Present {
			return fmt.Errorf("tx %s: %s must not have an out_leg", t.ID, t.Kind)
		}
		if !t.InLeg.Present {
			return fmt.Errorf("tx %s: %s requires an in_leg", t.ID, t.Kind)
		}
	case Withdrawal:
		if t.InLeg.Present {
			return fmt.Errorf("tx %s: Withdrawal must not have an in_leg", t.ID)
		}
		if !t.OutLeg.Present {
			return fmt.Errorf("tx %s: Withdrawal requires an out_leg", t.ID)
		}
	case FeeOnly:
		if t.InLeg.Present || t.OutLeg.Present {
			return fmt.Errorf("tx %s: FeeOnly must have only a fee_leg", t.ID)
		}
		if !t.FeeLeg.Present {
			return fmt.Errorf("tx %s: FeeOnly requires a fee_leg", t.ID)
		}
	case TransferInternal, SyntheticBalancingDeposit, SyntheticConsolidation:
		// shape checked by callers that construct these directly.
	default:
		return fmt.Errorf("tx %s: unhandled kind %s", t.ID, t.Kind)
	}
	for _, leg := range []struct {
		name string
		l    Leg
	}{{"in_leg", t.InLeg}, {"out_leg", t.OutLeg}, {"fee_leg", t.FeeLeg}} {
		if leg.l.Present && !leg.l.Amount.IsPositive() {
			return fmt.Errorf("tx %s: %s amount must be > 0, got %s", t.ID, leg.name, leg.l.Amount)
		}
	}
	if t.Synthetic && t.OriginNote == "" {
		return fmt.Errorf("tx %s: synthetic transactions require a non-empty origin_note", t.ID)
	}
	return nil
}

// Lot is a unit of acquisition held in a per-asset FIFO queue (§3).
type Lot struct {
	Asset        Asset
	QtyRemaining decimal.Decimal
	AcquiredAt   time.Time
	UnitBasisEUR decimal.Decimal
	SourceTxID   string

	// Synthetic marks a Lot created by a Synthetic* Tx, so that a later
	// disposal consuming it can propagate TaxEvent.synthetic_inputs (§8
	// invariant 6) even when the disposing Tx itself is ordinary.
	Synthetic bool
}

// HoldingPeriod classifies a disposal relative to its acquisition (§3).
type HoldingPeriod int

const (
	Short HoldingPeriod = iota
	Long
)

func (h HoldingPeriod) String() string {
	if h == Long {
		return "Long"
	}
	return "Short"
}

// LongTermCutoff is a 360-day approximation of the Spanish IRPF short/long
// boundary: strictly more than 12 months held is Long (§3). The fifo engine
// does not use it; holdingPeriod compares against AddDate(1, 0, 0) exactly.
const LongTermCutoff = 12 * 30 * 24 * time.Hour

// IncomeCategory classifies an Income TaxEvent (§3).
type IncomeCategory int

const (
	MovableCapital IncomeCategory = iota
	OtherIncome
)

func (c IncomeCategory) String() string {
	if c == MovableCapital {
		return "MovableCapital"
	}
	return "Other"
}

// TaxEventKind distinguishes the two TaxEvent shapes (§3).
type TaxEventKind int

const (
	CapitalDisposal TaxEventKind = iota
	IncomeEvent
)

func (k TaxEventKind) String() string {
	if k == CapitalDisposal {
		return "CapitalDisposal"
	}
	return "Income"
}

// LotSlice records one lot's contribution to a disposal (§3 TaxEvent.lots_consumed).
type LotSlice struct {
	SourceTxID   string
	AcquiredAt   time.Time
	ConsumedQty  decimal.Decimal
	BasisEUR     decimal.Decimal
	UnitBasisEUR decimal.Decimal
}

// TaxEvent is an immutable, append-only record emitted by the FIFO engine
// (§3). A single struct carries both shapes; callers switch on Kind.
type TaxEvent struct {
	Kind    TaxEventKind
	TaxYear int

	// CapitalDisposal fields (Qty is also set on Income events).
	AssetDisposed Asset
	Qty           decimal.Decimal
	ProceedsEUR   decimal.Decimal
	CostBasisEUR  decimal.Decimal
	GainEUR       decimal.Decimal
	Holding       HoldingPeriod
	LotsConsumed  []LotSlice

	// Income fields.
	AssetReceived Asset
	FMVEur        decimal.Decimal
	Category      IncomeCategory

	SourceTxID      string
	Instant         time.Time
	SyntheticInputs bool
}

// AuditKind enumerates the reasons an AuditEntry is recorded.
type AuditKind int

const (
	SyntheticInserted AuditKind = iota
	PriceFallback
	RoundingSplit
	RowSkipped
	DisposalNeedsPrice
	ConsolidationDropped
)

func (k AuditKind) String() string {
	switch k {
	case SyntheticInserted:
		return "SyntheticInserted"
	case PriceFallback:
		return "PriceFallback"
	case RoundingSplit:
		return "RoundingSplit"
	case RowSkipped:
		return "RowSkipped"
	case DisposalNeedsPrice:
		return "DisposalNeedsPrice"
	case ConsolidationDropped:
		return "ConsolidationDropped"
	default:
		return "Unknown"
	}
}

// AuditEntry records a reconciliation or pricing decision for human review
// (§3).
type AuditEntry struct {
	Instant    time.Time
	Category   AuditKind
	SubjectTxID string
	Reason     string
}
