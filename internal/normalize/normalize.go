// Package normalize turns the aggregator's raw CSV rows (§6) into the
// canonical model.Tx stream described in §3/§4.1. The approach — an
// explicit, exhaustive string-to-kind table with everything else rejected
// — is the same one the kraken/nexo/cdc converters each hardcode for their
// own exchange's export dialect; this package's table is the aggregator's
// own dialect, the only one this spec wires (see SPEC_FULL.md §4.1).
package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"qntropy/internal/model"
	"qntropy/internal/qerr"
)

// Row is one parsed (but not yet validated) source record, shaped exactly
// after the §6 input CSV columns.
type Row struct {
	Type         string
	BuyAmount    string
	BuyCurrency  string
	SellAmount   string
	SellCurrency string
	Fee          string
	FeeCurrency  string
	Exchange     string
	Group        string
	Comment      string
	Date         string
}

// kindTable is the exhaustive Type -> TxKind mapping (§4.1). Unmapped
// strings fail with qerr.UnknownTxKind. Keys are matched case- and
// whitespace-insensitively so minor aggregator export variance ("Trade",
// " trade ") doesn't trip UnknownTxKind.
var kindTable = map[string]model.TxKind{
	"deposit":            model.Deposit,
	"withdrawal":         model.Withdrawal,
	"trade":              model.Trade,
	"staking":            model.StakingReward,
	"staking reward":     model.StakingReward,
	"lending interest":   model.LendingInterest,
	"interest":           model.LendingInterest,
	"airdrop":            model.Airdrop,
	"fork":               model.Fork,
	"fee":                model.FeeOnly,
	"internal transfer":  model.TransferInternal,
	"transfer":           model.TransferInternal,
	"income":             model.Income,
}

func lookupKind(raw string) (model.TxKind, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	k, ok := kindTable[key]
	return k, ok
}

// Options controls normalization behavior not fixed by the spec.
type Options struct {
	// Location is the timezone Date fields are parsed under before
	// normalizing to UTC (§4.1). Defaults to Europe/Madrid if nil.
	Location *time.Location
	// SkipUnknown, when true, demotes UnknownTxKind from fatal to a
	// per-row skip with an AuditEntry (§7).
	SkipUnknown bool
}

// Result is the output of Normalize: a time-sorted Tx stream plus the
// audit trail of any rows skipped along the way.
type Result struct {
	Txs     []model.Tx
	Audit   []model.AuditEntry
}

// Normalize converts rows (in source-file order — Ordinal is assigned from
// that order, and is the §4.1 sort tiebreaker) into a time-sorted Tx
// stream. sourceHash should be a short, stable identifier for the input
// file (e.g. a crc32 of its bytes); it becomes the Tx.ID prefix.
func Normalize(rows []Row, sourceHash string, opts Options) (Result, error) {
	loc := opts.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("Europe/Madrid")
		if err != nil {
			return Result{}, fmt.Errorf("loading default timezone: %w", err)
		}
	}

	var res Result
	for ordinal, row := range rows {
		tx, err := normalizeRow(row, ordinal, sourceHash, loc)
		if err != nil {
			recoverable := isParseOrAmountError(err) || (isUnknownKind(err) && opts.SkipUnknown)
			if !recoverable {
				return Result{}, err
			}
			// The audit trail is a committed §6 output, so its Instant must be
			// a deterministic function of the row, never wall-clock: use the
			// row's own parsed Date when it parses, otherwise the zero time.
			instant, perr := parseInstant(row.Date, loc)
			if perr != nil {
				instant = time.Time{}
			}
			res.Audit = append(res.Audit, model.AuditEntry{
				Instant:     instant,
				Category:    model.RowSkipped,
				SubjectTxID: fmt.Sprintf("%s-%d", sourceHash, ordinal),
				Reason:      err.Error(),
			})
			continue
		}
		res.Txs = append(res.Txs, tx)
	}

	SortTxs(res.Txs)
	return res, nil
}

func isUnknownKind(err error) bool {
	var uk *qerr.UnknownTxKind
	return errors.As(err, &uk)
}

func isParseOrAmountError(err error) bool {
	var pe *qerr.ParseError
	var ie *qerr.InvalidAmount
	return errors.As(err, &pe) || errors.As(err, &ie)
}

func normalizeRow(row Row, ordinal int, sourceHash string, loc *time.Location) (model.Tx, error) {
	id := fmt.Sprintf("%s-%d", sourceHash, ordinal)

	kind, ok := lookupKind(row.Type)
	if !ok {
		return model.Tx{}, &qerr.UnknownTxKind{RowOrdinal: ordinal, RawKind: row.Type}
	}

	instant, err := parseInstant(row.Date, loc)
	if err != nil {
		return model.Tx{}, &qerr.ParseError{RowOrdinal: ordinal, Column: "Date", Cause: err}
	}

	inLeg, err := parseLeg(row.BuyAmount, row.BuyCurrency, ordinal, "Buy")
	if err != nil {
		return model.Tx{}, err
	}
	outLeg, err := parseLeg(row.SellAmount, row.SellCurrency, ordinal, "Sell")
	if err != nil {
		return model.Tx{}, err
	}
	feeLeg, err := parseLeg(row.Fee, row.FeeCurrency, ordinal, "Fee")
	if err != nil {
		return model.Tx{}, err
	}

	if kind == model.Trade && (!inLeg.Present || !outLeg.Present) {
		return model.Tx{}, &qerr.ParseError{
			RowOrdinal: ordinal,
			Column:     "Buy/Sell",
			Cause:      fmt.Errorf("Trade rows require both a buy and a sell leg"),
		}
	}

	tx := model.Tx{
		ID:      id,
		Instant: instant,
		Kind:    kind,
		InLeg:   inLeg,
		OutLeg:  outLeg,
		FeeLeg:  feeLeg,
		Venue:   row.Exchange,
		Group:   row.Group,
		Comment: row.Comment,
		Ordinal: ordinal,
	}
	if err := tx.Validate(); err != nil {
		return model.Tx{}, fmt.Errorf("row %d: %w", ordinal, err)
	}
	return tx, nil
}

func parseLeg(amountStr, currencyStr string, ordinal int, column string) (model.Leg, error) {
	amountStr = strings.TrimSpace(amountStr)
	if amountStr == "" {
		// Empty strings become absent legs, not zero (§4.1).
		return model.Leg{}, nil
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return model.Leg{}, &qerr.ParseError{RowOrdinal: ordinal, Column: column + " Amount", Cause: err}
	}
	if !amount.IsPositive() {
		return model.Leg{}, &qerr.InvalidAmount{RowOrdinal: ordinal, Column: column + " Amount", Raw: amountStr}
	}
	currency := strings.TrimSpace(currencyStr)
	if currency == "" {
		return model.Leg{}, &qerr.ParseError{RowOrdinal: ordinal, Column: column + " Currency", Cause: fmt.Errorf("currency required when amount is present")}
	}
	return model.NewLeg(model.NewAsset(currency), amount), nil
}

// dateLayouts are tried in order; the aggregator's export is ISO-8601 but
// some historical exports use a space instead of 'T'.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseInstant(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// SortTxs sorts in place by the §4.1/§4.3 deterministic total order:
// (instant, kind priority, source ordinal).
func SortTxs(txs []model.Tx) {
	sort.SliceStable(txs, func(i, j int) bool {
		ai, ap, ao := txs[i].SortKey()
		bi, bp, bo := txs[j].SortKey()
		if !ai.Equal(bi) {
			return ai.Before(bi)
		}
		if ap != bp {
			return ap < bp
		}
		return ao < bo
	})
}
