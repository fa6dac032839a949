// Package cliapp implements the command dispatch described in spec §6: a
// flat map of subcommand name to handler, the same manual-dispatch shape
// cmd/jobctl/main.go in the teacher repo used instead of reaching for a
// third-party CLI framework (the example pack carries none).
package cliapp

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"qntropy/internal/config"
	"qntropy/internal/fifo"
	"qntropy/internal/model"
	"qntropy/internal/normalize"
	"qntropy/internal/pipeline"
	"qntropy/internal/priceoracle"
	"qntropy/internal/qerr"
	"qntropy/internal/qlog"
	"qntropy/internal/reconcile"
	"qntropy/internal/report"
	"qntropy/internal/sink"
)

// Exit codes, §6/§7.
const (
	ExitOK             = 0
	ExitInputInvalid   = 2
	ExitMissingPrice   = 3
	ExitReconcileFatal = 4
)

// flags is the common flag set every subcommand accepts.
type flags struct {
	Input       string
	Snapshot    string
	Out         string
	Year        int
	TZ          string
	Tolerance   string
	SkipUnknown bool
	Sink        string
}

type command struct {
	usage       string
	description string
	execute     func(args []string) int
}

// Run dispatches os.Args[1:]-shaped input to the matching subcommand and
// returns the process exit code; cmd/qntropy/main.go just forwards it to
// os.Exit.
func Run(args []string) int {
	cfg := config.FromEnv()
	logger := qlog.New(cfg.Environment)
	defer logger.Sync() //nolint:errcheck

	commands := map[string]command{
		"import": {
			usage:       "import --input <path> [--skip-unknown]",
			description: "normalize raw CSV into canonical transactions",
			execute:     func(a []string) int { return runImport(a, cfg, logger) },
		},
		"reconcile": {
			usage:       "reconcile --input <path> [--snapshot <path>]",
			description: "normalize and reconcile balances",
			execute:     func(a []string) int { return runReconcile(a, cfg, logger) },
		},
		"compute": {
			usage:       "compute --input <path> [--snapshot <path>] --out <dir>",
			description: "run the full pipeline and write CSV reports",
			execute:     func(a []string) int { return runCompute(a, cfg, logger) },
		},
		"report": {
			usage:       "report --out <dir> --sink postgres",
			description: "re-render CSV reports from a durable sink without recomputing",
			execute:     func(a []string) int { return runReport(a, cfg) },
		},
	}
	commands["help"] = command{
		usage:       "help",
		description: "show this help message",
		execute:     func(a []string) int { printUsage(commands); return ExitOK },
	}

	if len(args) < 1 {
		printUsage(commands)
		return ExitInputInvalid
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage(commands)
		return ExitInputInvalid
	}
	return cmd.execute(args[1:])
}

func printUsage(commands map[string]command) {
	fmt.Println("Usage: qntropy <command> [flags]")
	fmt.Println("\nAvailable commands:")
	var names []string
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		fmt.Printf("  %-55s %s\n", cmd.usage, cmd.description)
	}
}

func parseFlags(name string, args []string) (*flags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := &flags{}
	fs.StringVar(&f.Input, "input", "", "path to the aggregator's input CSV")
	fs.StringVar(&f.Snapshot, "snapshot", "", "path to the final-balance snapshot CSV")
	fs.StringVar(&f.Out, "out", ".", "output directory for CSV reports")
	fs.IntVar(&f.Year, "year", 0, "restrict to a single tax year (0 = all years)")
	fs.StringVar(&f.TZ, "tz", "", "IANA timezone for Date parsing (defaults to config)")
	fs.StringVar(&f.Tolerance, "tolerance", "", "absolute decimal balance tolerance")
	fs.BoolVar(&f.SkipUnknown, "skip-unknown", false, "demote unknown Type values to a skipped row")
	fs.StringVar(&f.Sink, "sink", "memory", "event sink backend: memory or postgres (postgres needs QNTROPY_POSTGRES_DSN)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func runImport(args []string, cfg config.Config, logger *zap.Logger) int {
	f, err := parseFlags("import", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	if f.Input == "" {
		fmt.Fprintln(os.Stderr, "--input is required")
		return ExitInputInvalid
	}

	opts, err := resolveOptions(cfg, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	rows, sourceHash, err := readInputCSV(f.Input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	result, err := normalize.Normalize(rows, sourceHash, normalize.Options{
		Location:    opts.Location,
		SkipUnknown: opts.SkipUnknown,
	})
	if err != nil {
		logger.Error("normalize failed", qlog.Error(err))
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	fmt.Printf("normalized %d transactions, %d rows skipped\n", len(result.Txs), len(result.Audit))
	return ExitOK
}

func runReconcile(args []string, cfg config.Config, logger *zap.Logger) int {
	f, err := parseFlags("reconcile", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	if f.Input == "" {
		fmt.Fprintln(os.Stderr, "--input is required")
		return ExitInputInvalid
	}

	opts, err := resolveOptions(cfg, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	rows, sourceHash, err := readInputCSV(f.Input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	normResult, err := normalize.Normalize(rows, sourceHash, normalize.Options{
		Location:    opts.Location,
		SkipUnknown: opts.SkipUnknown,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	snapshot, err := readSnapshot(f.Snapshot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	reconResult, err := reconcile.Reconcile(normResult.Txs, snapshot, opts.Tolerance)
	if err != nil {
		logger.Error("reconciliation failed", qlog.Error(err))
		fmt.Fprintln(os.Stderr, err)
		return ExitReconcileFatal
	}
	repairs := 0
	for _, a := range reconResult.Audit {
		if a.Category == model.SyntheticInserted {
			repairs++
		}
	}
	fmt.Printf("reconciled %d transactions (%d synthetic repairs)\n", len(reconResult.Txs), repairs)
	return ExitOK
}

func runCompute(args []string, cfg config.Config, logger *zap.Logger) int {
	f, err := parseFlags("compute", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	if f.Input == "" {
		fmt.Fprintln(os.Stderr, "--input is required")
		return ExitInputInvalid
	}

	opts, err := resolveOptions(cfg, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	rows, sourceHash, err := readInputCSV(f.Input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	snapshot, err := readSnapshot(f.Snapshot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	oracle, err := buildOracle(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	ctx := context.Background()
	s, closeSink, err := buildSink(ctx, cfg, f.Sink)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	defer closeSink()

	res, runErr := pipeline.Run(ctx, oracle, s, rows, snapshot, sourceHash, pipeline.Options{
		Location:    opts.Location,
		Tolerance:   opts.Tolerance,
		SkipUnknown: opts.SkipUnknown,
	})

	var fatal *qerr.ReconciliationFatal
	if errors.As(runErr, &fatal) {
		logger.Error("reconciliation invariant violated", qlog.Error(runErr))
		fmt.Fprintln(os.Stderr, runErr)
		return ExitReconcileFatal
	}
	if runErr != nil {
		var unknownKind *qerr.UnknownTxKind
		if errors.As(runErr, &unknownKind) {
			fmt.Fprintln(os.Stderr, runErr)
			return ExitInputInvalid
		}
	}

	events := res.TaxEvents
	if f.Year != 0 {
		events = filterByYear(events, f.Year)
	}

	if err := writeReports(f.Out, events, res.Audit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	exitCode := ExitOK
	var missing *qerr.MissingPrice
	if errors.As(runErr, &missing) {
		logger.Warn("run completed with missing prices", qlog.Error(runErr))
		fmt.Fprintln(os.Stderr, runErr)
		exitCode = ExitMissingPrice
	}

	fmt.Printf("wrote %d tax events, %d audit entries to %s\n", len(events), len(res.Audit), f.Out)
	return exitCode
}

// runReport re-renders the §6 CSV reports from a sink's full contents
// without re-running the pipeline. Only meaningful against a durable sink
// ("postgres"); a "memory" sink holds nothing once its owning process has
// exited, so that combination is rejected rather than silently emitting
// empty reports.
func runReport(args []string, cfg config.Config) int {
	f, err := parseFlags("report", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	if f.Sink == "" || f.Sink == "memory" {
		fmt.Fprintln(os.Stderr, "report requires --sink postgres; a memory sink has no state across invocations")
		return ExitInputInvalid
	}

	ctx := context.Background()
	s, closeSink, err := buildSink(ctx, cfg, f.Sink)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	defer closeSink()

	events, err := s.TaxEvents(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	if f.Year != 0 {
		events = filterByYear(events, f.Year)
	}
	audit, err := s.AuditEntries(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}

	if err := writeReports(f.Out, events, audit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInputInvalid
	}
	fmt.Printf("wrote %d tax events, %d audit entries to %s\n", len(events), len(audit), f.Out)
	return ExitOK
}

func resolveOptions(cfg config.Config, f *flags) (pipeline.Options, error) {
	tz := f.TZ
	if tz == "" {
		tz = cfg.TZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("loading timezone %q: %w", tz, err)
	}

	tolerance := cfg.Tolerance
	if f.Tolerance != "" {
		tolerance, err = decimal.NewFromString(f.Tolerance)
		if err != nil {
			return pipeline.Options{}, fmt.Errorf("parsing --tolerance: %w", err)
		}
	}

	return pipeline.Options{
		Location:    loc,
		Tolerance:   tolerance,
		SkipUnknown: f.SkipUnknown,
	}, nil
}

func buildOracle(cfg config.Config) (fifo.PriceSource, error) {
	cache := priceoracle.NewDiskCache(cfg.PriceCacheDir)

	var providers []priceoracle.Provider
	switch cfg.PriceProvider {
	case "fixture":
		providers = append(providers, priceoracle.NewFixtureProvider(nil))
	case "polygon":
		key, err := cfg.RequirePriceAPIKey()
		if err != nil {
			return nil, err
		}
		providers = append(providers, priceoracle.NewPolygonProvider(key))
	default:
		return nil, fmt.Errorf("unknown QNTROPY_PRICE_PROVIDER %q", cfg.PriceProvider)
	}

	oracle := priceoracle.New(cache, providers)
	oracle.ProviderTimeout = cfg.ProviderTimeout
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		oracle.Hot = priceoracle.NewRedisHotCache(client)
	}
	return oracle, nil
}

// buildSink constructs the Sink a `compute`/`report` run writes to. "memory"
// (the default) lives only for the process's lifetime; "postgres" opens a
// pool against QNTROPY_POSTGRES_DSN and bootstraps its schema, giving the
// durable, queryable ledger §4.5 adds alongside MemorySink. The returned
// close func must be called once the sink is no longer needed.
func buildSink(ctx context.Context, cfg config.Config, kind string) (sink.Sink, func(), error) {
	switch kind {
	case "", "memory":
		return sink.NewMemorySink(), func() {}, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("--sink postgres requires QNTROPY_POSTGRES_DSN")
		}
		pool, err := pgxpool.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		ps := sink.NewPostgresSink(pool)
		if err := ps.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("bootstrapping postgres schema: %w", err)
		}
		return ps, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown --sink %q", kind)
	}
}

func readInputCSV(path string) ([]normalize.Row, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("reading input: %w", err)
	}
	sourceHash := fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))

	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, "", fmt.Errorf("parsing input CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, "", fmt.Errorf("input CSV has no rows")
	}

	header := records[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	get := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	rows := make([]normalize.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, normalize.Row{
			Type:         get(rec, "Type"),
			BuyAmount:    get(rec, "Buy Amount"),
			BuyCurrency:  get(rec, "Buy Currency"),
			SellAmount:   get(rec, "Sell Amount"),
			SellCurrency: get(rec, "Sell Currency"),
			Fee:          get(rec, "Fee"),
			FeeCurrency:  get(rec, "Fee Currency"),
			Exchange:     get(rec, "Exchange"),
			Group:        get(rec, "Group"),
			Comment:      get(rec, "Comment"),
			Date:         get(rec, "Date"),
		})
	}
	return rows, sourceHash, nil
}

// readSnapshot parses the §6 two-column snapshot CSV, whose first
// non-blank line is a `# as_of=<ISO-8601>` comment header rather than a
// regular CSV row.
func readSnapshot(path string) (*reconcile.Snapshot, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	var asOf time.Time
	var asOfFound bool
	var bodyStart int
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "# as_of=") {
			asOf, err = time.Parse(time.RFC3339, strings.TrimPrefix(trimmed, "# as_of="))
			if err != nil {
				return nil, fmt.Errorf("parsing snapshot as_of header: %w", err)
			}
			asOfFound = true
			bodyStart = i + 1
		}
		break
	}
	if !asOfFound {
		return nil, fmt.Errorf("snapshot missing required '# as_of=<ISO-8601>' header")
	}

	r := csv.NewReader(strings.NewReader(strings.Join(lines[bodyStart:], "\n")))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot CSV: %w", err)
	}

	balances := make(map[string]decimal.Decimal)
	for i, rec := range records {
		if len(rec) < 2 {
			continue
		}
		asset := strings.TrimSpace(rec[0])
		if i == 0 && strings.EqualFold(asset, "asset") {
			continue
		}
		if asset == "" {
			continue
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("parsing snapshot amount for %s: %w", asset, err)
		}
		balances[strings.ToUpper(asset)] = amount
	}

	return &reconcile.Snapshot{AsOf: asOf, Balances: balances, Source: filepath.Base(path)}, nil
}

func writeReports(outDir string, events []model.TaxEvent, audit []model.AuditEntry) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	eventsFile, err := os.Create(filepath.Join(outDir, "tax_events.csv"))
	if err != nil {
		return err
	}
	defer eventsFile.Close()
	if err := report.WriteTaxEvents(eventsFile, events); err != nil {
		return fmt.Errorf("writing tax_events.csv: %w", err)
	}

	auditFile, err := os.Create(filepath.Join(outDir, "audit.csv"))
	if err != nil {
		return err
	}
	defer auditFile.Close()
	if err := report.WriteAudit(auditFile, audit); err != nil {
		return fmt.Errorf("writing audit.csv: %w", err)
	}
	return nil
}

func filterByYear(events []model.TaxEvent, year int) []model.TaxEvent {
	out := make([]model.TaxEvent, 0, len(events))
	for _, ev := range events {
		if ev.TaxYear == year {
			out = append(out, ev)
		}
	}
	return out
}
