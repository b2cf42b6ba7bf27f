package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/metrics"
)

// ledgerAvailable 与 ledger.Totals 的 Available 口径一致
const ledgerAvailable = `COALESCE(SUM(le.amount) FILTER (WHERE le.state = 'confirmed' OR (le.amount < 0 AND le.state <> 'cancelled')), 0)`

const ledgerPending = `COALESCE(SUM(le.amount) FILTER (WHERE le.state = 'pending'), 0)`

var (
	accountAvailableQuery = `
SELECT
    ab.user_id,
    ab.account_id,
    ab.asset_id,
    ` + ledgerAvailable + ` AS ledger_available,
    ab.available_balance,
    ` + ledgerAvailable + ` - ab.available_balance AS available_diff
FROM custody.account_balances ab
LEFT JOIN custody.ledger_entries le
    ON le.user_id = ab.user_id AND le.account_id = ab.account_id AND le.asset_id = ab.asset_id
GROUP BY ab.user_id, ab.account_id, ab.asset_id, ab.available_balance
HAVING ` + ledgerAvailable + ` != ab.available_balance;
`
	accountPendingQuery = `
SELECT
    ab.user_id,
    ab.account_id,
    ab.asset_id,
    ` + ledgerPending + ` AS ledger_pending,
    ab.total_pending,
    ` + ledgerPending + ` - ab.total_pending AS pending_diff
FROM custody.account_balances ab
LEFT JOIN custody.ledger_entries le
    ON le.user_id = ab.user_id AND le.account_id = ab.account_id AND le.asset_id = ab.asset_id
GROUP BY ab.user_id, ab.account_id, ab.asset_id, ab.total_pending
HAVING ` + ledgerPending + ` != ab.total_pending;
`
	userAvailableQuery = `
SELECT
    ub.user_id,
    0 AS account_id,
    ub.asset_id,
    COALESCE(SUM(ab.available_balance), 0) AS accounts_available,
    ub.available_balance,
    COALESCE(SUM(ab.available_balance), 0) - ub.available_balance AS available_diff
FROM custody.user_balances ub
LEFT JOIN custody.account_balances ab
    ON ab.user_id = ub.user_id AND ab.asset_id = ub.asset_id
GROUP BY ub.user_id, ub.asset_id, ub.available_balance
HAVING COALESCE(SUM(ab.available_balance), 0) != ub.available_balance;
`
	userPendingQuery = `
SELECT
    ub.user_id,
    0 AS account_id,
    ub.asset_id,
    COALESCE(SUM(ab.total_pending), 0) AS accounts_pending,
    ub.total_pending,
    COALESCE(SUM(ab.total_pending), 0) - ub.total_pending AS pending_diff
FROM custody.user_balances ub
LEFT JOIN custody.account_balances ab
    ON ab.user_id = ub.user_id AND ab.asset_id = ub.asset_id
GROUP BY ub.user_id, ub.asset_id, ub.total_pending
HAVING COALESCE(SUM(ab.total_pending), 0) != ub.total_pending;
`
)

const balanceCountQuery = `
SELECT COUNT(*), COUNT(DISTINCT user_id)
FROM custody.account_balances;
`

const (
	kindAccountAvailable = "account_available"
	kindAccountPending   = "account_pending"
	kindUserAvailable    = "user_available"
	kindUserPending      = "user_pending"
)

var checks = []struct {
	kind  string
	query string
}{
	{kindAccountAvailable, accountAvailableQuery},
	{kindAccountPending, accountPendingQuery},
	{kindUserAvailable, userAvailableQuery},
	{kindUserPending, userPendingQuery},
}

func fixStatement(d discrepancy) (string, []interface{}, bool) {
	switch d.Kind {
	case kindAccountAvailable:
		return "UPDATE custody.account_balances SET available_balance = $1 WHERE user_id = $2 AND account_id = $3 AND asset_id = $4",
			[]interface{}{d.Expected, d.UserID, d.AccountID, d.AssetID}, true
	case kindAccountPending:
		return "UPDATE custody.account_balances SET total_pending = $1 WHERE user_id = $2 AND account_id = $3 AND asset_id = $4",
			[]interface{}{d.Expected, d.UserID, d.AccountID, d.AssetID}, true
	case kindUserAvailable:
		return "UPDATE custody.user_balances SET available_balance = $1 WHERE user_id = $2 AND asset_id = $3",
			[]interface{}{d.Expected, d.UserID, d.AssetID}, true
	case kindUserPending:
		return "UPDATE custody.user_balances SET total_pending = $1 WHERE user_id = $2 AND asset_id = $3",
			[]interface{}{d.Expected, d.UserID, d.AssetID}, true
	}
	return "", nil, false
}

type reconciliationConfig struct {
	DBURL        string
	Verbose      bool
	Alert        bool
	WebhookURL   string
	Fix          bool
	FixThreshold string
	ReportPath   string
	Format       string
	Cron         string
	MetricsAddr  string
}

type discrepancy struct {
	UserID    int64  `json:"user_id"`
	AccountID int64  `json:"account_id,omitempty"`
	AssetID   int64  `json:"asset_id"`
	Kind      string `json:"kind"`
	Diff      string `json:"diff"`
	Expected  string `json:"expected"`
	Balance   string `json:"balance"`
}

// errorRecorder 对账差异计数
type errorRecorder interface {
	AddReconciliationErrors(n int)
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
	recorder   errorRecorder
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (reconciliationConfig, error) {
	fs := flag.NewFlagSet("reconciliation", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg reconciliationConfig
	fs.StringVar(&cfg.DBURL, "db-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code on discrepancy")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for discrepancy alerts")
	fs.BoolVar(&cfg.Fix, "fix", false, "rewrite balance rows whose drift is within --fix-threshold")
	fs.StringVar(&cfg.FixThreshold, "fix-threshold", "0", "largest absolute drift that --fix rewrites")
	fs.StringVar(&cfg.ReportPath, "report", "", "write JSON report to file")
	fs.StringVar(&cfg.Format, "format", "text", "stdout format: text or json")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled reconciliation runs")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve /metrics on this address in --cron mode")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	switch cfg.Format {
	case "text", "json":
	default:
		return cfg, fmt.Errorf("invalid --format %q", cfg.Format)
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg reconciliationConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	code, err := runWithDB(ctx, db, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg reconciliationConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled reconciliation...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if cfg.MetricsAddr != "" {
		collector := metrics.NewDefault()
		recorder = collector
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: collector.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(errOut, "metrics server error: %v\n", err)
			}
		}()
		defer srv.Close()
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled reconciliation...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled reconciliation exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return 0
}

func runWithDB(ctx context.Context, db *sql.DB, cfg reconciliationConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting reconciliation checks...")
	}

	threshold, err := decimal.NewFromString(strings.TrimSpace(cfg.FixThreshold))
	if err != nil || threshold.IsNegative() {
		return 2, fmt.Errorf("invalid fix threshold: %q", cfg.FixThreshold)
	}

	balanceCount, userCount, err := fetchCounts(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to count balances: %w", err)
	}

	var discrepancies []discrepancy
	for _, c := range checks {
		if cfg.Verbose {
			fmt.Fprintf(out, "Checking %s...\n", c.kind)
		}
		found, err := fetchDiscrepancies(ctx, db, c.query, c.kind)
		if err != nil {
			return 2, fmt.Errorf("failed to query %s discrepancies: %w", c.kind, err)
		}
		discrepancies = append(discrepancies, found...)
	}

	fixed := []discrepancy{}
	unresolved := discrepancies
	if cfg.Fix && len(discrepancies) > 0 {
		fixed, unresolved, err = fixDiscrepancies(ctx, db, discrepancies, threshold)
		if err != nil {
			return 2, fmt.Errorf("failed to fix discrepancies: %w", err)
		}
	}
	if recorder != nil && len(unresolved) > 0 {
		recorder.AddReconciliationErrors(len(unresolved))
	}

	report := buildReport(balanceCount, userCount, discrepancies, fixed, unresolved)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}

	if cfg.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return 2, err
		}
	} else if len(unresolved) == 0 {
		fmt.Fprintf(out, "✓ Reconciliation passed: %d balances, %d users checked\n", balanceCount, userCount)
	}

	if len(unresolved) == 0 {
		return 0, nil
	}

	for _, d := range unresolved {
		fmt.Fprintf(errOut, "✗ Discrepancy found: user_id=%d, account_id=%d, asset_id=%d, type=%s, diff=%s\n",
			d.UserID, d.AccountID, d.AssetID, d.Kind, d.Diff)
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, unresolved); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func fetchCounts(ctx context.Context, db *sql.DB) (int64, int64, error) {
	var balances, users int64
	if err := db.QueryRowContext(ctx, balanceCountQuery).Scan(&balances, &users); err != nil {
		return 0, 0, err
	}
	return balances, users, nil
}

func fetchDiscrepancies(ctx context.Context, db *sql.DB, query, kind string) ([]discrepancy, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []discrepancy
	for rows.Next() {
		var d discrepancy
		var expected, balance, diff sql.NullString
		if err := rows.Scan(&d.UserID, &d.AccountID, &d.AssetID, &expected, &balance, &diff); err != nil {
			return nil, err
		}
		d.Kind = kind
		d.Expected = expected.String
		d.Balance = balance.String
		d.Diff = diff.String
		results = append(results, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func fixDiscrepancies(ctx context.Context, db *sql.DB, discrepancies []discrepancy, threshold decimal.Decimal) ([]discrepancy, []discrepancy, error) {
	var fixed, unresolved []discrepancy

	for _, d := range discrepancies {
		diff, err := decimal.NewFromString(d.Diff)
		if err != nil || d.Expected == "" || diff.Abs().GreaterThan(threshold) {
			unresolved = append(unresolved, d)
			continue
		}
		query, args, ok := fixStatement(d)
		if !ok {
			unresolved = append(unresolved, d)
			continue
		}
		// 账户余额不得修成负数
		if d.Kind == kindAccountAvailable {
			if expected, err := decimal.NewFromString(d.Expected); err != nil || expected.IsNegative() {
				unresolved = append(unresolved, d)
				continue
			}
		}
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return nil, nil, err
		}
		fixed = append(fixed, d)
	}
	return fixed, unresolved, nil
}

func sendWebhook(ctx context.Context, url string, discrepancies []discrepancy) error {
	payload := map[string]interface{}{
		"message":       "custody reconciliation discrepancies detected",
		"text":          buildAlertMessage("Custody reconciliation discrepancies detected", discrepancies),
		"discrepancies": discrepancies,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

func buildAlertMessage(title string, discrepancies []discrepancy) string {
	var b strings.Builder
	fmt.Fprintln(&b, title)
	for _, d := range discrepancies {
		fmt.Fprintf(&b, "user_id=%d account_id=%d asset_id=%d type=%s diff=%s\n", d.UserID, d.AccountID, d.AssetID, d.Kind, d.Diff)
	}
	return strings.TrimSpace(b.String())
}

type reconciliationReport struct {
	RunAt            string        `json:"run_at"`
	BalanceCount     int64         `json:"balance_count"`
	UserCount        int64         `json:"user_count"`
	DiscrepancyCount int           `json:"discrepancy_count"`
	FixedCount       int           `json:"fixed_count"`
	UnresolvedCount  int           `json:"unresolved_count"`
	Discrepancies    []discrepancy `json:"discrepancies"`
	Fixed            []discrepancy `json:"fixed"`
}

func buildReport(balanceCount, userCount int64, discrepancies, fixed, unresolved []discrepancy) reconciliationReport {
	return reconciliationReport{
		RunAt:            time.Now().UTC().Format(time.RFC3339),
		BalanceCount:     balanceCount,
		UserCount:        userCount,
		DiscrepancyCount: len(discrepancies),
		FixedCount:       len(fixed),
		UnresolvedCount:  len(unresolved),
		Discrepancies:    discrepancies,
		Fixed:            fixed,
	}
}

func writeReport(path string, report reconciliationReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
