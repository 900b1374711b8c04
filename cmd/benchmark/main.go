// Benchmark tool for measuring Kestrel detection quality on labelled POS data.
//
// Usage:
//
//	go run ./cmd/benchmark --csv /path/to/sales.csv --url http://localhost:8080
//
// This tool:
//  1. Reads point-of-sale transactions with a per-row is_fraud_actor label
//  2. Ingests them into a running Kestrel through POST /transactions
//  3. Runs one scan over the dataset's time span
//  4. Compares the flagged (scope, actor) pairs with the labels and reports
//     precision, recall, F1-score and the confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cobra"
)

// LabelledSale is one row of the benchmark dataset.
type LabelledSale struct {
	Tx      domain.Transaction
	IsFraud bool
}

// actorKey identifies an actor within a scope; labels and verdicts are per actor.
type actorKey struct {
	ScopeID string
	ActorID string
}

// Metrics tracks benchmark results per actor.
type Metrics struct {
	TruePositives  int // fraudulent actor flagged
	FalsePositives int // honest actor flagged
	TrueNegatives  int // honest actor not flagged
	FalseNegatives int // fraudulent actor missed

	Transactions int64
	IngestErrors int64
	IngestTime   time.Duration
	ScanTime     time.Duration
}

// Precision is the share of flagged actors that were fraudulent.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is the share of fraudulent actors that were flagged.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

var opts struct {
	csvPath   string
	baseURL   string
	tenantID  string
	limit     int
	workers   int
	batchSize int
	verbose   bool
}

var rootCmd = &cobra.Command{
	Use:          "benchmark",
	Short:        "Measure Kestrel detection quality on labelled POS data",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.csvPath, "csv", "", "path to the labelled sales CSV (required)")
	f.StringVar(&opts.baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	f.StringVar(&opts.tenantID, "tenant", "benchmark-test", "tenant ID for requests")
	f.IntVar(&opts.limit, "limit", 0, "maximum rows to read (0 = all)")
	f.IntVar(&opts.workers, "workers", 4, "concurrent ingest requests")
	f.IntVar(&opts.batchSize, "batch", 500, "transactions per ingest request")
	f.BoolVar(&opts.verbose, "verbose", false, "print every actor verdict")
	_ = rootCmd.MarkFlagRequired("csv")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	client := &http.Client{Timeout: 5 * time.Minute}

	fmt.Fprintln(out, "KESTREL BENCHMARK - labelled POS data")
	fmt.Fprintf(out, "\nCSV File:    %s\n", opts.csvPath)
	fmt.Fprintf(out, "Kestrel URL: %s\n", opts.baseURL)
	fmt.Fprintf(out, "Tenant ID:   %s\n", opts.tenantID)
	fmt.Fprintf(out, "Workers:     %d\n\n", opts.workers)

	if err := checkHealth(client, opts.baseURL); err != nil {
		return fmt.Errorf("kestrel not reachable at %s: %w", opts.baseURL, err)
	}
	fmt.Fprintln(out, "Kestrel is healthy")

	file, err := os.Open(opts.csvPath)
	if err != nil {
		return err
	}
	defer file.Close()

	sales, err := readSales(file, opts.limit)
	if err != nil {
		return fmt.Errorf("failed to read CSV: %w", err)
	}
	labels := actorLabels(sales)
	fraudActors := 0
	for _, fraud := range labels {
		if fraud {
			fraudActors++
		}
	}
	fmt.Fprintf(out, "Loaded %d transactions from %d actors (%d labelled fraudulent)\n", len(sales), len(labels), fraudActors)

	m := &Metrics{}
	start := time.Now()
	ingest(client, sales, m)
	m.IngestTime = time.Since(start)
	if m.IngestErrors > 0 {
		fmt.Fprintf(out, "WARNING: %d ingest requests failed\n", m.IngestErrors)
	}

	from, to := span(sales)
	start = time.Now()
	res, err := scan(client, from, to.Add(time.Second))
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	m.ScanTime = time.Since(start)

	flagged := make(map[actorKey]domain.ConsolidatedFinding)
	for _, cf := range res.Consolidated {
		flagged[actorKey{cf.ScopeID, cf.ActorID}] = cf
	}
	score(m, labels, flagged)

	if opts.verbose {
		printVerdicts(out, labels, flagged)
	}
	printResults(out, m, res)
	return nil
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readSales parses the benchmark CSV. Columns are matched by header name;
// malformed rows are skipped.
func readSales(r io.Reader, limit int) ([]LabelledSale, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"scope_id", "actor_id", "amount", "payment_method", "timestamp", "is_fraud_actor"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	field := func(record []string, name string) string {
		if i, ok := col[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	var sales []LabelledSale
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		ts, err := time.Parse(time.RFC3339, field(record, "timestamp"))
		if err != nil {
			continue
		}
		amount, err := strconv.ParseFloat(field(record, "amount"), 64)
		if err != nil {
			continue
		}
		discount, _ := strconv.ParseFloat(field(record, "discount_amount"), 64)

		sales = append(sales, LabelledSale{
			Tx: domain.Transaction{
				ID:               field(record, "id"),
				ScopeID:          field(record, "scope_id"),
				ActorID:          field(record, "actor_id"),
				SecondaryActorID: field(record, "secondary_actor_id"),
				CustomerID:       field(record, "customer_id"),
				Amount:           amount,
				DiscountAmount:   discount,
				DiscountReason:   field(record, "discount_reason"),
				PaymentMethod:    field(record, "payment_method"),
				Timestamp:        ts.UTC(),
			},
			IsFraud: field(record, "is_fraud_actor") == "1",
		})

		if limit > 0 && len(sales) >= limit {
			break
		}
	}
	return sales, nil
}

// actorLabels marks an actor fraudulent when any of their rows is.
func actorLabels(sales []LabelledSale) map[actorKey]bool {
	labels := make(map[actorKey]bool)
	for _, s := range sales {
		k := actorKey{s.Tx.ScopeID, s.Tx.ActorID}
		labels[k] = labels[k] || s.IsFraud
	}
	return labels
}

func span(sales []LabelledSale) (time.Time, time.Time) {
	var from, to time.Time
	for i, s := range sales {
		if i == 0 || s.Tx.Timestamp.Before(from) {
			from = s.Tx.Timestamp
		}
		if s.Tx.Timestamp.After(to) {
			to = s.Tx.Timestamp
		}
	}
	return from, to
}

func ingest(client *http.Client, sales []LabelledSale, m *Metrics) {
	work := make(chan []*domain.Transaction, opts.workers)
	var wg sync.WaitGroup

	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range work {
				if err := post(client, "/transactions", map[string]any{"transactions": batch}, nil); err != nil {
					atomic.AddInt64(&m.IngestErrors, 1)
					continue
				}
				atomic.AddInt64(&m.Transactions, int64(len(batch)))
			}
		}()
	}

	batch := make([]*domain.Transaction, 0, opts.batchSize)
	for i := range sales {
		batch = append(batch, &sales[i].Tx)
		if len(batch) == opts.batchSize {
			work <- batch
			batch = make([]*domain.Transaction, 0, opts.batchSize)
		}
	}
	if len(batch) > 0 {
		work <- batch
	}
	close(work)
	wg.Wait()
}

func scan(client *http.Client, from, to time.Time) (*domain.ScanResult, error) {
	var res domain.ScanResult
	req := domain.ScanRequest{From: from, To: to, RequestedBy: "benchmark"}
	if err := post(client, "/scans", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func post(client *http.Client, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, opts.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", opts.tenantID)
	req.Header.Set("X-Actor-ID", "benchmark")
	req.Header.Set("X-Actor-Kind", domain.ActorSystem)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// score fills the confusion matrix. Flagged actors absent from the labels
// count as false positives.
func score(m *Metrics, labels map[actorKey]bool, flagged map[actorKey]domain.ConsolidatedFinding) {
	for k, fraud := range labels {
		_, hit := flagged[k]
		switch {
		case hit && fraud:
			m.TruePositives++
		case hit && !fraud:
			m.FalsePositives++
		case !hit && fraud:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}
	}
	for k := range flagged {
		if _, ok := labels[k]; !ok {
			m.FalsePositives++
		}
	}
}

func printVerdicts(w io.Writer, labels map[actorKey]bool, flagged map[actorKey]domain.ConsolidatedFinding) {
	keys := make([]actorKey, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ScopeID != keys[j].ScopeID {
			return keys[i].ScopeID < keys[j].ScopeID
		}
		return keys[i].ActorID < keys[j].ActorID
	})

	fmt.Fprintln(w)
	for _, k := range keys {
		cf, hit := flagged[k]
		mark := "ok"
		if hit != labels[k] {
			mark = "XX"
		}
		verdict := "-"
		if hit {
			verdict = fmt.Sprintf("%s %.2f %s", cf.Severity, cf.Confidence, strings.Join(cf.PatternsDetected, "+"))
		}
		fmt.Fprintf(w, "%s %-12s %-12s fraud=%-5v kestrel=%s\n", mark, k.ScopeID, k.ActorID, labels[k], verdict)
	}
}

func printResults(w io.Writer, m *Metrics, res *domain.ScanResult) {
	fmt.Fprintln(w, "\nBENCHMARK RESULTS")

	fmt.Fprintf(w, "\nDATASET\n")
	fmt.Fprintf(w, "   Transactions:     %d\n", m.Transactions)
	fmt.Fprintf(w, "   Ingest errors:    %d\n", m.IngestErrors)
	fmt.Fprintf(w, "   Scan run:         %s (%s)\n", res.RunID, res.Status)
	fmt.Fprintf(w, "   Detector failures: %d\n", len(res.Failures))
	fmt.Fprintf(w, "   Cases:            %d\n", len(res.CaseIDs))

	fmt.Fprintf(w, "\nCONFUSION MATRIX (per actor)\n")
	fmt.Fprintln(w, "                    flagged   not flagged")
	fmt.Fprintf(w, "   fraudulent     %8d  %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(w, "   honest         %8d  %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Fprintf(w, "\nDETECTION METRICS\n")
	fmt.Fprintf(w, "   Precision:  %.4f\n", m.Precision())
	fmt.Fprintf(w, "   Recall:     %.4f\n", m.Recall())
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", m.F1())

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Ingest:     %v", m.IngestTime.Round(time.Millisecond))
	if secs := m.IngestTime.Seconds(); secs > 0 {
		fmt.Fprintf(w, " (%.0f tx/sec)", float64(m.Transactions)/secs)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "   Scan:       %v\n\n", m.ScanTime.Round(time.Millisecond))
}
