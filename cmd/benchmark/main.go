// Benchmark replays PaySim fraud data against a running Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each row becomes a transaction for its originating account. In "ingest"
// mode rows go through POST /v1/transactions so velocity and the monthly AML
// window see earlier rows; "assess" mode scores every row in isolation. A
// row counts as flagged when the assessment needs review or the AML result
// needs manual review. Flags are compared with the
// dataset's fraud labels.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// paySimHours is the span of the PaySim dataset; step is an hour index.
const paySimHours = 744

// Row is one labelled PaySim record.
type Row struct {
	Step     int
	Type     string
	Amount   float64
	NameOrig string
	NameDest string
	IsFraud  bool
}

// verdict is the subset of /v1/assess and /v1/transactions responses used here.
type verdict struct {
	Score          float64
	RequiresReview bool
}

type ingestResponse struct {
	Assessment domain.Assessment `json:"assessment"`
	AML        domain.AMLRisk    `json:"aml"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64

	TotalErrors atomic.Int64
	LatencyMs   atomic.Int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	mode := flag.String("mode", "ingest", "assess (stateless) or ingest (stored history)")
	limit := flag.Int("limit", 10000, "Maximum rows to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	if *csvPath == "" || (*mode != "assess" && *mode != "ingest") {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080] [-mode assess|ingest]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	rows, err := readPaySimCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d rows from %s, replaying in %s mode with %d workers\n", len(rows), *csvPath, *mode, *workers)

	start := time.Now()
	m := run(rows, *baseURL, *mode, *workers, *verbose)
	printResults(m, len(rows), time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPaySimCSV(path string, limit int) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(name)] = i
	}
	for _, name := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		step, _ := strconv.Atoi(record[col["step"]])
		amount, _ := strconv.ParseFloat(record[col["amount"]], 64)
		if amount <= 0 {
			continue
		}

		rows = append(rows, Row{
			Step:     step,
			Type:     record[col["type"]],
			Amount:   amount,
			NameOrig: record[col["nameorig"]],
			NameDest: record[col["namedest"]],
			IsFraud:  record[col["isfraud"]] == "1",
		})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// toTransaction places the row's step inside the last 31 days.
func toTransaction(r Row, epoch time.Time) domain.Transaction {
	return domain.Transaction{
		ID:            uuid.NewString(),
		UserID:        r.NameOrig,
		Amount:        r.Amount,
		Merchant:      r.NameDest,
		Timestamp:     epoch.Add(time.Duration(r.Step) * time.Hour),
		IPAddress:     "198.51.100.10",
		UserAgent:     "kestrel-benchmark",
		PaymentMethod: strings.ToLower(r.Type),
	}
}

func run(rows []Row, baseURL, mode string, numWorkers int, verbose bool) *Metrics {
	m := &Metrics{}
	epoch := time.Now().UTC().Add(-paySimHours * time.Hour).Truncate(time.Hour)

	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for r := range work {
				start := time.Now()
				v, err := submit(client, baseURL, mode, toTransaction(r, epoch))
				m.LatencyMs.Add(time.Since(start).Milliseconds())

				if err != nil {
					m.TotalErrors.Add(1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", r.NameOrig, err)
					}
					continue
				}

				switch {
				case v.RequiresReview && r.IsFraud:
					m.TruePositives.Add(1)
				case v.RequiresReview:
					m.FalsePositives.Add(1)
				case r.IsFraud:
					m.FalseNegatives.Add(1)
				default:
					m.TrueNegatives.Add(1)
				}

				if verbose {
					fmt.Printf("%-12s | %-8s | %12.2f | fraud=%-5v | score=%5.1f flagged=%v\n",
						r.NameOrig, r.Type, r.Amount, r.IsFraud, v.Score, v.RequiresReview)
				}
			}
		}()
	}

	for _, r := range rows {
		work <- r
	}
	close(work)
	wg.Wait()

	return m
}

func submit(client *http.Client, baseURL, mode string, tx domain.Transaction) (verdict, error) {
	path, body := "/v1/transactions", any(tx)
	if mode == "assess" {
		path, body = "/v1/assess", map[string]any{"transaction": tx}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return verdict{}, err
	}

	resp, err := client.Post(baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return verdict{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	if mode == "assess" {
		var a domain.Assessment
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return verdict{}, err
		}
		return verdict{Score: a.Score, RequiresReview: a.RequiresReview}, nil
	}

	var res ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return verdict{}, err
	}
	return verdict{
		Score:          res.Assessment.Score,
		RequiresReview: res.Assessment.RequiresReview || res.AML.RequiresManualReview,
	}, nil
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func printResults(m *Metrics, total int, duration time.Duration) {
	tp, fp := m.TruePositives.Load(), m.FalsePositives.Load()
	tn, fn := m.TrueNegatives.Load(), m.FalseNegatives.Load()

	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Println()
	fmt.Printf("RESULTS: %d rows, %d errors\n", total, m.TotalErrors.Load())

	confusion := tablewriter.NewWriter(os.Stdout)
	confusion.SetHeader([]string{"", "Flagged", "Passed"})
	confusion.Append([]string{"Fraud", strconv.FormatInt(tp, 10), strconv.FormatInt(fn, 10)})
	confusion.Append([]string{"Legitimate", strconv.FormatInt(fp, 10), strconv.FormatInt(tn, 10)})
	confusion.Render()

	summary := tablewriter.NewWriter(os.Stdout)
	summary.SetHeader([]string{"Metric", "Value"})
	summary.SetAlignment(tablewriter.ALIGN_LEFT)
	summary.AppendBulk([][]string{
		{"Precision", fmt.Sprintf("%.4f", precision)},
		{"Recall", fmt.Sprintf("%.4f", recall)},
		{"F1-Score", fmt.Sprintf("%.4f", f1)},
		{"Accuracy", fmt.Sprintf("%.4f", ratio(tp+tn, tp+tn+fp+fn))},
		{"Duration", duration.Round(time.Millisecond).String()},
	})
	if total > 0 {
		summary.Append([]string{"Avg latency", fmt.Sprintf("%.2f ms", float64(m.LatencyMs.Load())/float64(total))})
		summary.Append([]string{"Throughput", fmt.Sprintf("%.2f tx/sec", float64(total)/duration.Seconds())})
	}
	summary.Render()
}
