// Package main provides a benchmark tool that simulates many browser
// sessions capturing events into the local analytics store.
//
// Usage:
//
//	localanalytics-bench --dir /tmp/la-bench --writers 16 --duration 10s --batch 50
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localanalytics/localanalytics/pkg/record"
	"github.com/localanalytics/localanalytics/pkg/session"
	"github.com/localanalytics/localanalytics/pkg/store"
)

func main() {
	dir := flag.String("dir", "", "Store directory (empty runs in memory)")
	writers := flag.Int("writers", 16, "Number of concurrent sessions writing")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	batch := flag.Int("batch", 50, "Records per write")
	maxRecords := flag.Int("max-records", store.DefaultMaxRecords, "Per-table retention cap")
	queries := flag.Int("queries", 200, "Recent() queries to time after the write phase")
	flag.Parse()

	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		Path:       *dir,
		InMemory:   *dir == "",
		MaxRecords: *maxRecords,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	location := *dir
	if location == "" {
		location = "(in memory)"
	}
	fmt.Printf("Local Analytics Benchmark\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Store:       %s\n", location)
	fmt.Printf("Writers:     %d\n", *writers)
	fmt.Printf("Duration:    %s\n", *duration)
	fmt.Printf("Batch:       %d\n", *batch)
	fmt.Printf("Max Records: %d\n", *maxRecords)
	fmt.Printf("-----------------------------------\n\n")

	var totalRecords atomic.Int64
	var totalOps atomic.Int64
	var totalErrors atomic.Int64

	var latMu sync.Mutex
	var latencies []int64

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *writers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			sess := session.New()
			sess.Identify(fmt.Sprintf("bench-user-%d", workerID))
			workspace := fmt.Sprintf("W%d", workerID%4)
			var localLats []int64

			for time.Since(start) < *duration {
				recs := make([]record.Record, 0, *batch)
				snap := sess.Snapshot()
				for j := 0; j < *batch; j++ {
					recs = append(recs, record.AnalyticsEvent{
						ID:                  record.NewID(),
						Timestamp:           record.Now(),
						EventName:           "bench_event",
						Properties:          map[string]any{"worker": workerID, "seq": j},
						UserID:              snap.UserID,
						SessionID:           snap.SessionID,
						WorkspaceID:         workspace,
						OriginalDestination: record.DestinationPostHog,
					})
				}

				opStart := time.Now()
				err := st.Put(ctx, recs...)
				localLats = append(localLats, time.Since(opStart).Nanoseconds())
				if err != nil {
					totalErrors.Add(1)
					continue
				}
				totalOps.Add(1)
				totalRecords.Add(int64(len(recs)))
			}

			latMu.Lock()
			latencies = append(latencies, localLats...)
			latMu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	queryLats := make([]int64, 0, *queries)
	for i := 0; i < *queries; i++ {
		qStart := time.Now()
		if _, err := st.Recent(ctx, record.TableAnalyticsEvents, store.DefaultLimit); err != nil {
			totalErrors.Add(1)
			continue
		}
		queryLats = append(queryLats, time.Since(qStart).Nanoseconds())
	}

	retained, err := st.Count(ctx, record.TableAnalyticsEvents)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error counting records: %v\n", err)
	}

	written := totalRecords.Load()
	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Duration:    %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Writes:      %d\n", totalOps.Load())
	fmt.Printf("Records:     %d\n", written)
	fmt.Printf("Records/s:   %.0f\n", float64(written)/elapsed.Seconds())
	fmt.Printf("Retained:    %d (cap %d)\n", retained, *maxRecords)
	fmt.Printf("Errors:      %d\n", totalErrors.Load())
	fmt.Printf("-----------------------------------\n")
	printLatency("Write latency", latencies)
	printLatency("Query latency", queryLats)
	fmt.Printf("-----------------------------------\n")
}

func printLatency(title string, lats []int64) {
	var avg, p50, p95, p99 float64
	if len(lats) > 0 {
		sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
		var sum int64
		for _, l := range lats {
			sum += l
		}
		avg = float64(sum) / float64(len(lats)) / 1e6
		p50 = float64(percentile(lats, 50)) / 1e6
		p95 = float64(percentile(lats, 95)) / 1e6
		p99 = float64(percentile(lats, 99)) / 1e6
	}
	fmt.Printf("%s:\n", title)
	fmt.Printf("  Average:   %.2f ms\n", avg)
	fmt.Printf("  P50:       %.2f ms\n", p50)
	fmt.Printf("  P95:       %.2f ms\n", p95)
	fmt.Printf("  P99:       %.2f ms\n", p99)
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
