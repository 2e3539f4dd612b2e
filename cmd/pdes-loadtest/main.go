// Command pdes-loadtest hammers the clone/branch director with many
// concurrent tiny simulations, each forcing a single decision point, and
// reports the distribution of per-run wall-clock latency, from run start
// to both PEs finalizing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/pdes-sim/internal/pdes"
	"github.com/ocx/pdes-sim/internal/pepool"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumRuns        int
	Concurrency    int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRuns           uint64
	SuccessfulClones    uint64
	FailedRuns          uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	numRuns := flag.Int("runs", 1000, "Number of fork scenarios to simulate")
	concurrency := flag.Int("concurrency", 100, "Number of concurrent workers")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		NumRuns:        *numRuns,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("starting clone/branch load test")
	slog.Info("runs", "num_runs", config.NumRuns)
	slog.Info("concurrency", "concurrency", config.Concurrency)

	stats := runLoadTest(config)
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{
		MinLatency: time.Hour,
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	runChan := make(chan int, config.NumRuns)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for runID := range runChan {
				runForkScenario(ctx, workerID, runID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumRuns; i++ {
		runChan <- i
	}
	close(runChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalRuns) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

// runForkScenario builds a fresh 2-PE simulation with a synthetic client
// that records a decision on its single LP's first event, enables cloning,
// and measures wall-clock time from run start to both PEs finalizing.
func runForkScenario(ctx context.Context, workerID, runID int, stats *LoadTestStats, latencies *[]time.Duration, latenciesMu *sync.Mutex) {
	start := time.Now()

	const npe = 2
	const nlp = 1
	transport := pdes.NewLocalTransport(npe, 16)
	client := &forkClient{}
	pool := pepool.NewPool([]pdes.PEID{0, 1}, nil)
	director := pdes.NewDirector(true, pool, slog.Default())

	pes := make([]*pdes.PE, npe)
	for i := 0; i < npe; i++ {
		pes[i] = pdes.NewPE(pdes.PEID(i), client, transport, nil, slog.Default(), 64, 1, 10, uint64(workerID*1000+runID), nlp, npe)
	}
	pes[0].RegisterLP(0, 0)

	runner := &pdes.Runner{PEs: pes, Transport: transport, GVTInterval: 4, EndTime: 10, Hook: director.OnGVTHook, Finalize: director.OnFinalize}

	var wg sync.WaitGroup
	errs := make([]error, npe)
	for i, pe := range pes {
		wg.Add(1)
		go func(i int, pe *pdes.PE) {
			defer wg.Done()
			errs[i] = runner.Run(ctx, pe)
		}(i, pe)
	}
	wg.Wait()

	latency := time.Since(start)
	atomic.AddUint64(&stats.TotalRuns, 1)

	failed := false
	for _, err := range errs {
		if err != nil {
			failed = true
			break
		}
	}
	if failed {
		atomic.AddUint64(&stats.FailedRuns, 1)
	} else {
		atomic.AddUint64(&stats.SuccessfulClones, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

// forkClient is a minimal synthetic pdes.Client whose single LP records a
// decision on its first event, forcing the clone director down its
// transfer path at the next GVT hook.
type forkClient struct{}

type forkState struct{ decided bool }

func (c *forkClient) Init(lp *pdes.LP, ctx *pdes.HandlerContext) {
	lp.State = &forkState{}
	ctx.Send(lp.GID, lp.GID, 0, 1, 0, 0, nil)
}

func (c *forkClient) Forward(lp *pdes.LP, ev *pdes.Event, bf *pdes.BitField, ctx *pdes.HandlerContext) {
	st := lp.State.(*forkState)
	if !st.decided {
		st.decided = true
		ctx.RecordDecision(lp.GID, 0, 1, ev.RecvTS, nil)
	}
}

func (c *forkClient) Reverse(lp *pdes.LP, ev *pdes.Event, bf *pdes.BitField, ctx *pdes.HandlerContext) {
	lp.State.(*forkState).decided = false
}

func (c *forkClient) Commit(lp *pdes.LP, ev *pdes.Event, ctx *pdes.HandlerContext) {}

func (c *forkClient) Final(lp *pdes.LP, ctx *pdes.HandlerContext) {}

func (c *forkClient) Map(gid pdes.LPID, totalLPs, totalPEs int) pdes.PEID {
	return pdes.DefaultMap(gid, totalLPs, totalPEs)
}

func (c *forkClient) CloneState(state any) any {
	src := state.(*forkState)
	dst := *src
	return &dst
}

func (c *forkClient) ResumeDecision(lp *pdes.LP, branch int, timestamp float64, decisionContext any, ctx *pdes.HandlerContext) {
	ctx.Send(lp.GID, lp.GID, timestamp, timestamp+1, 0, 0, nil)
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRuns)
			success := atomic.LoadUint64(&stats.SuccessfulClones)
			failed := atomic.LoadUint64(&stats.FailedRuns)

			slog.Warn("progress", "total", total, "success", success, "failed", failed, "min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("CLONE/BRANCH LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Runs:             %d\n", stats.TotalRuns)
	fmt.Printf("Successful Clones:      %d (%.2f%%)\n",
		stats.SuccessfulClones,
		float64(stats.SuccessfulClones)/float64(stats.TotalRuns)*100)
	fmt.Printf("Failed Runs:            %d (%.2f%%)\n",
		stats.FailedRuns,
		float64(stats.FailedRuns)/float64(stats.TotalRuns)*100)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f runs/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)

	// Simple bubble sort (good enough for testing)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
