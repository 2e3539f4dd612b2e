// Command search runs the random-walk grid-search agent as a PDES model:
// one LP per grid cell, the agent moving between LPs by sending events,
// forking at cells with more than one open continuation when cloning is
// enabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/pdes-sim/internal/config"
	"github.com/ocx/pdes-sim/internal/events"
	"github.com/ocx/pdes-sim/internal/monitor"
	"github.com/ocx/pdes-sim/internal/monitoring"
	"github.com/ocx/pdes-sim/internal/pdes"
	"github.com/ocx/pdes-sim/internal/pepool"
	"github.com/ocx/pdes-sim/internal/resultstore"
	"github.com/ocx/pdes-sim/internal/revert"
	"github.com/ocx/pdes-sim/internal/search"
	"github.com/ocx/pdes-sim/internal/websocket"
)

func main() {
	cfg := config.Get()
	if scenariosPath := os.Getenv("PDES_SCENARIOS_PATH"); scenariosPath != "" {
		masterPath := os.Getenv("CONFIG_PATH")
		if masterPath == "" {
			masterPath = "config.yaml"
		}
		mgr, err := config.NewManager(masterPath, scenariosPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "search: loading scenarios file: %v\n", err)
			os.Exit(-1)
		}
		cfg = mgr.Get(os.Getenv("PDES_PROFILE"))
	}

	gridMap := flag.String("grid-map", "", "path to the grid file (required)")
	end := flag.Float64("end", cfg.Simulation.EndTime, "end time")
	npe := flag.Int("npe", cfg.Simulation.NumPE, "number of processing elements")
	synch := flag.Int("synch", cfg.Simulation.SynchMode, "1=serial 2=conservative 3=optimistic")
	gvtInterval := flag.Int("gvt-interval", cfg.Simulation.GVTInterval, "local steps between GVT reductions")
	lookahead := flag.Float64("lookahead", cfg.Simulation.Lookahead, "minimum event scheduling delta")
	seed := flag.Int64("seed", int64(cfg.Simulation.BaseSeed), "base RNG seed")
	ascii := flag.Bool("ascii", false, "render search results using ASCII arrows instead of box-drawing glyphs")
	serveMonitor := flag.Bool("monitor", false, "serve the /healthz /status /metrics /ws/gvt HTTP monitor")
	flag.Parse()

	log := slog.Default()

	if *gridMap == "" {
		fmt.Fprintln(os.Stderr, "search: --grid-map is required")
		os.Exit(-1)
	}
	if *npe < 1 {
		fmt.Fprintln(os.Stderr, "search: --npe must be positive")
		os.Exit(-1)
	}
	if *synch < 1 || *synch > 3 {
		fmt.Fprintln(os.Stderr, "search: --synch must be 1 (serial), 2 (conservative) or 3 (optimistic)")
		os.Exit(-1)
	}

	f, err := os.Open(*gridMap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "search: opening grid map: %v\n", err)
		os.Exit(-1)
	}
	grid, warnings, err := search.ParseGrid(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "search: %v\n", err)
		os.Exit(-1)
	}
	for _, w := range warnings {
		log.Warn("search: grid parse warning", "warning", w)
	}

	runID := uuid.New().String()
	stack := revert.NewStack(runID)
	gen := &revert.Generator{}

	dirExisted := dirExists(cfg.Output.Dir)
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "search: creating output dir: %v\n", err)
		os.Exit(-1)
	}
	if !dirExisted {
		stack.Push(gen.UndoFileCreation(cfg.Output.Dir))
	}

	store, err := openStore(cfg)
	if err != nil {
		stack.Compensate(context.Background())
		fmt.Fprintf(os.Stderr, "search: opening result store: %v\n", err)
		os.Exit(-1)
	}
	defer store.Close()

	nlp := grid.Width * grid.Height
	client := search.NewClient(grid, *npe, cfg.Output.Dir, *ascii, store, log)

	log.Info("search: starting run", "grid_map", *gridMap, "width", grid.Width, "height", grid.Height, "nlp", nlp, "npe", *npe, "synch", *synch, "end", *end)

	reg := prometheus.NewRegistry()
	mon := monitoring.NewMonitoringSystem()
	transport, err := newTransport(cfg, *npe)
	if err != nil {
		stack.Compensate(context.Background())
		fmt.Fprintf(os.Stderr, "search: %v\n", err)
		os.Exit(-1)
	}
	defer transport.Close()
	streamer := websocket.NewGVTStreamer()
	bus := events.NewEventBus()

	pool := pepool.NewPool(allPEIDs(*npe), nil)
	director := pdes.NewDirector(cfg.Simulation.CloningEnabled, pool, log)

	pes := make([]*pdes.PE, *npe)
	for i := 0; i < *npe; i++ {
		metrics := pdes.NewMetrics(reg, pdes.PEID(i))
		pes[i] = pdes.NewPE(pdes.PEID(i), client, transport, metrics, log, cfg.Simulation.EventsPerPE, *lookahead, *end, uint64(*seed), nlp, *npe)
		pes[i].AttachStreamer(streamer, runID)
		pes[i].AttachMonitoring(mon)
		pes[i].AttachEvents(bus)
	}
	for gid := 0; gid < nlp; gid++ {
		dest := client.Map(pdes.LPID(gid), nlp, *npe)
		pes[dest].RegisterLP(pdes.LPID(gid), gid)
	}

	runner := &pdes.Runner{PEs: pes, Transport: transport, GVTInterval: *gvtInterval, EndTime: *end, Hook: director.OnGVTHook, Finalize: director.OnFinalize, Streamer: streamer, RunID: runID, Mon: mon, Events: bus}

	if *serveMonitor {
		srv := monitor.NewServer(cfg, mon, pool, streamer, bus)
		go srv.Run()
	}

	var wg sync.WaitGroup
	ctx := context.Background()
	errs := make([]error, *npe)
	for i, pe := range pes {
		wg.Add(1)
		go func(i int, pe *pdes.PE) {
			defer wg.Done()
			errs[i] = runner.Run(ctx, pe)
		}(i, pe)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			fmt.Fprintf(os.Stderr, "search: %v\n", err)
			os.Exit(1)
		}
	}

	writeResults(grid, pes, cfg.Output.Dir, *ascii, log)
}

// writeResults gathers the final per-cell state from every PE's LPs and
// writes one search-results-pe=<id>.txt file per PE, each rendering that
// PE's view of the whole grid.
func writeResults(grid *search.Grid, pes []*pdes.PE, outputDir string, ascii bool, log *slog.Logger) {
	states := make(map[int]*search.State, grid.Width*grid.Height)
	for _, pe := range pes {
		for _, gid := range pe.LocalLPIDs() {
			st, ok := pe.LPState(gid)
			if !ok {
				continue
			}
			states[int(gid)] = st.(*search.State)
		}
	}

	for _, pe := range pes {
		rendered := search.Render(grid, states, ascii)
		path := fmt.Sprintf("%s/search-results-pe=%d.txt", outputDir, pe.ID())
		if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
			log.Error("search: writing results file", "pe", pe.ID(), "err", err)
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func allPEIDs(n int) []pdes.PEID {
	ids := make([]pdes.PEID, n)
	for i := range ids {
		ids[i] = pdes.PEID(i)
	}
	return ids
}

// newTransport picks the inter-PE message backend named by
// cfg.Transport.Backend. "local" runs every PE as a goroutine in this
// process sharing in-memory channels. "pubsub" and "redis-reduce" both
// exercise pubsubTransportSet, the PubSub-plus-Redis backend: a plain
// Pub/Sub data plane with no Redis-backed reduction algorithm isn't
// implemented, so "pubsub" collapses onto the same ticketed-reduce path
// as "redis-reduce" rather than leaving a backend name that silently
// does nothing.
func newTransport(cfg *config.Config, npe int) (pdes.Transport, error) {
	switch cfg.Transport.Backend {
	case "pubsub", "redis-reduce":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Transport.RedisAddr})
		return newPubSubTransportSet(cfg, npe, rdb)
	default:
		return pdes.NewLocalTransport(npe, cfg.Transport.ChannelDepth), nil
	}
}

// pubsubTransportSet fans the single Transport Runner expects across one
// pdes.PubSubTransport per in-process PE, since each PubSubTransport
// subscribes under a single peID and ignores the pe argument Recv
// otherwise carries. A real multi-host deployment would run one process
// per PE instead of constructing a set like this, but the set lets a
// single process exercise the real Pub/Sub plus Redis path end to end
// (against an emulator, say) without splitting into npe processes.
type pubsubTransportSet struct {
	byPE []*pdes.PubSubTransport
}

func newPubSubTransportSet(cfg *config.Config, npe int, rdb *redis.Client) (*pubsubTransportSet, error) {
	runID := uuid.New().String()
	set := &pubsubTransportSet{byPE: make([]*pdes.PubSubTransport, npe)}
	ctx := context.Background()
	for i := 0; i < npe; i++ {
		t, err := pdes.NewPubSubTransport(ctx, cfg.Transport.PubSubProjectID, cfg.Transport.PubSubTopicID, runID, i, npe, rdb)
		if err != nil {
			for _, done := range set.byPE[:i] {
				done.Close()
			}
			return nil, err
		}
		set.byPE[i] = t
	}
	return set, nil
}

func (s *pubsubTransportSet) Send(ctx context.Context, fromPE, toPE int, wire pdes.WireEvent) error {
	return s.byPE[fromPE].Send(ctx, fromPE, toPE, wire)
}

func (s *pubsubTransportSet) Recv(ctx context.Context, pe int) (pdes.WireEvent, error) {
	return s.byPE[pe].Recv(ctx, pe)
}

func (s *pubsubTransportSet) Reduce(ctx context.Context, local pdes.GVTReport) (pdes.VirtualTime, error) {
	return s.byPE[local.PE].Reduce(ctx, local)
}

func (s *pubsubTransportSet) Close() error {
	var first error
	for _, t := range s.byPE {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openStore(cfg *config.Config) (resultstore.Store, error) {
	switch cfg.Output.Store {
	case "postgres":
		return resultstore.NewPostgresStore(context.Background(), cfg.Output.PostgresDSN)
	case "spanner":
		return resultstore.NewSpannerStore(context.Background(), cfg.Output.SpannerDatabase)
	default:
		return resultstore.NewFileStore(cfg.Output.Dir + "/results.log")
	}
}
