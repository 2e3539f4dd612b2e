package pdes

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/ocx/pdes-sim/internal/events"
	"github.com/ocx/pdes-sim/internal/monitoring"
	"github.com/ocx/pdes-sim/internal/websocket"
)

// GVTHook is invoked synchronously, from the goroutine running the
// post-reduction barrier's leader, once for each PE whose GVT advanced in
// the round that just closed and which still holds a valid pending
// decision; that PE is passed as pe. It is the seam the clone/branch
// director attaches to (see clone.go).
type GVTHook func(ctx context.Context, runner *Runner, pe *PE, gvt VirtualTime)

// Runner drives a set of PEs that share a Transport through repeated
// DEQUEUE/STRAGGLER-CHECK/FORWARD/ROLLBACK steps, periodically pausing
// for a collective GVT reduction, fossil collection and the GVT hook.
type Runner struct {
	PEs         []*PE
	Transport   Transport
	GVTInterval int // local steps between reduction attempts
	Hook        GVTHook
	EndTime     float64

	// Streamer, if set, receives a live feed of GVT advances and fossil
	// collections for the monitor's /ws/gvt clients. RunID labels every
	// emitted event; both are optional and left nil for tests and
	// one-off tool runs that have no monitor attached.
	Streamer *websocket.GVTStreamer
	RunID    string

	// Mon, if set, records every GVT advance for the monitor's /status
	// live-metrics feed and alert rules. Optional, like Streamer.
	Mon *monitoring.MonitoringSystem

	// Events, if set, publishes a CloudEvent for every GVT advance, for
	// the monitor's SSE /events/stream and any durable Pub/Sub consumer.
	// Optional, like Streamer and Mon.
	Events events.EventEmitter

	// Finalize, if set, is called once per PE right after its Final
	// handlers run, before Run returns for that PE. The clone/branch
	// director attaches Director.OnFinalize here to return a cloned
	// destination PE to the idle pool once its branch completes.
	Finalize func(ctx context.Context, pe *PE)

	barrierOnce sync.Once
	barrier     *gvtBarrier
}

// gvtBarrier synchronizes every PE's post-reduction bookkeeping — fossil
// collection, instrumentation, and the clone/branch hook — so that exactly
// one goroutine runs it per round while every PE's own Run loop is parked
// waiting for it to finish. Transport.Reduce already rendezvouses every PE
// before returning the same gvt value to all of them, but it releases each
// waiting goroutine independently; without a second barrier here, those
// goroutines would race straight back into Step/drainInbox on their own
// PE while the hook (invoked by whichever one of them still holds a
// pending decision) concurrently mutates every other PE's lps/queue/anti
// fields, breaking the single-threaded-per-PE invariant the scheduler
// otherwise guarantees.
type gvtBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	arrived int
	gen     uint64
}

func newGVTBarrier(n int) *gvtBarrier {
	b := &gvtBarrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// wait blocks the calling goroutine until all n participants have called
// wait for the current round, runs leader exactly once — by whichever
// goroutine happens to be the last to arrive — and then releases every
// participant, including the leader, together.
func (b *gvtBarrier) wait(leader func()) {
	b.mu.Lock()
	gen := b.gen
	b.arrived++
	if b.arrived == b.n {
		leader()
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

func (r *Runner) gvtBarrierFor() *gvtBarrier {
	r.barrierOnce.Do(func() {
		r.barrier = newGVTBarrier(len(r.PEs))
	})
	return r.barrier
}

// Run drives pe until its local work is exhausted and GVT has reached
// EndTime, participating in the shared reduction every GVTInterval steps
// (or immediately once the local queue goes dry, so an idle PE does not
// stall its peers' GVT progress). A dedicated goroutine pulls inbound
// wire events off the Transport and hands them to pe's inbox; Run is the
// only goroutine that ever pushes them into pe's queue, preserving the
// single-threaded-per-PE invariant the scheduler depends on.
func (r *Runner) Run(ctx context.Context, pe *PE) error {
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go r.receiveInbound(recvCtx, pe)

	steps := 0
	for {
		if err := pe.drainInbox(); err != nil {
			return err
		}

		more, err := pe.Step(ctx)
		if err != nil {
			return err
		}
		steps++

		queueEmpty := pe.queue.Len() == 0
		if steps >= r.GVTInterval || queueEmpty {
			steps = 0
			if err := r.reduce(ctx, pe); err != nil {
				return err
			}
		}

		if !more && float64(pe.gvt) >= r.EndTime {
			pe.finalize()
			if r.Finalize != nil {
				r.Finalize(ctx, pe)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// receiveInbound blocks on Transport.Recv for pe's inbound events and
// forwards each to pe's inbox channel, until ctx is cancelled or the
// transport reports an error (the transport having been closed, in the
// ordinary shutdown path).
func (r *Runner) receiveInbound(ctx context.Context, pe *PE) {
	for {
		wire, err := r.Transport.Recv(ctx, int(pe.id))
		if err != nil {
			return
		}
		select {
		case pe.inbox <- wire:
		case <-ctx.Done():
			return
		}
	}
}

// reduce performs one round of the two-phase GVT reduction for pe,
// retrying while transient messages are still in flight (Transport.Reduce
// reports NaN while the global sent and received counts differ; each
// retry first drains pe's inbox, so messages that have arrived meanwhile
// are counted as received and enter localMin, and the retry converges
// once sends drain). Once
// every PE's Transport.Reduce call has returned the same gvt, pe enters a
// second, in-process barrier (see gvtBarrier) before returning, so fossil
// collection, instrumentation and the clone/branch hook all run from a
// single goroutine per round while every other PE is parked.
func (r *Runner) reduce(ctx context.Context, pe *PE) error {
	for {
		localMin := pe.localMinUnprocessed()
		report := GVTReport{
			PE:       int(pe.id),
			LocalMin: localMin,
			Sent:     pe.sentCount,
			Received: pe.recvCount,
		}
		gvt, err := r.Transport.Reduce(ctx, report)
		if err != nil {
			return err
		}
		if math.IsNaN(float64(gvt)) {
			// Another PE still has messages in flight; give the
			// transport a chance to deliver them and retry.
			if err := pe.drainInbox(); err != nil {
				return err
			}
			continue
		}
		if gvt < pe.gvt {
			return &ProtocolViolation{Component: "gvt", Detail: "GVT computed a value lower than the prior GVT"}
		}
		pe.roundAdvanced = gvt > pe.gvt
		pe.roundDelta = float64(gvt) - float64(pe.gvt)
		pe.gvt = gvt
		if pe.metrics != nil {
			pe.metrics.GVT.Set(float64(gvt))
		}

		r.gvtBarrierFor().wait(func() {
			r.afterReduceAll(ctx, gvt)
		})
		return nil
	}
}

// afterReduceAll runs exactly once per GVT round, on whichever PE's
// goroutine is last to arrive at the post-reduction barrier, with every
// other PE's Run loop parked until it returns. It fossil-collects and
// reports every PE in turn, then invokes the clone/branch hook for each
// PE still holding a valid decision — serially, never concurrently with
// any PE's own Step/drainInbox, since all of them are blocked in the
// barrier for the duration.
func (r *Runner) afterReduceAll(ctx context.Context, gvt VirtualTime) {
	for _, pe := range r.PEs {
		collected := pe.commit(ctx, float64(gvt))

		if pe.roundAdvanced && r.Mon != nil {
			r.Mon.RecordGVTAdvance(ctx, float64(gvt), pe.roundDelta)
		}
		if pe.roundAdvanced && r.Events != nil {
			r.Events.Emit(events.EventGVTAdvance, fmt.Sprintf("pe-%d", pe.id), r.RunID, map[string]interface{}{
				"gvt":       float64(gvt),
				"delta":     pe.roundDelta,
				"collected": collected,
			})
		}
		if pe.roundAdvanced && r.Streamer != nil {
			r.Streamer.StreamGVTAdvance(r.RunID, float64(gvt))
			if collected > 0 {
				r.Streamer.StreamCommit(r.RunID, fmt.Sprintf("%d", pe.id), float64(gvt), int64(collected))
			}
		}
	}

	for _, pe := range r.PEs {
		if pe.roundAdvanced && pe.decision != nil && pe.decision.Valid && r.Hook != nil {
			r.Hook(ctx, r, pe, gvt)
		}
	}
}

// localMinUnprocessed returns the smallest recv_ts among events still
// pending in pe's queue, or, if the queue is empty but pe is holding a
// valid decision awaiting the GVT hook, the decision's own timestamp:
// a paused decision is unresolved work at that instant, not idleness, and
// reporting +Inf for it would let GVT run past it to infinity on the very
// first pause, after which no later decision could ever register as a GVT
// advance again. Only a queue empty of both events and a pending decision
// is genuine idleness, contributing no lower bound of its own and relying
// on the other PEs' minimums and the sent/received balance check.
func (pe *PE) localMinUnprocessed() VirtualTime {
	if peek := pe.queue.Peek(); peek != nil {
		return VirtualTime(peek.RecvTS)
	}
	if pe.decision != nil && pe.decision.Valid {
		return VirtualTime(pe.decision.Timestamp)
	}
	return VirtualTime(math.Inf(1))
}
