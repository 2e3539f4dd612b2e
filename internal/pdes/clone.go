package pdes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/pdes-sim/internal/events"
	"github.com/ocx/pdes-sim/internal/websocket"
)

// DecisionRecord is a forward handler's note that it faced multiple
// equally valid continuations at (LP, timestamp), kept PE-local until the
// next GVT hook consumes it or a rollback clears it.
type DecisionRecord struct {
	LP           LPID
	FirstChoice  int
	SecondChoice int
	Timestamp    float64
	Valid        bool
	// Context is an opaque, model-defined snapshot of whatever state the
	// triggering event's Forward call established before recording the
	// decision (e.g. the cell's entry direction), handed back to
	// ResumeDecision so it can restore what the GVT-hook rollback undid.
	Context any
}

// IdleSelector finds a destination PE for a clone, distinct from the
// source, and tracks which PEs are currently idle (not yet hosting an
// active branch of a fork). internal/pepool implements this interface
// over a goroutine-backed pool of standby PEs.
type IdleSelector interface {
	SelectIdle(source PEID) (PEID, bool)
	MarkBusy(pe PEID)
	MarkIdle(pe PEID)
}

// Director implements the clone/branch GVT hook: at a GVT advance where a
// PE holds a pending decision and cloning is enabled, it forks that source
// PE's entire state to an idle destination PE and resumes each along a
// different branch of the decision. If several PEs hold decisions in the
// same round, the first in Runner.PEs order is handled; the hook's
// rollback to GVT clears the others.
type Director struct {
	Enabled  bool
	Selector IdleSelector
	Log      *slog.Logger

	// AllowRecursive permits a PE that is itself the product of an
	// unresolved clone to trigger another clone before its branch has
	// run to the simulation's end-time. Per spec.md's open question this
	// defaults to false: a PE born from a clone must reach end-time
	// before it may become a new clone source, which keeps the fork tree
	// shallow and each branch fully resolved before it forks again.
	AllowRecursive bool

	forked map[PEID]bool // PEs currently running as an unresolved clone branch

	// clonedDest tracks which PEs are currently hosting a clone
	// destination branch, so OnFinalize knows which ones to return to the
	// idle pool once their branch completes. Unlike forked, which marks
	// both the source and destination PE for the AllowRecursive gate, this
	// only ever holds destination PEs — a source was never removed from
	// the idle pool to begin with, so it has nothing to be returned to.
	clonedDest map[PEID]bool
}

// NewDirector builds a Director. Pass a nil Selector to disable cloning
// entirely (every decision resolves to its first choice only).
func NewDirector(enabled bool, selector IdleSelector, log *slog.Logger) *Director {
	return &Director{
		Enabled:    enabled,
		Selector:   selector,
		Log:        log,
		forked:     make(map[PEID]bool),
		clonedDest: make(map[PEID]bool),
	}
}

// OnGVTHook implements the control flow of the clone director: roll every
// PE back to the GVT snapshot, check for a pending decision, transfer
// state to a destination PE if one is available, then diverge both along
// their respective branches.
func (d *Director) OnGVTHook(ctx context.Context, runner *Runner, source *PE, gvt VirtualTime) {
	// The decision's timestamp is never below gvt, so rollbackToGVT clears
	// source.decision; take it first.
	decision := source.decision
	for _, pe := range runner.PEs {
		pe.rollbackToGVT(ctx, gvt)
	}

	if decision == nil || !decision.Valid {
		return
	}
	source.decision = nil

	if !d.Enabled || d.Selector == nil || (!d.AllowRecursive && d.forked[source.id]) {
		d.resumeOnly(source, decision, gvt)
		return
	}

	destID, ok := d.Selector.SelectIdle(source.id)
	if !ok {
		d.resumeOnly(source, decision, gvt)
		return
	}

	dest := findPE(runner.PEs, destID)
	if dest == nil {
		d.resumeOnly(source, decision, gvt)
		return
	}

	d.Selector.MarkBusy(destID)
	d.clonedDest[destID] = true
	start := time.Now()
	d.transfer(source, dest, gvt)
	if source.mon != nil {
		source.mon.RecordClone(ctx, time.Since(start))
	}
	d.forked[source.id] = true
	d.forked[destID] = true

	if source.metrics != nil {
		source.metrics.ClonesInitiated.Inc()
	}
	d.Log.Info("clone initiated", "source_pe", source.id, "dest_pe", destID, "gvt", float64(gvt), "lp", decision.LP)
	if source.streamer != nil {
		edge := websocket.ForkEdge{
			ID:     fmt.Sprintf("%d-%d-%.0f", source.id, destID, float64(gvt)),
			Source: fmt.Sprintf("%d", source.id),
			Target: fmt.Sprintf("%d", destID),
			Status: "active",
		}
		source.streamer.StreamCloneInitiated(source.runID, edge, float64(gvt))
	}
	if source.events != nil {
		source.events.Emit(events.EventCloneInitiated, fmt.Sprintf("pe-%d", source.id), source.runID, map[string]interface{}{
			"dest_pe": int(destID),
			"gvt":     float64(gvt),
			"lp":      int(decision.LP),
		})
	}

	d.resumeOnly(source, decision, gvt)
	if lp, ok := dest.lps[decision.LP]; ok {
		synchLPToGVT(lp, gvt)
		ctx := &HandlerContext{pe: dest}
		dest.client.ResumeDecision(lp, decision.SecondChoice, decision.Timestamp, decision.Context, ctx)
		dest.flushOutbox(context.Background())
	}
}

// OnFinalize returns pe to the idle pool if it was hosting a clone
// destination branch that has just run to the simulation's end-time,
// making it eligible to host a future fork again within the same run. A
// PE that was never a clone destination — including every PE the run
// started with — is left untouched, since it was never removed from the
// idle set to begin with. Called by Runner.Run right after a PE's Final
// handlers, before that PE's goroutine returns.
func (d *Director) OnFinalize(ctx context.Context, pe *PE) {
	if d.Selector == nil || !d.clonedDest[pe.id] {
		return
	}
	delete(d.clonedDest, pe.id)
	d.Selector.MarkIdle(pe.id)
}

func (d *Director) resumeOnly(pe *PE, decision *DecisionRecord, gvt VirtualTime) {
	lp, ok := pe.lps[decision.LP]
	if !ok {
		return
	}
	synchLPToGVT(lp, gvt)
	ctx := &HandlerContext{pe: pe}
	pe.client.ResumeDecision(lp, decision.FirstChoice, decision.Timestamp, decision.Context, ctx)
	pe.flushOutbox(context.Background())
}

// transfer copies every LP on source to dest (opaque state via
// Client.CloneState, RNG stream state, rollback stack position), drains
// source's pending-event queue and re-enqueues a copy on dest with
// recv_ts rebased relative to GVT and a freshly assigned tiebreak
// signature, then rebuilds dest's anti-message table from the
// transferred events. Source keeps its own queue untouched — this is a
// fork, not a move.
func (d *Director) transfer(source, dest *PE, gvt VirtualTime) {
	dest.lps = make(map[LPID]*LP, len(source.lps))
	for gid, lp := range source.lps {
		clone := &LP{
			GID:    lp.GID,
			Local:  lp.Local,
			PE:     dest.id,
			State:  dest.client.CloneState(lp.State),
			RNG:    lp.RNG.clone(),
			LastTS: lp.LastTS,
			LastTie: lp.LastTie,
		}
		dest.lps[gid] = clone
	}

	dest.queue = NewPQueue()
	dest.anti = NewAntiTable()
	dest.pool = NewPool(source.pool.Capacity())

	pending := source.queue.drainAll()
	for _, ev := range pending {
		source.queue.Push(ev)
		offset := ev.RecvTS - float64(gvt)
		clone, err := dest.pool.Get()
		if err != nil {
			continue
		}
		*clone = *ev
		clone.RecvTS = float64(gvt) + offset
		clone.Tiebreak = dest.nextTiebreak()
		dest.queue.Push(clone)
		dest.anti.Record(clone)
	}

	dest.gvt = gvt
	dest.totalLPs = source.totalLPs
	dest.totalPEs = source.totalPEs
	dest.lookahead = source.lookahead
	dest.endTime = source.endTime
	dest.baseSeed = source.baseSeed
}

// synchLPToGVT brings an LP's bookkeeping into sync with the GVT
// signature after a clone/branch divergence, the Go analogue of the
// source's synch_lp_to_gvt: the LP's last-processed signature becomes
// the GVT signature and it is ready to accept the divergence event.
func synchLPToGVT(lp *LP, gvt VirtualTime) {
	lp.LastTS = float64(gvt)
	lp.LastTie = 0
	lp.processed = lp.processed[:0]
}

// rollbackToGVT forces every local LP back to exactly the GVT snapshot:
// every processed frame with recv_ts >= gvt is reversed. Used only by the
// clone director's GVT hook, which needs a stronger guarantee than the
// ordinary straggler-triggered rollback (every PE, not just the one that
// detected a causality violation).
func (pe *PE) rollbackToGVT(ctx context.Context, gvt VirtualTime) {
	for _, lp := range pe.lps {
		pe.rollback(ctx, lp, float64(gvt))
	}
}

func findPE(pes []*PE, id PEID) *PE {
	for _, pe := range pes {
		if pe.id == id {
			return pe
		}
	}
	return nil
}

// drainAll removes and returns every event currently queued, in no
// particular order (the caller re-sorts by pushing into a fresh queue).
func (q *PQueue) drainAll() []*Event {
	out := make([]*Event, 0, q.items.Len())
	for q.items.Len() > 0 {
		out = append(out, q.Pop())
	}
	return out
}

// clone returns an independent copy of the RNG stream's current state (not
// its draw history, which is specific to the frames already on the
// source's rollback stack and does not apply to the destination's own,
// freshly-synced timeline).
func (r *RNGStream) clone() *RNGStream {
	return &RNGStream{state: r.state}
}
