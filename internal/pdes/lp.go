package pdes

// Client is the handler contract a model implements against the
// substrate. Forward, Reverse and Commit run to completion without
// yielding, matching the scheduler's suspension-point rules: the only
// blocking points live in the substrate itself (transport receive, GVT
// reduction, clone state transfer), never inside a handler.
type Client interface {
	// Init runs once per LP at setup, before any event is processed. It
	// may enqueue the LP's initial self-scheduled events through
	// ctx.Send.
	Init(lp *LP, ctx *HandlerContext)

	// Forward applies ev to lp's state, recording any branch decisions
	// into bf so Reverse can replay them, and may send further events
	// through ctx.
	Forward(lp *LP, ev *Event, bf *BitField, ctx *HandlerContext)

	// Reverse undoes exactly what the matching Forward call did,
	// including rewinding any RNG draws and cancelling any events that
	// Forward sent (the scheduler handles anti-message generation; the
	// handler only needs to undo state and RNG consumption).
	Reverse(lp *LP, ev *Event, bf *BitField, ctx *HandlerContext)

	// Commit fires exactly once per event, when GVT has passed its
	// recv_ts. It must not mutate lp.State in a way Reverse could still
	// be asked to undo — the event is now irreversible.
	Commit(lp *LP, ev *Event, ctx *HandlerContext)

	// Final runs once per LP after the run's end-time has been reached
	// on every PE, for writing per-LP output.
	Final(lp *LP, ctx *HandlerContext)

	// Map assigns an LP id to the PE that owns it. Models may override
	// the default contiguous-block partition with custom placement.
	Map(gid LPID, totalLPs int, totalPEs int) PEID

	// CloneState returns a deep copy of an opaque LP state buffer, used
	// by the clone/branch director to give a destination PE its own
	// independent copy of a source LP's state.
	CloneState(state any) any

	// ResumeDecision continues an LP past a recorded decision point along
	// the given branch tag, the model-specific equivalent of scheduling
	// an agent_move event at timestamp+1. Called once on the source PE
	// with the decision's first choice and once on the destination PE
	// (if one was cloned) with the second choice. decisionContext carries
	// back whatever opaque value the model passed to RecordDecision: the
	// clone director's GVT-hook rollback restores every PE to exactly the
	// GVT snapshot, which includes reversing the very event that raised
	// the decision, so ResumeDecision is responsible for reapplying any of
	// that event's effects Reverse undid before branching.
	ResumeDecision(lp *LP, branch int, timestamp float64, decisionContext any, ctx *HandlerContext)
}

// processedFrame records one entry of an LP's rollback stack: the event
// that was applied and the bitfield Forward populated for it.
type processedFrame struct {
	ev *Event
	bf BitField
}

// LP is a logical process: the unit of state the simulation mutates.
// An LP is touched only by the single-threaded scheduler of its owning
// PE, so no field here needs synchronization.
type LP struct {
	GID   LPID
	Local int // slot index within the owning PE
	PE    PEID

	State any // opaque model state; models type-assert their own struct

	RNG *RNGStream

	processed []processedFrame // rollback stack, LIFO
	LastTS    float64
	LastTie   uint64
}

// pushProcessed records a forward application for potential rollback.
func (lp *LP) pushProcessed(ev *Event, bf BitField) {
	lp.processed = append(lp.processed, processedFrame{ev: ev, bf: bf})
	lp.LastTS = ev.RecvTS
	lp.LastTie = ev.Tiebreak
}

// popProcessed removes and returns the most recently processed frame, or
// ok=false if the stack is empty.
func (lp *LP) popProcessed() (processedFrame, bool) {
	n := len(lp.processed)
	if n == 0 {
		return processedFrame{}, false
	}
	f := lp.processed[n-1]
	lp.processed = lp.processed[:n-1]
	if n >= 2 {
		prev := lp.processed[n-2]
		lp.LastTS = prev.ev.RecvTS
		lp.LastTie = prev.ev.Tiebreak
	} else {
		lp.LastTS = 0
		lp.LastTie = 0
	}
	return f, true
}

// processedBelow pops and returns every frame with recv_ts < horizon, in
// oldest-first order, for commit processing.
func (lp *LP) processedBelow(horizon float64) []processedFrame {
	i := 0
	for i < len(lp.processed) && lp.processed[i].ev.RecvTS < horizon {
		i++
	}
	committed := lp.processed[:i]
	lp.processed = lp.processed[i:]
	return committed
}

// DefaultMap implements the contiguous-block partition policy: LP ids
// [0, totalLPs) are split into totalPEs contiguous blocks, remainder
// distributed to the first PEs. This is the partition policy used when a
// model does not register a custom Map.
func DefaultMap(gid LPID, totalLPs int, totalPEs int) PEID {
	if totalPEs <= 0 {
		return 0
	}
	base := totalLPs / totalPEs
	rem := totalLPs % totalPEs
	// PEs [0, rem) own base+1 LPs, the rest own base LPs.
	boundary := LPID(rem * (base + 1))
	if gid < boundary {
		return PEID(int(gid) / (base + 1))
	}
	return PEID(rem + int(gid-boundary)/base)
}
