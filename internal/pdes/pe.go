package pdes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/pdes-sim/internal/events"
	"github.com/ocx/pdes-sim/internal/monitoring"
	"github.com/ocx/pdes-sim/internal/websocket"
)

// pendingLocal is a control message a Forward/Reverse handler enqueues
// through HandlerContext.Send before the scheduler decides whether it
// routes to a local LP (same PE, straight into the queue) or across the
// wire (handed to Transport.Send).
type pendingLocal struct {
	wire  WireEvent
	toPE  PEID
}

// HandlerContext is passed to every Client callback. It is the only way a
// handler may cause side effects visible to the scheduler: sending
// events, recording a clone decision, or reading the PE's current GVT
// estimate.
type HandlerContext struct {
	pe  *PE
	seq uint64 // sequence assigned to the event currently being sent from, incremented per send

	// causingSender and causingSeq identify the frame whose Forward or
	// Reverse call this context was built for, stamped onto every event
	// Send produces so a later rollback can cancel exactly that frame's
	// descendants. Left zero for contexts with no causing frame (Init,
	// Commit), which never need a caused-by chain.
	causingSender LPID
	causingSeq    uint64
}

// Send schedules an event from the LP currently running under this
// context to receiver, arriving recvTS in the future. Lookahead is
// enforced: recvTS must be at least sendTS plus the PE's configured
// lookahead (equality is allowed), or the call is a protocol violation.
func (c *HandlerContext) Send(sender, receiver LPID, sendTS, recvTS float64, priority int8, payloadType uint8, payload []byte) error {
	if recvTS < sendTS+c.pe.lookahead {
		return &ProtocolViolation{Component: "lookahead", Detail: "recv_ts violates configured lookahead"}
	}
	ev, err := c.pe.pool.Get()
	if err != nil {
		return err
	}
	c.pe.seqCounters[sender]++
	seq := c.pe.seqCounters[sender]
	ev.Sender = sender
	ev.Receiver = receiver
	ev.SendTS = sendTS
	ev.RecvTS = recvTS
	ev.Priority = priority
	ev.Tiebreak = c.pe.nextTiebreak()
	ev.Seq = seq
	ev.PayloadType = payloadType
	ev.PayloadLen = uint16(copy(ev.Payload[:], payload))
	ev.CausedBySender = c.causingSender
	ev.CausedBySeq = c.causingSeq

	destPE := c.pe.client.Map(receiver, c.pe.totalLPs, c.pe.totalPEs)
	if destPE == c.pe.id {
		c.pe.anti.Record(ev)
		c.pe.queue.Push(ev)
		return nil
	}
	// The anti-message table must keep its own copy: ev itself goes back
	// to the pool right after this and may be handed out and reset by a
	// later Get before a rollback ever needs to cancel it.
	wire := FromEvent(ev)
	sentCopy := *ev
	c.pe.anti.Record(&sentCopy)
	c.pe.pool.Put(ev)
	c.pe.outbox = append(c.pe.outbox, pendingLocal{wire: wire, toPE: destPE})
	c.pe.sentCount++
	return nil
}

// RecordDecision stores a clone-candidate decision made by the LP
// currently processing an event, for the clone director to consume at
// the next GVT hook. Cleared on rollback or consumption. decisionContext
// is opaque model state handed back unchanged to ResumeDecision, since
// the GVT hook's rollback-to-GVT undoes the triggering event's effects
// before either branch resumes.
func (c *HandlerContext) RecordDecision(lp LPID, firstChoice, secondChoice int, timestamp float64, decisionContext any) {
	c.pe.decision = &DecisionRecord{
		LP:           lp,
		FirstChoice:  firstChoice,
		SecondChoice: secondChoice,
		Timestamp:    timestamp,
		Valid:        true,
		Context:      decisionContext,
	}
}

// GVT returns the PE's most recently computed global virtual time.
func (c *HandlerContext) GVT() float64 { return float64(c.pe.gvt) }

// EndTime returns the run's configured end time, so a client whose
// forward handler self-schedules (a clock tick, a periodic refresh) can
// stop doing so once its next tick would fall past the run, letting the
// queue actually go empty and the scheduler quiesce.
func (c *HandlerContext) EndTime() float64 { return c.pe.endTime }

// peState names a PE scheduler's current step, mirroring the named
// control states of the forward/rollback protocol.
type peState int

const (
	stateDequeue peState = iota
	stateStragglerCheck
	stateForward
	stateRollback
	stateCommit
	stateFinalize
)

// PE is one processing element: a single-threaded scheduler owning a
// contiguous set of LPs, a pending-event queue, an event pool and an
// anti-message table. No PE field is touched by more than one goroutine
// except through the Transport boundary.
type PE struct {
	id     PEID
	client Client
	queue  *PQueue
	pool   *Pool
	anti   *AntiTable
	lps    map[LPID]*LP

	transport Transport
	metrics   *Metrics
	log       *slog.Logger

	totalLPs, totalPEs int
	lookahead          float64
	endTime            float64
	baseSeed           uint64

	gvt          VirtualTime
	tiebreakSeq  uint64
	seqCounters  map[LPID]uint64
	sentCount    uint64
	recvCount    uint64
	outbox       []pendingLocal
	decision     *DecisionRecord
	inbox        chan WireEvent

	// roundAdvanced and roundDelta are written by this PE's own goroutine
	// in Runner.reduce, just before it enters the post-reduction barrier,
	// and read only by the barrier's single leader goroutine once every PE
	// has arrived — safe without further synchronization since the mutex
	// inside gvtBarrier.wait establishes happens-before for all arrivals.
	roundAdvanced bool
	roundDelta    float64

	streamer *websocket.GVTStreamer
	mon      *monitoring.MonitoringSystem
	events   events.EventEmitter
	runID    string
}

// AttachStreamer wires pe's straggler-triggered rollbacks into the
// monitor's live event feed. Optional: a PE with no streamer attached
// behaves exactly as before.
func (pe *PE) AttachStreamer(streamer *websocket.GVTStreamer, runID string) {
	pe.streamer = streamer
	pe.runID = runID
}

// AttachMonitoring wires pe's forward/rollback/commit activity into the
// run's MonitoringSystem, feeding the /status endpoint's live metrics,
// error log and alert rules. Optional: a nil mon disables all recording.
func (pe *PE) AttachMonitoring(mon *monitoring.MonitoringSystem) {
	pe.mon = mon
}

// AttachEvents wires pe's GVT advances, rollbacks and clone transfers into
// a CloudEvents bus, for external consumers subscribed over the monitor's
// SSE /events/stream or a durable Pub/Sub topic. Optional: a nil emitter
// disables publication.
func (pe *PE) AttachEvents(emitter events.EventEmitter) {
	pe.events = emitter
}

// NewPE constructs a PE with its own event pool, priority queue and
// anti-message table, ready to have LPs registered via RegisterLP.
func NewPE(id PEID, client Client, transport Transport, metrics *Metrics, log *slog.Logger, eventsPerPE int, lookahead, endTime float64, baseSeed uint64, totalLPs, totalPEs int) *PE {
	return &PE{
		id:          id,
		client:      client,
		queue:       NewPQueue(),
		pool:        NewPool(eventsPerPE),
		anti:        NewAntiTable(),
		lps:         make(map[LPID]*LP),
		transport:   transport,
		metrics:     metrics,
		log:         log,
		totalLPs:    totalLPs,
		totalPEs:    totalPEs,
		lookahead:   lookahead,
		endTime:     endTime,
		baseSeed:    baseSeed,
		seqCounters: make(map[LPID]uint64),
		inbox:       make(chan WireEvent, eventsPerPE),
	}
}

// drainInbox moves every wire event currently buffered in pe.inbox into
// pe.queue, without blocking. Called once per scheduler iteration by
// Runner.Run, the only goroutine that touches pe.queue.
func (pe *PE) drainInbox() error {
	for {
		select {
		case wire := <-pe.inbox:
			if err := pe.enqueueWire(wire); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// enqueueWire converts an inbound wire event into a pooled Event, pushes
// it onto pe.queue and counts it as received for the GVT reduction's
// sent/received balance. The anti-message table is not touched here:
// it tracks events a PE has sent, for its own future rollback, and has
// no role on the receiving side.
func (pe *PE) enqueueWire(wire WireEvent) error {
	ev, err := pe.pool.Get()
	if err != nil {
		return err
	}
	wire.ToEvent(ev)
	pe.queue.Push(ev)
	pe.recvCount++
	return nil
}

func (pe *PE) nextTiebreak() uint64 {
	pe.tiebreakSeq++
	// Embed the PE id in the high bits so tiebreaks are globally unique
	// across PEs without coordination, per the (originator PE id,
	// per-PE sequence number) tiebreak signature the model calls for.
	return (uint64(pe.id) << 48) | pe.tiebreakSeq
}

// RegisterLP adds an LP with id gid to this PE and runs its Init handler.
func (pe *PE) RegisterLP(gid LPID, local int) *LP {
	lp := &LP{
		GID:   gid,
		Local: local,
		PE:    pe.id,
		RNG:   NewRNGStream(pe.baseSeed, gid),
	}
	pe.lps[gid] = lp
	ctx := &HandlerContext{pe: pe}
	pe.client.Init(lp, ctx)
	pe.flushOutbox(context.Background())
	return lp
}

// flushOutbox hands every queued cross-PE send to the transport. Called
// after Init/Forward/Reverse so handlers never block on transport I/O
// themselves.
func (pe *PE) flushOutbox(ctx context.Context) {
	for _, p := range pe.outbox {
		if err := pe.transport.Send(ctx, int(pe.id), int(p.toPE), p.wire); err != nil {
			pe.log.Error("transport send failed", "pe", pe.id, "to", p.toPE, "err", err)
		}
	}
	pe.outbox = pe.outbox[:0]
}

// Step runs one iteration of the DEQUEUE/STRAGGLER-CHECK/FORWARD/ROLLBACK
// state machine. It returns false when there is nothing left to do and
// the run's end-time has been reached (the caller should stop calling
// Step and move on to Finalize).
func (pe *PE) Step(ctx context.Context) (bool, error) {
	ev := pe.queue.Pop()
	if ev == nil {
		if float64(pe.gvt) >= pe.endTime {
			return false, nil
		}
		return true, nil
	}

	if ev.Anti {
		return true, pe.handleAntiMessage(ev)
	}

	lp := pe.lps[ev.Receiver]
	if lp == nil {
		return true, &ProtocolViolation{Component: "pe", Detail: "event addressed to unregistered LP"}
	}

	if ev.RecvTS < lp.LastTS || (ev.RecvTS == lp.LastTS && ev.Tiebreak < lp.LastTie) {
		if err := pe.rollback(ctx, lp, ev.RecvTS); err != nil {
			return true, err
		}
	}

	pe.forward(ctx, lp, ev)
	return true, nil
}

func (pe *PE) forward(ctx context.Context, lp *LP, ev *Event) {
	start := time.Now()
	var bf BitField
	hctx := &HandlerContext{pe: pe, causingSender: ev.Sender, causingSeq: ev.Seq}
	pe.client.Forward(lp, ev, &bf, hctx)
	pe.flushOutbox(ctx)
	ev.Processed = true
	ev.BF = bf
	lp.pushProcessed(ev, bf)
	if pe.mon != nil {
		pe.mon.RecordForward(ctx, time.Since(start))
	}
	if pe.metrics != nil {
		pe.metrics.EventsProcessed.Inc()
		pe.metrics.QueueDepth.Set(float64(pe.queue.Len()))
	}
}

// rollback replays reverse handlers for every frame processed at or
// after horizon, cancelling the events those frames sent by emitting
// anti-messages, until the LP's last-processed time is below horizon.
func (pe *PE) rollback(ctx context.Context, lp *LP, horizon float64) error {
	var depth, antiMessages int
	for {
		n := len(lp.processed)
		if n == 0 {
			break
		}
		top := lp.processed[n-1]
		if top.ev.RecvTS < horizon {
			break
		}
		frame, _ := lp.popProcessed()
		hctx := &HandlerContext{pe: pe, causingSender: frame.ev.Sender, causingSeq: frame.ev.Seq}
		pe.client.Reverse(lp, frame.ev, &frame.bf, hctx)
		antiMessages += pe.cancelDescendants(ctx, frame.ev)
		frame.ev.Processed = false
		depth++
		if pe.metrics != nil {
			pe.metrics.Rollbacks.Inc()
		}
	}
	if pe.decision != nil && pe.decision.Timestamp >= horizon {
		pe.decision = nil
	}
	if depth > 0 && pe.mon != nil {
		pe.mon.RecordRollback(ctx, depth, antiMessages)
	}
	if depth > 0 && pe.streamer != nil {
		pe.streamer.StreamRollback(pe.runID, fmt.Sprintf("%d", pe.id), horizon, depth)
	}
	if depth > 0 && pe.events != nil {
		pe.events.Emit(events.EventRollback, fmt.Sprintf("pe-%d", pe.id), pe.runID, map[string]interface{}{
			"horizon":       horizon,
			"depth":         depth,
			"anti_messages": antiMessages,
		})
	}
	return nil
}

// cancelDescendants sends anti-messages for exactly the events sent while
// ev itself was forward-processed — identified by CausedBySender/
// CausedBySeq, which Send stamped with ev's own (Sender, Seq) at the time.
// Filtering only by "sent by the same LP" would also cancel sends made by
// other, still-valid frames of that LP that haven't themselves been
// reversed (a routine situation: an LP with more than one outstanding
// uncommitted send across separate Forward calls), so the caused-by chain
// is required to scope cancellation to this frame's own descendants. In
// this implementation every send the LP made during that Forward call was
// already pushed straight to the destination queue (local) or transport
// (remote); here we mark the local copies with Anti so the
// STRAGGLER-CHECK path on the receiving side annihilates them, and ship
// remote anti-messages over the wire.
func (pe *PE) cancelDescendants(ctx context.Context, ev *Event) int {
	var count int
	for _, sent := range pe.anti.sent {
		if sent.CausedBySender != ev.Sender || sent.CausedBySeq != ev.Seq {
			continue
		}
		destPE := pe.client.Map(sent.Receiver, pe.totalLPs, pe.totalPEs)
		if destPE == pe.id {
			if removed := pe.queue.Remove(sent.Sender, sent.Seq); removed != nil {
				pe.pool.Put(removed)
				pe.anti.Forget(sent.Sender, sent.Seq)
				continue
			}
			anti, err := pe.pool.Get()
			if err == nil {
				*anti = *sent
				anti.Anti = true
				pe.queue.Push(anti)
			}
		} else {
			wire := FromEvent(sent)
			wire.Anti = true
			_ = pe.transport.Send(ctx, int(pe.id), int(destPE), wire)
			pe.sentCount++
		}
		pe.anti.Forget(sent.Sender, sent.Seq)
		count++
		if pe.metrics != nil {
			pe.metrics.AntiMessages.Inc()
		}
	}
	return count
}

// handleAntiMessage processes an inbound anti-message: if the positive
// event has not yet been processed it is simply removed from the queue;
// if it already ran, the owning LP must be rolled back to annihilate its
// effects before the timeline can proceed.
func (pe *PE) handleAntiMessage(ev *Event) error {
	if removed := pe.queue.Remove(ev.Sender, ev.Seq); removed != nil {
		pe.pool.Put(removed)
		pe.pool.Put(ev)
		return nil
	}
	lp := pe.lps[ev.Receiver]
	if lp == nil {
		pe.pool.Put(ev)
		return nil
	}
	err := pe.rollback(context.Background(), lp, ev.RecvTS)
	pe.pool.Put(ev)
	return err
}

// commit fires the commit handler for every processed event on every
// local LP whose recv_ts is now below horizon, then returns their slots
// to the pool. Called by the GVT engine after a reduction advances GVT.
// It returns the number of frames fossil-collected across every local LP.
func (pe *PE) commit(ctx context.Context, horizon float64) int {
	var collected int
	for _, lp := range pe.lps {
		frames := lp.processedBelow(horizon)
		hctx := &HandlerContext{pe: pe}
		for _, f := range frames {
			pe.client.Commit(lp, f.ev, hctx)
			pe.anti.Forget(f.ev.Sender, f.ev.Seq)
			pe.pool.Put(f.ev)
			if pe.metrics != nil {
				pe.metrics.EventsCommitted.Inc()
			}
			collected++
		}
	}
	if collected > 0 && pe.mon != nil {
		pe.mon.RecordCommit(ctx, int64(collected))
	}
	return collected
}

// ID returns this PE's id.
func (pe *PE) ID() PEID { return pe.id }

// LPState returns the opaque state of a locally-registered LP, for drivers
// that need to read final state after a run completes (e.g. to render a
// combined grid across every PE's LPs).
func (pe *PE) LPState(gid LPID) (any, bool) {
	lp, ok := pe.lps[gid]
	if !ok {
		return nil, false
	}
	return lp.State, true
}

// LocalLPIDs returns the ids of every LP registered on this PE.
func (pe *PE) LocalLPIDs() []LPID {
	ids := make([]LPID, 0, len(pe.lps))
	for gid := range pe.lps {
		ids = append(ids, gid)
	}
	return ids
}

// finalize runs the Final handler for every LP on this PE, once the run's
// end-time has been reached by every PE in the federation.
func (pe *PE) finalize() {
	hctx := &HandlerContext{pe: pe}
	for _, lp := range pe.lps {
		pe.client.Final(lp, hctx)
	}
}
