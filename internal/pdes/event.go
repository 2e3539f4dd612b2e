// Package pdes implements the optimistic parallel discrete-event simulation
// substrate: events, the reversible scheduler, GVT reduction and the
// clone/branch director shared by every model hosted on top of it.
package pdes

import "fmt"

// MaxPayloadSize bounds the opaque message body carried by every Event.
// Models negotiate their own tagged variant inside this envelope; the
// union-with-tag pattern from the source material becomes a fixed byte
// array sized for the largest variant a model registers.
const MaxPayloadSize = 512

// LPID identifies a logical process. IDs are assigned densely starting at
// zero and partitioned across PEs using the contiguous-block policy in
// lp.go unless a model supplies a custom mapping.
type LPID uint64

// PEID identifies a processing element (a PDES worker, one per OS thread
// of simulation in this implementation's goroutine-per-PE model).
type PEID uint32

// BitField carries forward-handler decisions a reverse handler needs to
// replay without recomputation (e.g. "did this branch fire"). Models use
// it the way ROSS event handlers use tw_bf: set bits forward, inspect them
// in reverse.
type BitField uint32

func (b *BitField) Set(bit uint)        { *b |= BitField(1 << bit) }
func (b BitField) IsSet(bit uint) bool  { return b&(1<<bit) != 0 }
func (b *BitField) Clear()              { *b = 0 }

// Event is the unit of work exchanged between LPs. Events are pooled (see
// pool.go) and reused across their processed/committed/freed lifetime
// rather than garbage collected, mirroring the fixed-arena event pool of
// the originating engine.
type Event struct {
	Sender   LPID
	Receiver LPID
	SendTS   float64
	RecvTS   float64
	Priority int8
	Tiebreak uint64 // assigned at send time, used as final sort key

	Seq  uint64 // sender-local sequence number, pairs an event with its anti-message
	Anti bool   // true for an anti-message cancelling the event of the same Seq

	// CausedBySender and CausedBySeq identify the processed frame whose
	// Forward (or Reverse) call produced this event via HandlerContext.Send
	// — the (sender, seq) of the event being processed at send time, which
	// is globally unique the same way an event's own (Sender, Seq) is.
	// Zero for events sent from Init, which is never reversed and so never
	// needs a caused-by chain. Used by cancelDescendants to cancel only the
	// sends a specific reversed frame caused, not every outstanding send
	// from the same LP.
	CausedBySender LPID
	CausedBySeq    uint64

	Processed bool // forward handler has run; straggler detection flips this back
	BF        BitField

	PayloadType uint8
	PayloadLen  uint16
	Payload     [MaxPayloadSize]byte
}

func (e *Event) String() string {
	kind := "event"
	if e.Anti {
		kind = "anti"
	}
	return fmt.Sprintf("%s{%d->%d @%.4f seq=%d type=%d}", kind, e.Sender, e.Receiver, e.RecvTS, e.Seq, e.PayloadType)
}

// reset clears an event for reuse by the pool. Does not touch the
// underlying Payload array contents beyond the length the caller wrote,
// since re-copying the whole array on every free would be wasted work.
func (e *Event) reset() {
	*e = Event{}
}
