package pdes

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// VirtualTime is simulation time, monotonic and independent of wall clock.
type VirtualTime float64

// WireEvent is the DTO that crosses a Transport boundary. It carries a
// protobuf timestamp purely as a wire-format field (no gRPC service is
// involved); everything else is a plain value the transport serializes
// however it likes.
type WireEvent struct {
	Sender      LPID
	Receiver    LPID
	SendTS      VirtualTime
	RecvTS      VirtualTime
	Priority    int8
	Tiebreak    uint64
	Seq         uint64
	Anti        bool
	PayloadType uint8
	Payload     []byte
	Time        *timestamppb.Timestamp
}

// ToEvent copies a WireEvent's fields into a pooled Event.
func (w WireEvent) ToEvent(e *Event) {
	e.Sender = w.Sender
	e.Receiver = w.Receiver
	e.SendTS = float64(w.SendTS)
	e.RecvTS = float64(w.RecvTS)
	e.Priority = w.Priority
	e.Tiebreak = w.Tiebreak
	e.Seq = w.Seq
	e.Anti = w.Anti
	e.PayloadType = w.PayloadType
	e.PayloadLen = uint16(len(w.Payload))
	copy(e.Payload[:], w.Payload)
}

// FromEvent builds a WireEvent from a pooled Event, stamped with the
// current wall-clock time for the transport envelope.
func FromEvent(e *Event) WireEvent {
	return WireEvent{
		Sender:      e.Sender,
		Receiver:    e.Receiver,
		SendTS:      VirtualTime(e.SendTS),
		RecvTS:      VirtualTime(e.RecvTS),
		Priority:    e.Priority,
		Tiebreak:    e.Tiebreak,
		Seq:         e.Seq,
		Anti:        e.Anti,
		PayloadType: e.PayloadType,
		Payload:     append([]byte(nil), e.Payload[:e.PayloadLen]...),
		Time:        timestamppb.New(time.Now()),
	}
}

// GVTReport is one PE's contribution to the distributed GVT reduction:
// its local minimum unprocessed timestamp and its running sent/received
// message counts for the transient-message accounting of phase 2.
type GVTReport struct {
	PE       int
	LocalMin VirtualTime
	Sent     uint64
	Received uint64
}

// Transport moves events between PEs and runs the GVT collective
// reduction. localtransport and pubsubtransport both implement it; an MPI
// binding would be a third implementation behind the same seam.
type Transport interface {
	Send(ctx context.Context, fromPE, toPE int, wire WireEvent) error
	Recv(ctx context.Context, pe int) (WireEvent, error)
	Reduce(ctx context.Context, local GVTReport) (VirtualTime, error)
	Close() error
}
