package pdes

import (
	"context"
	"math"
	"reflect"
	"sync"
)

// LocalTransport implements Transport with one buffered Go channel per
// ordered (from, to) PE pair. A channel is a native FIFO, so per-pair
// ordering is free; it is the default transport for every test and for
// single-binary multi-PE runs.
type LocalTransport struct {
	numPE int
	chans [][]chan WireEvent // chans[from][to]

	mu      sync.Mutex
	reduceC chan reduceRequest
	done    chan struct{}
	closeOnce sync.Once
}

type reduceRequest struct {
	report GVTReport
	result chan VirtualTime
}

// NewLocalTransport builds a transport wiring numPE PEs together, each
// ordered pair getting its own channel of the given buffer depth.
func NewLocalTransport(numPE int, chanDepth int) *LocalTransport {
	t := &LocalTransport{
		numPE:   numPE,
		chans:   make([][]chan WireEvent, numPE),
		reduceC: make(chan reduceRequest, numPE),
		done:    make(chan struct{}),
	}
	for i := range t.chans {
		t.chans[i] = make([]chan WireEvent, numPE)
		for j := range t.chans[i] {
			t.chans[i][j] = make(chan WireEvent, chanDepth)
		}
	}
	go t.reduceLoop()
	return t
}

func (t *LocalTransport) Send(ctx context.Context, fromPE, toPE int, wire WireEvent) error {
	select {
	case t.chans[fromPE][toPE] <- wire:
		return nil
	case <-ctx.Done():
		return &TransportError{Op: "send", Err: ctx.Err()}
	}
}

// Recv fans in over every sender's channel addressed to pe. numPE is
// small (tens, not thousands) in any realistic run, so a reflect.Select
// over the dynamic channel set is cheap relative to the simulation work
// it gates.
func (t *LocalTransport) Recv(ctx context.Context, pe int) (WireEvent, error) {
	cases := make([]reflect.SelectCase, 0, t.numPE+2)
	for from := 0; from < t.numPE; from++ {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(t.chans[from][pe]),
		})
	}
	ctxIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	doneIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.done)})

	chosen, recv, ok := reflect.Select(cases)
	if chosen == ctxIdx {
		return WireEvent{}, &TransportError{Op: "recv", Err: ctx.Err()}
	}
	if chosen == doneIdx || !ok {
		return WireEvent{}, &TransportError{Op: "recv", Err: context.Canceled}
	}
	return recv.Interface().(WireEvent), nil
}

// Reduce implements the two-phase GVT reduction as an in-process barrier:
// every PE submits its GVTReport; once all numPE reports for the current
// round have arrived, the coordinator computes the minimum local_min
// across PEs and checks that global sent == received (no transient
// messages in flight). If the counts don't balance yet, the round result
// is NaN and the caller is expected to retry with updated counts.
func (t *LocalTransport) Reduce(ctx context.Context, local GVTReport) (VirtualTime, error) {
	result := make(chan VirtualTime, 1)
	select {
	case t.reduceC <- reduceRequest{report: local, result: result}:
	case <-ctx.Done():
		return 0, &TransportError{Op: "reduce", Err: ctx.Err()}
	}
	select {
	case gvt := <-result:
		return gvt, nil
	case <-ctx.Done():
		return 0, &TransportError{Op: "reduce", Err: ctx.Err()}
	}
}

func (t *LocalTransport) reduceLoop() {
	pending := make([]reduceRequest, 0, t.numPE)
	for {
		select {
		case req := <-t.reduceC:
			pending = append(pending, req)
			if len(pending) < t.numPE {
				continue
			}
			gvt := VirtualTime(math.Inf(1))
			var sent, recv uint64
			for _, p := range pending {
				if p.report.LocalMin < gvt {
					gvt = p.report.LocalMin
				}
				sent += p.report.Sent
				recv += p.report.Received
			}
			if sent != recv {
				// Transient messages still in flight: report NaN so callers
				// know to re-submit after draining more events.
				gvt = VirtualTime(math.NaN())
			}
			for _, p := range pending {
				p.result <- gvt
			}
			pending = pending[:0]
		case <-t.done:
			return
		}
	}
}

func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
