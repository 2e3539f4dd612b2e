// Package highlife implements the HighLife cellular automaton as a PDES
// client: a ring of LPs, each owning one row-band of a toroidal grid,
// exchanging row updates with its neighbors every simulated step.
package highlife

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ocx/pdes-sim/internal/pdes"
	"github.com/ocx/pdes-sim/internal/resultstore"
)

// Grid dimensions. Kept as constants, matching the reference model's
// fixed 20x20 per-LP torus; a production rework would make these
// per-run configuration, but every documented scenario assumes this
// size.
const (
	Width  = 20
	Height = 20
	cells  = Width * Height
)

const (
	msgStep uint8 = iota
	msgRowUpdate
)

const (
	dirUp uint8 = iota
	dirDown
)

// Pattern selects the initial grid configuration. Unknown values abort
// at startup (spec.md's config-error rule): see NewClient.
type Pattern uint8

const (
	PatternAllZeros Pattern = iota
	PatternAllOnes
	PatternOnesInMiddle
	PatternOnesAtCorners
	PatternSpinnerAtCorner
	PatternReplicator
	PatternDiagonal
	patternCount
)

// State is the opaque per-LP buffer: the row-band grid plus a step
// counter, matching the source model's `state` struct.
type State struct {
	Steps int
	Grid  [cells]byte
}

// Client implements pdes.Client for the HighLife model.
type Client struct {
	Pattern    Pattern
	TotalLPs   int
	OutputDir  string
	Store      resultstore.Store
	Log        *slog.Logger
}

// NewClient validates pattern against the known range and returns a
// ready-to-register Client, or a *pdes.ConfigError if pattern is
// unrecognized.
func NewClient(pattern uint8, totalLPs int, outputDir string, store resultstore.Store, log *slog.Logger) (*Client, error) {
	if pattern >= uint8(patternCount) {
		return nil, &pdes.ConfigError{Field: "pattern", Reason: fmt.Sprintf("pattern %d has not been implemented", pattern)}
	}
	return &Client{Pattern: Pattern(pattern), TotalLPs: totalLPs, OutputDir: outputDir, Store: store, Log: log}, nil
}

func (c *Client) Init(lp *pdes.LP, ctx *pdes.HandlerContext) {
	st := &State{}
	self := uint64(lp.GID)
	last := uint64(c.TotalLPs - 1)
	applyPattern(st, c.Pattern, self, last)
	lp.State = st

	if err := c.writeInitDump(lp.GID, st); err != nil {
		c.Log.Error("highlife: failed writing init dump", "lp", lp.GID, "err", err)
	}

	// Tick message to self at t=1, matching send_tick.
	ctx.Send(lp.GID, lp.GID, 0, 1, 0, msgStep, nil)
	c.sendRows(lp.GID, 0, st, ctx)
}

func (c *Client) Forward(lp *pdes.LP, ev *pdes.Event, bf *pdes.BitField, ctx *pdes.HandlerContext) {
	st := lp.State.(*State)
	switch ev.PayloadType {
	case msgStep:
		prev := st.Grid
		next := iterate(&st.Grid)
		st.Grid = next
		// Stash the pre-step grid in the event payload so Reverse can
		// restore it without recomputation, the Go analogue of the
		// source's rev_state field.
		copy(ev.Payload[:cells], prev[:])
		ev.PayloadLen = cells
		st.Steps++
		if ev.RecvTS+1 <= ctx.EndTime() {
			ctx.Send(lp.GID, lp.GID, ev.RecvTS, ev.RecvTS+1, 0, msgStep, nil)
		}
		c.sendRows(lp.GID, ev.RecvTS, st, ctx)
	case msgRowUpdate:
		c.applyRowUpdate(st, ev)
	}
}

func (c *Client) Reverse(lp *pdes.LP, ev *pdes.Event, bf *pdes.BitField, ctx *pdes.HandlerContext) {
	st := lp.State.(*State)
	switch ev.PayloadType {
	case msgStep:
		st.Steps--
		copy(st.Grid[:], ev.Payload[:cells])
	case msgRowUpdate:
		c.applyRowUpdate(st, ev) // row-swap is its own inverse
	}
}

func (c *Client) Commit(lp *pdes.LP, ev *pdes.Event, ctx *pdes.HandlerContext) {
	// No durable side effects to finalize per committed step; final
	// output is written once in Final.
}

func (c *Client) Final(lp *pdes.LP, ctx *pdes.HandlerContext) {
	st := lp.State.(*State)
	c.Log.Info("highlife: lp finished", "lp", lp.GID, "steps", st.Steps)
	if err := c.writeFinalDump(lp.GID, st); err != nil {
		c.Log.Error("highlife: failed writing final dump", "lp", lp.GID, "err", err)
	}
	if c.Store != nil {
		_ = c.Store.WriteGrid(context.Background(), resultstore.GridResult{
			LPID:  uint64(lp.GID),
			Steps: st.Steps,
			Grid:  st.Grid[:],
			Width: Width, Height: Height,
		})
	}
}

func (c *Client) Map(gid pdes.LPID, totalLPs, totalPEs int) pdes.PEID {
	return pdes.DefaultMap(gid, totalLPs, totalPEs)
}

func (c *Client) CloneState(state any) any {
	src := state.(*State)
	dst := &State{Steps: src.Steps}
	dst.Grid = src.Grid
	return dst
}

func (c *Client) ResumeDecision(lp *pdes.LP, branch int, timestamp float64, decisionContext any, ctx *pdes.HandlerContext) {
	// HighLife never records a decision: its forward handler is fully
	// deterministic. ResumeDecision exists only to satisfy pdes.Client.
}

func (c *Client) sendRows(self pdes.LPID, now float64, st *State, ctx *pdes.HandlerContext) {
	total := uint64(c.TotalLPs)
	up := pdes.LPID((uint64(self) + total - 1) % total)
	down := pdes.LPID((uint64(self) + 1) % total)

	downRow := st.Grid[Width : 2*Width]
	payload := make([]byte, 1+Width)
	payload[0] = dirDown
	copy(payload[1:], downRow)
	ctx.Send(self, up, now, now+0.5, 1, msgRowUpdate, payload)

	upRow := st.Grid[Width*(Height-2) : Width*(Height-1)]
	payload2 := make([]byte, 1+Width)
	payload2[0] = dirUp
	copy(payload2[1:], upRow)
	ctx.Send(self, down, now, now+0.5, 1, msgRowUpdate, payload2)
}

func (c *Client) applyRowUpdate(st *State, ev *pdes.Event) {
	dir := ev.Payload[0]
	row := ev.Payload[1 : 1+Width]
	switch dir {
	case dirUp:
		swap(st.Grid[0:Width], row)
	case dirDown:
		swap(st.Grid[Width*(Height-1):Width*Height], row)
	}
}

func swap(grid []byte, row []byte) {
	var tmp [Width]byte
	copy(tmp[:], row)
	copy(row, grid)
	copy(grid, tmp[:])
}

// iterate computes one HighLife transition over the toroidal grid: a
// live cell survives with 2 or 3 live neighbors, a dead cell is born
// with 3 or 6.
func iterate(grid *[cells]byte) [cells]byte {
	var next [cells]byte
	for y := 0; y < Height; y++ {
		y0 := ((y + Height - 1) % Height) * Width
		y1 := y * Width
		y2 := ((y + 1) % Height) * Width
		for x := 0; x < Width; x++ {
			x0 := (x + Width - 1) % Width
			x1 := x
			x2 := (x + 1) % Width
			n := int(grid[y0+x0]) + int(grid[y0+x1]) + int(grid[y0+x2]) +
				int(grid[y1+x0]) + int(grid[y1+x2]) +
				int(grid[y2+x0]) + int(grid[y2+x1]) + int(grid[y2+x2])
			if grid[y1+x1] != 0 {
				next[y1+x1] = boolByte(n == 2 || n == 3)
			} else {
				next[y1+x1] = boolByte(n == 3 || n == 6)
			}
		}
	}
	return next
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func applyPattern(st *State, p Pattern, self, lastLP uint64) {
	switch p {
	case PatternAllZeros:
	case PatternAllOnes:
		for i := Width; i < Width*(Height-1); i++ {
			st.Grid[i] = 1
		}
	case PatternOnesInMiddle:
		for i := 10*Width + 10; i < 10*Width+20; i++ {
			st.Grid[i] = 1
		}
	case PatternOnesAtCorners:
		if self == 0 {
			st.Grid[Width] = 1
			st.Grid[2*Width-1] = 1
		} else if self == lastLP {
			st.Grid[Width*(Height-2)] = 1
			st.Grid[Width*(Height-2)+Width-1] = 1
		}
	case PatternSpinnerAtCorner:
		if self == 0 {
			st.Grid[Width] = 1
			st.Grid[Width+1] = 1
			st.Grid[2*Width-1] = 1
		}
	case PatternReplicator:
		if self == 0 {
			x, y := Width/2, Height/2
			st.Grid[x+y*Width+1] = 1
			st.Grid[x+y*Width+2] = 1
			st.Grid[x+y*Width+3] = 1
			st.Grid[x+(y+1)*Width] = 1
			st.Grid[x+(y+2)*Width] = 1
			st.Grid[x+(y+3)*Width] = 1
		}
	case PatternDiagonal:
		for i := 0; i < Width && i < Height; i++ {
			st.Grid[(i+1)*Width+i] = 1
		}
	}
}

// writeInitDump and writeFinalDump reproduce the reference model's exact
// output shape: an iteration-count header line, a "Ghost row:" line, then
// "Row NN: " lines for every interior row, then a second "Ghost row:" line,
// cells space-separated.
func (c *Client) writeInitDump(lp pdes.LPID, st *State) error {
	return c.dump(lp, st, "")
}

func (c *Client) writeFinalDump(lp pdes.LPID, st *State) error {
	return c.dump(lp, st, fmt.Sprintf("%d handled %d STEP messages\n\n", lp, st.Steps))
}

func (c *Client) dump(lp pdes.LPID, st *State, prefix string) error {
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.OutputDir, fmt.Sprintf("highlife-gid=%d.txt", lp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	buf.WriteString(prefix)
	fmt.Fprintf(&buf, "Print World - Iteration %d\n", st.Steps)
	writeRow(&buf, "Ghost row: ", st.Grid[0:Width])
	for i := 1; i < Height-1; i++ {
		writeRow(&buf, fmt.Sprintf("Row %2d: ", i), st.Grid[i*Width:(i+1)*Width])
	}
	writeRow(&buf, "Ghost row: ", st.Grid[(Height-1)*Width:Height*Width])
	buf.WriteString("\n")
	_, err = f.Write(buf.Bytes())
	return err
}

func writeRow(buf *bytes.Buffer, label string, row []byte) {
	buf.WriteString(label)
	for _, c := range row {
		fmt.Fprintf(buf, "%d ", c)
	}
	buf.WriteString("\n")
}
