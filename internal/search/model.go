package search

import (
	"log/slog"

	"github.com/ocx/pdes-sim/internal/pdes"
	"github.com/ocx/pdes-sim/internal/resultstore"
)

// State is the opaque per-LP buffer: one grid cell's visitation record.
type State struct {
	Visited  bool
	Reached  bool // true only for the goal cell, once the agent arrives
	EntryDir Direction
	ExitDir  Direction
}

// moveFrame is the payload carried by an agent-move event: the travel
// direction the agent used to reach the destination cell, needed by
// both Forward (to compute entry direction) and Reverse (to undo the
// visited mark).
type moveFrame struct {
	travelDir Direction
}

func encodeMove(dir Direction) []byte { return []byte{byte(dir)} }
func decodeMove(payload []byte) moveFrame {
	if len(payload) == 0 {
		return moveFrame{travelDir: NoDirection}
	}
	return moveFrame{travelDir: Direction(payload[0])}
}

const msgAgentMove uint8 = 0

// Client implements pdes.Client for the grid search model.
type Client struct {
	Grid      *Grid
	TotalPEs  int
	OutputDir string
	ASCII     bool
	Store     resultstore.Store
	Log       *slog.Logger
}

// NewClient builds a search Client from an already-parsed Grid.
func NewClient(grid *Grid, totalPEs int, outputDir string, ascii bool, store resultstore.Store, log *slog.Logger) *Client {
	return &Client{Grid: grid, TotalPEs: totalPEs, OutputDir: outputDir, ASCII: ascii, Store: store, Log: log}
}

func (c *Client) Init(lp *pdes.LP, ctx *pdes.HandlerContext) {
	lp.State = &State{}
	if int(lp.GID) == c.Grid.Start {
		c.arrive(lp, NoDirection, 0, ctx)
	}
}

func (c *Client) Forward(lp *pdes.LP, ev *pdes.Event, bf *pdes.BitField, ctx *pdes.HandlerContext) {
	if ev.PayloadType != msgAgentMove {
		return
	}
	move := decodeMove(ev.Payload[:ev.PayloadLen])
	c.arrive(lp, move.travelDir, ev.RecvTS, ctx)
}

// arrive applies the effect of the agent entering lp's cell by having
// traveled in travelDir (NoDirection for the start cell), then either
// moves on immediately (0 or 1 open continuations), records a clone
// decision (2+ open continuations), or stops (dead end / goal).
func (c *Client) arrive(lp *pdes.LP, travelDir Direction, now float64, ctx *pdes.HandlerContext) {
	st := lp.State.(*State)
	st.Visited = true
	st.EntryDir = travelDir.Opposite()

	idx := int(lp.GID)
	if idx == c.Grid.Goal {
		st.Reached = true
		st.ExitDir = NoDirection
		return
	}

	// Candidates exclude only the direction leading straight back to the
	// predecessor cell; the agent otherwise has no memory of the wider
	// path it has walked, consistent with a random-walk search rather
	// than a depth-first one.
	x, y := c.Grid.XY(idx)
	open := c.Grid.OpenDirections(x, y)
	cameFrom := st.EntryDir
	var candidates []Direction
	for _, d := range open {
		if d != cameFrom {
			candidates = append(candidates, d)
		}
	}

	switch len(candidates) {
	case 0:
		st.ExitDir = NoDirection
	case 1:
		st.ExitDir = candidates[0]
		c.move(lp, candidates[0], now, ctx)
	default:
		i := lp.RNG.Integer(0, len(candidates)-1)
		first := candidates[i]
		j := (i + 1) % len(candidates)
		second := candidates[j]
		// The GVT hook rolls every PE back to exactly this event's
		// timestamp before either branch resumes, which reverses this
		// arrival's Visited/EntryDir bookkeeping along with everything
		// else at or after that instant; pass cameFrom through so
		// ResumeDecision can restore it.
		ctx.RecordDecision(lp.GID, int(first), int(second), now, cameFrom)
	}
}

func (c *Client) move(lp *pdes.LP, dir Direction, now float64, ctx *pdes.HandlerContext) {
	x, y := c.Grid.XY(int(lp.GID))
	nidx, ok := c.Grid.Neighbor(x, y, dir)
	if !ok {
		return
	}
	ctx.Send(lp.GID, pdes.LPID(nidx), now, now+1, 0, msgAgentMove, encodeMove(dir))
}

func (c *Client) Reverse(lp *pdes.LP, ev *pdes.Event, bf *pdes.BitField, ctx *pdes.HandlerContext) {
	st := lp.State.(*State)
	st.Visited = false
	st.Reached = false
	st.EntryDir = NoDirection
	st.ExitDir = NoDirection
}

func (c *Client) Commit(lp *pdes.LP, ev *pdes.Event, ctx *pdes.HandlerContext) {}

func (c *Client) Final(lp *pdes.LP, ctx *pdes.HandlerContext) {
	// Output is written once per PE by the driver after every LP's Final
	// has run (see cmd/search), since the render needs the whole grid's
	// state, not a single LP's.
}

func (c *Client) Map(gid pdes.LPID, totalLPs, totalPEs int) pdes.PEID {
	return pdes.DefaultMap(gid, totalLPs, totalPEs)
}

func (c *Client) CloneState(state any) any {
	src := state.(*State)
	dst := *src
	return &dst
}

func (c *Client) ResumeDecision(lp *pdes.LP, branch int, timestamp float64, decisionContext any, ctx *pdes.HandlerContext) {
	st := lp.State.(*State)
	// The GVT hook's rollback-to-GVT reversed this cell's own arrival
	// along with everything after it; restore what Reverse undid before
	// taking this branch's exit.
	st.Visited = true
	st.EntryDir = decisionContext.(Direction)
	dir := Direction(branch)
	st.ExitDir = dir
	c.move(lp, dir, timestamp, ctx)
}
