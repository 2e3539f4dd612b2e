package search

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pdes-sim/internal/pdes"
	"github.com/ocx/pdes-sim/internal/pepool"
	"github.com/ocx/pdes-sim/internal/snapshot"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildGrid(t *testing.T, text string) *Grid {
	t.Helper()
	g, _, err := ParseGrid(strings.NewReader(text))
	require.NoError(t, err)
	return g
}

func allPEIDs(n int) []pdes.PEID {
	ids := make([]pdes.PEID, n)
	for i := range ids {
		ids[i] = pdes.PEID(i)
	}
	return ids
}

func statesOf(pe *pdes.PE) map[pdes.LPID]*State {
	out := make(map[pdes.LPID]*State)
	for _, gid := range pe.LocalLPIDs() {
		st, ok := pe.LPState(gid)
		if !ok {
			continue
		}
		out[gid] = st.(*State)
	}
	return out
}

// runSearch builds a fresh search run over grid, split across npe PEs, and
// returns every PE once the run has finished.
func runSearch(t *testing.T, grid *Grid, npe int, cloningEnabled bool, seed uint64) []*pdes.PE {
	t.Helper()
	nlp := grid.Width * grid.Height
	client := NewClient(grid, npe, t.TempDir(), false, nil, discardLog())

	transport := pdes.NewLocalTransport(npe, 64)
	pool := pepool.NewPool(allPEIDs(npe), nil)
	director := pdes.NewDirector(cloningEnabled, pool, discardLog())

	pes := make([]*pdes.PE, npe)
	for i := 0; i < npe; i++ {
		pes[i] = pdes.NewPE(pdes.PEID(i), client, transport, nil, discardLog(), 256, 0.5, 1000, seed, nlp, npe)
	}
	for gid := 0; gid < nlp; gid++ {
		dest := client.Map(pdes.LPID(gid), nlp, npe)
		pes[dest].RegisterLP(pdes.LPID(gid), gid)
	}

	runner := &pdes.Runner{PEs: pes, Transport: transport, GVTInterval: 4, EndTime: 1000, Hook: director.OnGVTHook}

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, npe)
	for i, pe := range pes {
		wg.Add(1)
		go func(i int, pe *pdes.PE) {
			defer wg.Done()
			errs[i] = runner.Run(ctx, pe)
		}(i, pe)
	}
	wg.Wait()
	transport.Close()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return pes
}

// walkExitChain follows exit_dir from grid.Start through states, asserting
// every hop lands on a visited cell and the chain ends at either the goal
// or a dead-end (exit_dir == NoDirection), never cycling past the number
// of cells the grid has. It returns the ordered chain of visited cell
// indices and whether it ended at the goal.
func walkExitChain(t *testing.T, grid *Grid, states map[pdes.LPID]*State) (chain []int, reachedGoal bool) {
	t.Helper()
	cur := grid.Start
	limit := grid.Width*grid.Height + 1
	for i := 0; i < limit; i++ {
		chain = append(chain, cur)
		st, ok := states[pdes.LPID(cur)]
		require.True(t, ok, "cell %d on the chain must have been visited", cur)
		require.True(t, st.Visited, "cell %d on the chain must be marked visited", cur)

		if cur == grid.Goal {
			require.True(t, st.Reached, "the goal cell's Reached flag must be set")
			return chain, true
		}
		if st.ExitDir == NoDirection {
			return chain, false
		}
		x, y := grid.XY(cur)
		next, ok := grid.Neighbor(x, y, st.ExitDir)
		require.True(t, ok, "cell %d's exit_dir must name a passable neighbor", cur)
		cur = next
	}
	t.Fatalf("exit_dir chain did not terminate within %d hops", limit)
	return nil, false
}

// TestSearchOpenGridPathConsistency implements scenario S3: on a 5x5 open
// grid with a fixed seed, the visited set is non-empty, includes the start
// cell, and every visited non-goal cell's exit_dir names a path to another
// visited cell, terminating at the goal (a fully open grid has no interior
// dead ends, since no cell's open-direction count drops to zero once the
// cell it was entered from is excluded).
func TestSearchOpenGridPathConsistency(t *testing.T) {
	grid := buildGrid(t, `
5 5
S . . . .
. . . . .
. . . . .
. . . . .
. . . . G
`)
	require.Equal(t, 0, grid.Start)
	require.Equal(t, 24, grid.Goal)

	pes := runSearch(t, grid, 1, false, 4)
	states := statesOf(pes[0])

	require.NotEmpty(t, states)
	_, visitedStart := states[pdes.LPID(grid.Start)]
	require.True(t, visitedStart, "the start cell must be visited")

	chain, reached := walkExitChain(t, grid, states)
	assert.True(t, reached, "a fully open grid has no dead ends, so the walk can only end at the goal")
	assert.Equal(t, 11, len(chain), "seed 4 reaches the goal in exactly 10 hops from the start")
	assert.Equal(t, grid.Start, chain[0])
	assert.Equal(t, grid.Goal, chain[len(chain)-1])
}

// TestSearchWallBisectedNotReached implements scenario S4: a corridor with
// a single two-way branch, one arm leading to the goal and the other to a
// dead end, run with cloning disabled so only the branch's first choice is
// ever explored. The chosen seed's first choice at the branch cell takes
// the dead-end arm, so the goal must not be reached and the dead-end cell
// must be marked with ExitDir == NoDirection ("X" in the rendered output).
func TestSearchWallBisectedNotReached(t *testing.T) {
	grid := buildGrid(t, `
3 5
# S #
# . #
. . .
. # #
G # #
`)

	pes := runSearch(t, grid, 1, false, 1)
	states := statesOf(pes[0])

	chain, reached := walkExitChain(t, grid, states)
	assert.False(t, reached, "the branch's first choice leads away from the goal")

	goalState, ok := states[pdes.LPID(grid.Goal)]
	assert.False(t, ok && goalState.Reached, "goal reached: NO")

	deadEnd := chain[len(chain)-1]
	deadEndState := states[pdes.LPID(deadEnd)]
	assert.Equal(t, NoDirection, deadEndState.ExitDir, "the dead-end cell must be marked X")
	assert.NotEqual(t, grid.Goal, deadEnd, "the dead end reached is not the goal")
}

// TestSearchCloneConsistency implements scenario S5 and exercises
// universal invariant 5: a grid forcing exactly one multi-choice decision,
// with cloning enabled and a second, idle PE available to host the
// destination branch. The branch cell and everything upstream of it sits
// entirely on PE 0's native partition, so PE 1 starts the run genuinely
// idle and becomes the clone director's only destination candidate.
// Before the decision, source and destination must agree on every LP's
// state; after divergence, exactly one of the two walks the dead-end arm
// and the other reaches the goal.
func TestSearchCloneConsistency(t *testing.T) {
	grid := buildGrid(t, `
5 3
# S # # #
G . . # #
# # # # #
`)
	branchGID := grid.Index(1, 1)
	deadEndGID := grid.Index(2, 1)

	pes := runSearch(t, grid, 2, true, 1)
	require.Len(t, pes, 2)

	sourceStates := statesOf(pes[0])
	destStates := statesOf(pes[1])

	// Every LP up to and including the branch cell must agree between the
	// two PEs: both were copied from the same state at the moment of
	// divergence.
	branchSource := sourceStates[pdes.LPID(branchGID)]
	branchDest := destStates[pdes.LPID(branchGID)]
	require.NotNil(t, branchSource)
	require.NotNil(t, branchDest)
	assert.Equal(t, branchSource.Visited, branchDest.Visited)
	assert.Equal(t, branchSource.EntryDir, branchDest.EntryDir)

	startSource := sourceStates[pdes.LPID(grid.Start)]
	startDest := destStates[pdes.LPID(grid.Start)]
	require.NotNil(t, startSource)
	require.NotNil(t, startDest)
	assert.Equal(t, *startSource, *startDest, "cells visited before the divergence must match bit for bit")

	// The same agreement, re-derived the way the clone director's own
	// fork-time check works: hash each side's serialized start-cell state
	// and confirm the destination branch verifies against the source's
	// snapshot, taken at the moment transfer() copied it.
	startSourceJSON, err := json.Marshal(startSource)
	require.NoError(t, err)
	startDestJSON, err := json.Marshal(startDest)
	require.NoError(t, err)
	sourceHash := snapshot.GenerateStateSnapshot(startSourceJSON)
	ok, err := snapshot.CompareAndVerify(sourceHash, startDestJSON)
	require.NoError(t, err)
	assert.True(t, ok, "destination branch's start-cell state must verify against the source's fork-time snapshot")

	// Downstream of the branch, the two PEs must have taken different
	// arms: exactly one walks the dead end, and the other reaches the
	// goal, regardless of which arm the RNG assigned as first choice.
	sourceDeadEnd := sourceStates[pdes.LPID(deadEndGID)]
	destDeadEnd := destStates[pdes.LPID(deadEndGID)]
	sourceGoal := sourceStates[pdes.LPID(grid.Goal)]
	destGoal := destStates[pdes.LPID(grid.Goal)]
	require.NotNil(t, sourceDeadEnd)
	require.NotNil(t, destDeadEnd)
	require.NotNil(t, sourceGoal)
	require.NotNil(t, destGoal)

	assert.NotEqual(t, sourceDeadEnd.Visited, destDeadEnd.Visited, "the dead-end arm is walked by exactly one branch")
	assert.NotEqual(t, sourceGoal.Reached, destGoal.Reached, "the goal arm is walked by exactly one branch")
	assert.True(t, sourceDeadEnd.Visited || destDeadEnd.Visited, "some branch must walk the dead-end arm")
	assert.True(t, sourceGoal.Reached || destGoal.Reached, "some branch must reach the goal")
}
