package highlife

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/pdes-sim/internal/pdes"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runHighLife builds a fresh nlp-LP, npe-PE HighLife run to endTime and
// returns every LP's final state, keyed by GID.
func runHighLife(t *testing.T, nlp, npe int, pattern Pattern, endTime float64, gvtInterval int, seed uint64) map[pdes.LPID]*State {
	t.Helper()
	dir := t.TempDir()
	client, err := NewClient(uint8(pattern), nlp, dir, nil, discardLog())
	require.NoError(t, err)

	transport := pdes.NewLocalTransport(npe, 32)
	defer transport.Close()

	pes := make([]*pdes.PE, npe)
	for i := 0; i < npe; i++ {
		pes[i] = pdes.NewPE(pdes.PEID(i), client, transport, nil, discardLog(), 512, 0.1, endTime, seed, nlp, npe)
	}
	for gid := 0; gid < nlp; gid++ {
		dest := client.Map(pdes.LPID(gid), nlp, npe)
		pes[dest].RegisterLP(pdes.LPID(gid), gid)
	}

	runner := &pdes.Runner{PEs: pes, Transport: transport, GVTInterval: gvtInterval, EndTime: endTime}

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
	for _, err := range errs {
		require.NoError(t, err)
	}

	states := make(map[pdes.LPID]*State, nlp)
	for _, pe := range pes {
		for _, gid := range pe.LocalLPIDs() {
			st, ok := pe.LPState(gid)
			require.True(t, ok)
			states[gid] = st.(*State)
		}
	}
	return states
}

// mirrorHalo and stepGridWithHalo reproduce what one simulated step does
// to a single LP's board when its row neighbors are itself:
// stepGridWithHalo iterates the transition rule, then mirrorHalo
// overwrites the two ghost rows with fresh mirrors of the interior rows
// the row-exchange messages would have just delivered. A
// raw repeated iterate() would not match past the first step, since
// iterate treats the ghost rows as ordinary cells and computes values
// for them that the real row exchange immediately discards.
func mirrorHalo(grid *[cells]byte) {
	var row1, row18 [Width]byte
	copy(row1[:], grid[Width:2*Width])
	copy(row18[:], grid[Width*(Height-2):Width*(Height-1)])
	copy(grid[0:Width], row18[:])
	copy(grid[Width*(Height-1):Width*Height], row1[:])
}

func stepGridWithHalo(grid [cells]byte) [cells]byte {
	next := iterate(&grid)
	mirrorHalo(&next)
	return next
}

// TestHighLifeSerialReplicator implements scenario S1: a single-LP
// replicator pattern run 10 steps on one PE must match directly applying
// the transition rule and ghost-row exchange 10 times to the same
// initial board, since a single-LP torus wraps its row exchange onto
// itself.
func TestHighLifeSerialReplicator(t *testing.T) {
	states := runHighLife(t, 1, 1, PatternReplicator, 10, 3, 1)
	st, ok := states[0]
	require.True(t, ok)
	require.Equal(t, 10, st.Steps)

	var expected State
	applyPattern(&expected, PatternReplicator, 0, 0)
	grid := expected.Grid
	// Init's own row exchange mirrors the raw initial board's ghost rows
	// before the first tick ever fires.
	mirrorHalo(&grid)
	for i := 0; i < 10; i++ {
		grid = stepGridWithHalo(grid)
	}

	assert.Equal(t, grid, st.Grid, "10 serial steps must match the directly-iterated board bit for bit")
}

// TestHighLifeOptimisticMatchesSerial implements scenario S2 and exercises
// universal invariant 4: a 4-LP board split 2 LPs/PE across 2 optimistic
// PEs must reach the identical final board, LP by LP, as the same 4 LPs
// run on a single PE (no cross-PE speculation possible with one PE, the
// closest analogue this scheduler has to --synch=1).
func TestHighLifeOptimisticMatchesSerial(t *testing.T) {
	const nlp = 4
	const steps = 100
	const seed = 7

	serial := runHighLife(t, nlp, 1, PatternOnesAtCorners, steps, 4, seed)
	optimistic := runHighLife(t, nlp, 2, PatternOnesAtCorners, steps, 4, seed)

	require.Len(t, serial, nlp)
	require.Len(t, optimistic, nlp)

	for gid := 0; gid < nlp; gid++ {
		s, ok := serial[pdes.LPID(gid)]
		require.True(t, ok)
		o, ok := optimistic[pdes.LPID(gid)]
		require.True(t, ok)

		assert.Equal(t, s.Steps, o.Steps, "lp %d: step count must match between serial and optimistic runs", gid)
		assert.Equal(t, s.Grid, o.Grid, "lp %d: final board must match bit for bit between serial and optimistic runs", gid)
	}
}
