package search

import (
	"bytes"
	"fmt"
)

// boxGlyph is the lookup table from (entry, exit) direction pairs to a
// box-drawing glyph, rows = entry direction, columns = exit direction.
// "?" marks pairs that cannot occur (an entry and exit on the same side
// without a U-turn); "X" marks a dead end (exit == NoDirection).
var boxGlyph = map[Direction]map[Direction]rune{
	North: {North: '?', South: '│', East: '└', West: '┘', NoDirection: 'X'},
	South: {North: '│', South: '?', East: '┌', West: '┐', NoDirection: 'X'},
	East:  {North: '└', South: '┌', East: '?', West: '─', NoDirection: 'X'},
	West:  {North: '┘', South: '┐', East: '─', West: '?', NoDirection: 'X'},
}

var arrowGlyph = map[Direction]rune{
	North: '^',
	South: 'v',
	East:  '>',
	West:  '<',
}

func glyphFor(entry, exit Direction, ascii bool) rune {
	if ascii {
		if exit == NoDirection {
			return 'X'
		}
		if g, ok := arrowGlyph[exit]; ok {
			return g
		}
		return 'X'
	}
	if entry == NoDirection {
		return '?'
	}
	row, ok := boxGlyph[entry]
	if !ok {
		return '?'
	}
	g, ok := row[exit]
	if !ok {
		return '?'
	}
	return g
}

// Render produces the search-results text for one PE's view of the
// grid: a header with dimensions/start/goal/goal-reached, followed by a
// grid visualization using box-drawing glyphs (or ASCII arrows when
// ascii is true).
func Render(g *Grid, states map[int]*State, ascii bool) string {
	var buf bytes.Buffer
	sx, sy := g.XY(g.Start)
	gx, gy := g.XY(g.Goal)
	reached := false
	if st, ok := states[g.Goal]; ok {
		reached = st.Reached
	}

	fmt.Fprintf(&buf, "Grid: %dx%d\n", g.Width, g.Height)
	fmt.Fprintf(&buf, "Start: (%d,%d)\n", sx, sy)
	fmt.Fprintf(&buf, "Goal: (%d,%d)\n", gx, gy)
	if reached {
		buf.WriteString("Goal reached: YES\n")
	} else {
		buf.WriteString("Goal reached: NO\n")
	}

	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			idx := g.Index(x, y)
			buf.WriteRune(cellGlyph(g, states, idx, ascii))
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

func cellGlyph(g *Grid, states map[int]*State, idx int, ascii bool) rune {
	switch g.Cells[idx] {
	case CellObstacle:
		return '#'
	case CellStart:
		return 'S'
	case CellGoal:
		if st, ok := states[idx]; ok && st.Visited {
			return 'G'
		}
		return 'g'
	}
	st, ok := states[idx]
	if !ok || !st.Visited {
		return '.'
	}
	return glyphFor(st.EntryDir, st.ExitDir, ascii)
}
