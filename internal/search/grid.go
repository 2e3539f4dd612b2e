// Package search implements the random-walk grid-search agent as a PDES
// client. One LP per grid cell; the agent moves between LPs, and at any
// cell with more than one open neighbor it records a clone decision for
// the director to act on at the next GVT hook.
package search

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ocx/pdes-sim/internal/pdes"
)

// Cell kinds parsed from the grid file.
type Cell uint8

const (
	CellFree Cell = iota
	CellObstacle
	CellStart
	CellGoal
)

// Direction is one of the four cardinal moves an agent can make.
type Direction uint8

const (
	North Direction = iota
	South
	East
	West
	NoDirection
)

func (d Direction) String() string {
	switch d {
	case North:
		return "NORTH"
	case South:
		return "SOUTH"
	case East:
		return "EAST"
	case West:
		return "WEST"
	default:
		return "NONE"
	}
}

// Opposite returns the reverse of d, used to compute the entry direction
// a move into a cell implies.
func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	default:
		return NoDirection
	}
}

// Grid is the parsed static map: dimensions, cell kinds and the start/
// goal coordinates. It is written once by a single PE during parsing and
// never mutated afterward, so every LP can safely hold a pointer to it.
type Grid struct {
	Width, Height int
	Cells         []Cell // row-major, len == Width*Height
	Start, Goal   int    // cell indices
}

// Index converts (x, y) to a row-major cell index.
func (g *Grid) Index(x, y int) int { return y*g.Width + x }

// XY converts a cell index back to (x, y).
func (g *Grid) XY(idx int) (int, int) { return idx % g.Width, idx / g.Width }

// InBounds reports whether (x, y) lies within the grid.
func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

// Neighbor returns the cell index reached by moving dir from (x, y), and
// whether that move stays in bounds and lands on a non-obstacle cell.
func (g *Grid) Neighbor(x, y int, dir Direction) (int, bool) {
	nx, ny := x, y
	switch dir {
	case North:
		ny--
	case South:
		ny++
	case East:
		nx++
	case West:
		nx--
	}
	if !g.InBounds(nx, ny) {
		return 0, false
	}
	idx := g.Index(nx, ny)
	return idx, g.Cells[idx] != CellObstacle
}

// OpenDirections returns every direction from (x, y) that leads to a
// passable, in-bounds cell.
func (g *Grid) OpenDirections(x, y int) []Direction {
	var open []Direction
	for _, d := range []Direction{North, South, East, West} {
		if _, ok := g.Neighbor(x, y, d); ok {
			open = append(open, d)
		}
	}
	return open
}

// ParseGrid reads the grid file format documented for the search model:
// UTF-8 text, `//`-prefixed comment lines skipped, the first non-comment
// line is "WIDTH HEIGHT", followed by cell rows. Unknown characters warn
// (via the returned warnings slice) and are treated as free.
func ParseGrid(r io.Reader) (*Grid, []string, error) {
	scanner := bufio.NewScanner(r)
	var warnings []string

	var width, height int
	haveDims := false
	var rows []string

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if !haveDims {
			n, err := fmt.Sscanf(trimmed, "%d %d", &width, &height)
			if err != nil || n != 2 {
				return nil, nil, &pdes.ConfigError{Field: "grid-map", Reason: "first non-comment line must be \"WIDTH HEIGHT\""}
			}
			if width < 1 || width > 100 || height < 1 || height > 100 {
				return nil, nil, &pdes.ConfigError{Field: "grid-map", Reason: "WIDTH and HEIGHT must be in 1..100"}
			}
			haveDims = true
			continue
		}
		rows = append(rows, trimmed)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if !haveDims {
		return nil, nil, &pdes.ConfigError{Field: "grid-map", Reason: "missing WIDTH HEIGHT header"}
	}

	g := &Grid{Width: width, Height: height, Cells: make([]Cell, width*height), Start: -1, Goal: -1}
	y := 0
	for _, row := range rows {
		if y >= height {
			break
		}
		x := 0
		for _, r := range strings.Fields(row) {
			for _, ch := range r {
				if x >= width {
					break
				}
				idx := g.Index(x, y)
				switch ch {
				case '.':
					g.Cells[idx] = CellFree
				case '#':
					g.Cells[idx] = CellObstacle
				case 'S':
					if g.Start != -1 {
						return nil, nil, &pdes.ConfigError{Field: "grid-map", Reason: "more than one start cell"}
					}
					g.Cells[idx] = CellStart
					g.Start = idx
				case 'G':
					if g.Goal != -1 {
						return nil, nil, &pdes.ConfigError{Field: "grid-map", Reason: "more than one goal cell"}
					}
					g.Cells[idx] = CellGoal
					g.Goal = idx
				default:
					g.Cells[idx] = CellFree
					warnings = append(warnings, fmt.Sprintf("unrecognized cell character %q at (%d,%d), treated as free", ch, x, y))
				}
				x++
			}
		}
		y++
	}
	if g.Start == -1 {
		return nil, nil, &pdes.ConfigError{Field: "grid-map", Reason: "grid has no start cell"}
	}
	if g.Goal == -1 {
		return nil, nil, &pdes.ConfigError{Field: "grid-map", Reason: "grid has no goal cell"}
	}
	return g, warnings, nil
}
