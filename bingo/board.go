// Package bingo holds the pure game primitives: boards, letters, draws and
// the straight-line win check.
package bingo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	// Size is the width and height of a board.
	Size = 5
	// Cells is the number of cells on a board.
	Cells = Size * Size
	// MaxNumber is the highest number that can be called.
	MaxNumber = 75
	// Free marks the center cell.
	Free = 0

	centerIndex = Cells / 2
	columnSpan  = MaxNumber / Size
)

// Grid is a row-major 5x5 board. Column c holds numbers from the c-th
// fifteen-number band (B 1-15, I 16-30, N 31-45, G 46-60, O 61-75).
type Grid [Cells]int

// Cell returns the value at row r, column c.
func (g Grid) Cell(r, c int) int {
	return g[r*Size+c]
}

// Numbers returns the non-free numbers on the board in row-major order.
func (g Grid) Numbers() []int {
	out := make([]int, 0, Cells-1)
	for _, n := range g {
		if n != Free {
			out = append(out, n)
		}
	}
	return out
}

// Contains reports whether n appears on the board.
func (g Grid) Contains(n int) bool {
	if n == Free {
		return false
	}
	for _, v := range g {
		if v == n {
			return true
		}
	}
	return false
}

// Hash returns the hex SHA-256 of the board content, used for audit.
func (g Grid) Hash() string {
	sum := sha256.Sum256([]byte(g.String()))
	return hex.EncodeToString(sum[:])
}

// String renders the board as comma separated row-major values.
func (g Grid) String() string {
	parts := make([]string, Cells)
	for i, n := range g {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// Validate checks the column bands, uniqueness and the free center.
func (g Grid) Validate() error {
	seen := make(map[int]bool, Cells)
	for i, n := range g {
		if i == centerIndex {
			if n != Free {
				return fmt.Errorf("center cell must be free, got %d", n)
			}
			continue
		}
		col := i % Size
		lo, hi := col*columnSpan+1, (col+1)*columnSpan
		if n < lo || n > hi {
			return fmt.Errorf("cell %d: %d outside column range %d-%d", i, n, lo, hi)
		}
		if seen[n] {
			return fmt.Errorf("duplicate number %d", n)
		}
		seen[n] = true
	}
	return nil
}

// ParseGrid parses the String form of a board.
func ParseGrid(s string) (Grid, error) {
	var g Grid
	parts := strings.Split(s, ",")
	if len(parts) != Cells {
		return g, fmt.Errorf("expected %d cells, got %d", Cells, len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return g, fmt.Errorf("cell %d: %w", i, err)
		}
		g[i] = n
	}
	return g, g.Validate()
}

// NewGrid generates a random board with explicit RNG.
func NewGrid(rng *rand.Rand) Grid {
	var g Grid
	for col := range Size {
		base := col*columnSpan + 1
		picks := rng.Perm(columnSpan)[:Size]
		for row := range Size {
			g[row*Size+col] = base + picks[row]
		}
	}
	g[centerIndex] = Free
	return g
}

// NewGrids generates n distinct boards.
func NewGrids(rng *rand.Rand, n int) []Grid {
	grids := make([]Grid, 0, n)
	seen := make(map[Grid]bool, n)
	for len(grids) < n {
		g := NewGrid(rng)
		if seen[g] {
			continue
		}
		seen[g] = true
		grids = append(grids, g)
	}
	return grids
}

// Letter returns the column letter for a called number.
func Letter(n int) string {
	if n < 1 || n > MaxNumber {
		return ""
	}
	return string("BINGO"[(n-1)/columnSpan])
}
