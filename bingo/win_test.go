package bingo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bruteForceWin checks rows, columns and diagonals by coordinates.
func bruteForceWin(g Grid, called map[int]bool) bool {
	covered := func(r, c int) bool {
		if r == 2 && c == 2 {
			return true
		}
		return called[g.Cell(r, c)]
	}
	for r := 0; r < 5; r++ {
		ok := true
		for c := 0; c < 5; c++ {
			ok = ok && covered(r, c)
		}
		if ok {
			return true
		}
	}
	for c := 0; c < 5; c++ {
		ok := true
		for r := 0; r < 5; r++ {
			ok = ok && covered(r, c)
		}
		if ok {
			return true
		}
	}
	d1, d2 := true, true
	for i := 0; i < 5; i++ {
		d1 = d1 && covered(i, i)
		d2 = d2 && covered(i, 4-i)
	}
	return d1 || d2
}

func TestLinesShape(t *testing.T) {
	t.Parallel()
	require.Len(t, Lines, 12)
	for _, l := range Lines {
		seen := map[int]bool{}
		for _, idx := range l {
			assert.True(t, idx >= 0 && idx < Cells)
			seen[idx] = true
		}
		assert.Len(t, seen, Size)
	}
}

func TestWinsMatchesBruteForce(t *testing.T) {
	t.Parallel()
	rng := testRNG(42)
	wins := 0
	for trial := range 3000 {
		g := NewGrid(rng)
		var drawn Marks
		called := map[int]bool{}
		calls := rng.IntN(MaxNumber + 1)
		seq := make([]int, 0, calls)
		for range calls {
			n := Draw(rng, drawn)
			drawn[n] = true
			called[n] = true
			seq = append(seq, n)
		}
		got := Wins(g, NewMarks(seq))
		want := bruteForceWin(g, called)
		require.Equal(t, want, got, "trial %d board %s calls %v", trial, g, seq)
		if got {
			wins++
		}
	}
	assert.Greater(t, wins, 0, "property test never exercised a winning board")
}

func TestWinsSpecificLines(t *testing.T) {
	t.Parallel()
	g := NewGrid(testRNG(9))

	row := []int{g.Cell(0, 0), g.Cell(0, 1), g.Cell(0, 2), g.Cell(0, 3), g.Cell(0, 4)}
	assert.True(t, Wins(g, NewMarks(row)))
	assert.False(t, Wins(g, NewMarks(row[:4])))

	// middle column only needs four numbers thanks to the free cell
	col := []int{g.Cell(0, 2), g.Cell(1, 2), g.Cell(3, 2), g.Cell(4, 2)}
	assert.True(t, Wins(g, NewMarks(col)))

	diag := []int{g.Cell(0, 0), g.Cell(1, 1), g.Cell(3, 3), g.Cell(4, 4)}
	assert.True(t, Wins(g, NewMarks(diag)))

	anti := []int{g.Cell(0, 4), g.Cell(1, 3), g.Cell(3, 1), g.Cell(4, 0)}
	lines := WinningLines(g, NewMarks(anti))
	require.Len(t, lines, 1)

	assert.False(t, Wins(g, Marks{}))
}

func TestDrawNeverRepeats(t *testing.T) {
	t.Parallel()
	rng := testRNG(5)
	var drawn Marks
	seen := map[int]bool{}
	for i := 0; i < MaxNumber; i++ {
		n := Draw(rng, drawn)
		require.True(t, n >= 1 && n <= MaxNumber, "draw %d out of range", n)
		require.False(t, seen[n], "repeated %d", n)
		seen[n] = true
		drawn[n] = true
	}
	assert.Equal(t, 0, Draw(rng, drawn), "exhausted draw should return 0")
}
