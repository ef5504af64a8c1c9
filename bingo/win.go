package bingo

import "math/rand/v2"

// Line is a set of five cell indexes that wins when all are covered.
type Line [Size]int

// Lines are the 12 winning lines: 5 rows, 5 columns, 2 diagonals.
var Lines = buildLines()

func buildLines() []Line {
	lines := make([]Line, 0, 2*Size+2)
	for r := range Size {
		var l Line
		for c := range Size {
			l[c] = r*Size + c
		}
		lines = append(lines, l)
	}
	for c := range Size {
		var l Line
		for r := range Size {
			l[r] = r*Size + c
		}
		lines = append(lines, l)
	}
	var diag, anti Line
	for i := range Size {
		diag[i] = i*Size + i
		anti[i] = i*Size + (Size - 1 - i)
	}
	return append(lines, diag, anti)
}

// Marks is the set of numbers that count towards a win.
type Marks [MaxNumber + 1]bool

// NewMarks builds a mark set, ignoring out-of-range values.
func NewMarks(numbers []int) Marks {
	var m Marks
	for _, n := range numbers {
		if n >= 1 && n <= MaxNumber {
			m[n] = true
		}
	}
	return m
}

func (m *Marks) covers(n int) bool {
	return n == Free || m[n]
}

// WinningLines returns every line fully covered by marks or the free cell.
func WinningLines(g Grid, marks Marks) []Line {
	var won []Line
	for _, l := range Lines {
		full := true
		for _, idx := range l {
			if !marks.covers(g[idx]) {
				full = false
				break
			}
		}
		if full {
			won = append(won, l)
		}
	}
	return won
}

// Wins reports whether at least one line is covered.
func Wins(g Grid, marks Marks) bool {
	return len(WinningLines(g, marks)) > 0
}

// Draw returns an undrawn number in [1,75] by rejection sampling, or 0 when
// every number has been drawn.
func Draw(rng *rand.Rand, drawn Marks) int {
	remaining := 0
	for n := 1; n <= MaxNumber; n++ {
		if !drawn[n] {
			remaining++
		}
	}
	if remaining == 0 {
		return 0
	}
	for {
		n := rng.IntN(MaxNumber) + 1
		if !drawn[n] {
			return n
		}
	}
}
