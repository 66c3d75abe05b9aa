package fixture

import "fmt"

// GenerateGrid lays out cols×rows horizontal bars across the stage, each with
// ledsPer LEDs, packed back to back into consecutive DMX addresses. Useful for
// tests and benchmarks.
func GenerateGrid(cols, rows, ledsPer int) *Layout {
	l := &Layout{Brightness: 1}
	cellW := 1.0 / float64(cols)
	cellH := 1.0 / float64(rows)
	addr := 0
	for r := range rows {
		for c := range cols {
			n := len(l.Fixtures)
			l.Fixtures = append(l.Fixtures, Fixture{
				ID:           fmt.Sprintf("fx-%d", n),
				Name:         fmt.Sprintf("Bar %d.%d", r+1, c+1),
				X:            float64(c) * cellW,
				Y:            float64(r)*cellH + cellH*0.4,
				Width:        cellW,
				Height:       cellH * 0.2,
				Universe:     addr / 512,
				StartAddress: addr%512 + 1,
				LEDCount:     ledsPer,
				Reverse:      r%2 == 1,
			})
			addr += ledsPer * 4
		}
	}
	return l
}
