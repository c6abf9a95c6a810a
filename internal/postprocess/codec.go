package postprocess

import (
	"fmt"

	"github.com/nmxmxh/portal-engine/pkg/json"
)

// MarshalJSON writes the grid as rows.
func (g Grid) MarshalJSON() ([]byte, error) {
	rows := make([][]float64, g.H)
	for y := 0; y < g.H; y++ {
		rows[y] = g.Data[y*g.W : (y+1)*g.W]
	}
	return json.Marshal(rows)
}

// UnmarshalJSON reads a grid written as rows of equal length.
func (g *Grid) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("empty grid")
	}
	w := len(rows[0])
	out := NewGrid(w, len(rows))
	for y, row := range rows {
		if len(row) != w {
			return fmt.Errorf("grid row %d has %d values, want %d", y, len(row), w)
		}
		copy(out.Data[y*w:], row)
	}
	*g = out
	return nil
}
