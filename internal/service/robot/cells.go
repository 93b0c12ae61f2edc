package robot

import (
	"math"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/model"
)

// NewCells builds an empty cell set from heights, indexed in order.
func NewCells(heights []float64) []model.Cell {
	cells := make([]model.Cell, len(heights))
	for i, h := range heights {
		cells[i] = model.Cell{Index: i, Height: h}
	}
	return cells
}

// Allocate picks the free cell whose height is closest to height. Ties go
// to the lowest index. cells is not modified.
func Allocate(cells []model.Cell, height float64) (int, error) {
	best := -1
	bestDiff := math.Inf(1)
	for i, c := range cells {
		if c.Occupant != nil {
			continue
		}
		if d := math.Abs(c.Height - height); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	if best < 0 {
		return 0, ErrNoAvailableCell
	}
	return best, nil
}

// Find returns the index of the cell holding requestID.
func Find(cells []model.Cell, requestID uuid.UUID) (int, error) {
	for i, c := range cells {
		if c.Occupant != nil && *c.Occupant == requestID {
			return i, nil
		}
	}
	return 0, ErrItemNotFound
}

// Release empties the cell holding requestID and returns its index.
func Release(cells []model.Cell, requestID uuid.UUID) (int, error) {
	i, err := Find(cells, requestID)
	if err != nil {
		return 0, err
	}
	cells[i].Occupant = nil
	return i, nil
}
