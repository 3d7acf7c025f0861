package state

// MaxCoordinate is the largest grid coordinate a token corner may take.
const MaxCoordinate = 1 << 24

// Point is a position in grid-cell units. Fractions address points inside a
// cell, so (2.5, 2.5) is the center of cell (2, 2).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GridPoint is an integer grid cell.
type GridPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Bounds is the inclusive cell rectangle a token covers.
type Bounds struct {
	TopLeft     GridPoint `json:"topLeft"`
	BottomRight GridPoint `json:"bottomRight"`
	Elevation   int       `json:"elevation"`
}

// BoundsAt returns bounds of width x height cells anchored at topLeft.
func BoundsAt(topLeft GridPoint, width, height int) Bounds {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return Bounds{
		TopLeft:     topLeft,
		BottomRight: GridPoint{X: topLeft.X + width - 1, Y: topLeft.Y + height - 1},
	}
}

// Valid reports whether the corners are ordered and lie within
// [0, MaxCoordinate].
func (b Bounds) Valid() bool {
	return b.TopLeft.X >= 0 && b.TopLeft.Y >= 0 &&
		b.BottomRight.X >= b.TopLeft.X && b.BottomRight.Y >= b.TopLeft.Y &&
		b.BottomRight.X <= MaxCoordinate && b.BottomRight.Y <= MaxCoordinate
}

// Size returns the width and height in cells.
func (b Bounds) Size() (width, height int) {
	return b.BottomRight.X - b.TopLeft.X + 1, b.BottomRight.Y - b.TopLeft.Y + 1
}

// Center returns the center of the covered rectangle.
func (b Bounds) Center() Point {
	return Point{
		X: float64(b.TopLeft.X+b.BottomRight.X+1) / 2,
		Y: float64(b.TopLeft.Y+b.BottomRight.Y+1) / 2,
	}
}

// MoveTo returns the bounds re-anchored at topLeft with the same size and
// elevation.
func (b Bounds) MoveTo(topLeft GridPoint) Bounds {
	width, height := b.Size()
	moved := BoundsAt(topLeft, width, height)
	moved.Elevation = b.Elevation
	return moved
}
