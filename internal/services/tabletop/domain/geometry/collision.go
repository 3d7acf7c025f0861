// Package geometry tests token movement against map walls.
package geometry

import (
	"log"
	"math"

	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

const epsilon = 1e-9

// CheckWallCollision reports whether the straight path from -> to crosses
// any wall segment in m. Both line_of_sight and objects_line_of_sight
// polylines are walls. Missing or malformed geometry is treated as open
// ground.
//
// When allowDiagonalThroughCorners is set, a path that only touches a wall
// vertex is not a collision, so diagonal steps may slip past wall corners.
// Running along a wall always collides.
func CheckWallCollision(from, to state.Point, m *state.Map, allowDiagonalThroughCorners bool) bool {
	if m == nil || !finite(from) || !finite(to) {
		return false
	}
	for _, walls := range [][][]state.Point{m.LineOfSight, m.ObjectsLineOfSight} {
		for _, line := range walls {
			for i := 1; i < len(line); i++ {
				a, b := line[i-1], line[i]
				if !finite(a) || !finite(b) {
					continue
				}
				if crosses(from, to, a, b, allowDiagonalThroughCorners) {
					return true
				}
			}
		}
	}
	return false
}

// SafeCheck runs CheckWallCollision and treats a panic as no collision.
func SafeCheck(from, to state.Point, m *state.Map, allowDiagonalThroughCorners bool) bool {
	return Guard(func() bool {
		return CheckWallCollision(from, to, m, allowDiagonalThroughCorners)
	})
}

// Guard runs check, returning false if it panics.
func Guard(check func() bool) (collided bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("geometry: collision check recovered panic=%v", r)
			collided = false
		}
	}()
	return check()
}

// crosses tests path p1-p2 against wall q1-q2.
func crosses(p1, p2, q1, q2 state.Point, cornerPass bool) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)

	if o1 == 0 && o2 == 0 {
		return onSegment(p1, q1, p2) || onSegment(p1, q2, p2) ||
			onSegment(q1, p1, q2) || onSegment(q1, p2, q2)
	}
	if o1 != o2 && o3 != o4 {
		// One wall endpoint lies on the path: the contact is that vertex.
		if cornerPass && (o1 == 0 || o2 == 0) {
			return false
		}
		return true
	}
	return false
}

func orientation(a, b, c state.Point) int {
	val := (b.Y-a.Y)*(c.X-b.X) - (b.X-a.X)*(c.Y-b.Y)
	if math.Abs(val) < epsilon {
		return 0
	}
	if val > 0 {
		return 1
	}
	return -1
}

func onSegment(a, b, c state.Point) bool {
	return b.X >= math.Min(a.X, c.X)-epsilon && b.X <= math.Max(a.X, c.X)+epsilon &&
		b.Y >= math.Min(a.Y, c.Y)-epsilon && b.Y <= math.Max(a.Y, c.Y)+epsilon
}

func finite(p state.Point) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}
