// Package dice provides the die rollers used by initiative and game-system
// scripts.
package dice

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// ErrInvalidSides is returned when a die has fewer than one side.
var ErrInvalidSides = errors.New("die must have at least one side")

// Roller rolls a single die.
type Roller interface {
	// Roll returns a uniform value in [1, sides].
	Roll(sides int) int
}

// RandRoller rolls dice from a seeded math/rand source. It is safe for
// concurrent use.
type RandRoller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRoller returns a roller seeded with seed. The same seed yields the same
// sequence of rolls.
func NewRoller(seed int64) *RandRoller {
	return &RandRoller{rng: rand.New(rand.NewSource(seed))}
}

// NewRandomRoller returns a roller seeded from crypto/rand.
func NewRandomRoller() (*RandRoller, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, err
	}
	return NewRoller(seed), nil
}

// Roll returns a uniform value in [1, sides]. Sides below one roll 1.
func (r *RandRoller) Roll(sides int) int {
	if sides <= 1 {
		return 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(sides) + 1
}

// Sequence replays fixed results in order, wrapping when exhausted.
type Sequence struct {
	mu     sync.Mutex
	values []int
	next   int
}

// NewSequence returns a roller that yields values in order.
func NewSequence(values ...int) *Sequence {
	return &Sequence{values: values}
}

// Roll returns the next value clamped to [1, sides].
func (s *Sequence) Roll(sides int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 1
	}
	value := s.values[s.next%len(s.values)]
	s.next++
	return min(max(value, 1), max(sides, 1))
}

// RollN rolls count dice and returns each result.
func RollN(r Roller, count, sides int) ([]int, error) {
	if sides < 1 {
		return nil, ErrInvalidSides
	}
	results := make([]int, count)
	for i := range results {
		results[i] = r.Roll(sides)
	}
	return results, nil
}

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
