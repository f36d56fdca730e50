// Package ident generates record identifiers and join PINs.
package ident

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	pinMin = 100000
	pinMax = 999999
)

// NewID returns a new opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// PINGenerator produces 6-digit join codes uniformly in [100000, 999999].
// Uniqueness is enforced by the session store, not here.
type PINGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewPINGenerator() *PINGenerator {
	return NewPINGeneratorWithSeed(time.Now().UnixNano())
}

// NewPINGeneratorWithSeed allows deterministic sequences in tests.
func NewPINGeneratorWithSeed(seed int64) *PINGenerator {
	return &PINGenerator{rnd: rand.New(rand.NewSource(seed))}
}

// Next returns the next PIN.
func (g *PINGenerator) Next() string {
	g.mu.Lock()
	n := pinMin + g.rnd.Intn(pinMax-pinMin+1)
	g.mu.Unlock()
	return strconv.Itoa(n)
}

// ValidPIN reports whether pin is exactly six ASCII digits without a leading zero.
func ValidPIN(pin string) bool {
	if len(pin) != 6 || pin[0] == '0' {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}
