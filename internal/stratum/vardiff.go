package stratum

import "sync"

// Vardiff tracks the pool's configured initial difficulty. Per-miner
// difficulty retargeting beyond accepting a client's suggest_difficulty is
// explicitly out of scope, so this holds a single mutable float rather than
// the windowed share-rate estimator a real vardiff algorithm would need.
type Vardiff struct {
	mu         sync.RWMutex
	difficulty float64
}

// NewVardiff creates a Vardiff seeded with the pool's configured initial
// difficulty.
func NewVardiff(initial float64) *Vardiff {
	return &Vardiff{difficulty: initial}
}

// Difficulty returns the current difficulty.
func (v *Vardiff) Difficulty() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.difficulty
}

// Set overrides the difficulty, used as the default for newly-subscribed
// sessions that haven't yet called mining.suggest_difficulty.
func (v *Vardiff) Set(d float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.difficulty = d
}
