package moderation

import "sync"

// Risk accumulates toxicity per identity. Scores only grow, never decay
// and are lost on restart. Each instance keeps its own totals, so a user
// connected to several instances has a separate score on each.
type Risk struct {
	mu     sync.Mutex
	scores map[string]float64
}

// NewRisk returns an empty accumulator.
func NewRisk() *Risk {
	return &Risk{scores: make(map[string]float64)}
}

// Add adds toxicity to subject's score and returns the new total.
func (r *Risk) Add(subject string, toxicity float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[subject] += toxicity
	return r.scores[subject]
}

// Score returns subject's current total.
func (r *Risk) Score(subject string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores[subject]
}
