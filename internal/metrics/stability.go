package metrics

import (
	"sync"

	"github.com/san-kum/beamstab/internal/control"
	"github.com/san-kum/beamstab/internal/stabilizer"
)

// Stability is the fraction of completed cycles that found the current
// within resolution of the target.
type Stability struct {
	mu         sync.Mutex
	name       string
	violations int
	samples    int
}

func NewStability() *Stability {
	return &Stability{
		name: "stability",
	}
}

func (s *Stability) Name() string {
	return s.name
}

func (s *Stability) Observe(rec stabilizer.CycleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples++
	if rec.Outcome.Reason != control.ReasonWithinResolution {
		s.violations++
	}
}

func (s *Stability) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == 0 {
		return 1.0
	}
	return 1.0 - float64(s.violations)/float64(s.samples)
}

func (s *Stability) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = 0
	s.samples = 0
}
