package metrics

import (
	"math"
	"sync"

	"github.com/san-kum/beamstab/internal/stabilizer"
)

// ControlEffort is the mean absolute voltage step per completed cycle,
// counting suppressed cycles as zero effort.
type ControlEffort struct {
	mu      sync.Mutex
	name    string
	sum     float64
	samples int
}

func NewControlEffort() *ControlEffort {
	return &ControlEffort{
		name: "control_effort",
	}
}

func (c *ControlEffort) Name() string {
	return c.name
}

func (c *ControlEffort) Observe(rec stabilizer.CycleRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sum += math.Abs(rec.Outcome.Delta)
	c.samples++
}

func (c *ControlEffort) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

func (c *ControlEffort) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sum = 0
	c.samples = 0
}
