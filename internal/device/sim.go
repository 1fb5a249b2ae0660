package device

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBaseCurrent = 45.0
	DefaultRefVoltage  = 500.0
	DefaultGain        = 0.5
	DefaultTau         = 2.0
	DefaultDrift       = -0.0005
	DefaultNoise       = 0.05

	maxSubstep = 0.1
)

// PlantParams describe a first-order electron gun: the emission current
// relaxes with time constant Tau towards
//
//	BaseCurrent + Gain*(V - RefVoltage) + drift
//
// where drift grows by Drift mA/s to mimic cathode aging.
type PlantParams struct {
	BaseCurrent float64 `yaml:"base_current_ma"`
	RefVoltage  float64 `yaml:"ref_voltage"`
	Gain        float64 `yaml:"gain_ma_per_v"`
	Tau         float64 `yaml:"tau_s"`
	Drift       float64 `yaml:"drift_ma_per_s"`
	Noise       float64 `yaml:"noise_ma"`
}

func DefaultPlantParams() PlantParams {
	return PlantParams{
		BaseCurrent: DefaultBaseCurrent,
		RefVoltage:  DefaultRefVoltage,
		Gain:        DefaultGain,
		Tau:         DefaultTau,
		Drift:       DefaultDrift,
		Noise:       DefaultNoise,
	}
}

// Sim is a simulated gun that satisfies the loop's Sensor and Actuator.
// State advances with the injected clock on every current read.
type Sim struct {
	mu      sync.Mutex
	p       PlantParams
	voltage float64
	current float64
	offset  float64
	last    time.Time
	now     func() time.Time
	rng     *rand.Rand
}

func NewSim(p PlantParams, voltage float64, seed int64) *Sim {
	s := &Sim{
		p:       p,
		voltage: voltage,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(seed)),
	}
	s.current = s.steadyState()
	return s
}

// SetClock replaces the time source, e.g. with a test clock.
func (s *Sim) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.last = time.Time{}
}

func (s *Sim) steadyState() float64 {
	return s.p.BaseCurrent + s.p.Gain*(s.voltage-s.p.RefVoltage) + s.offset
}

func (s *Sim) derive(current float64) float64 {
	if s.p.Tau <= 0 {
		return 0
	}
	return (s.steadyState() - current) / s.p.Tau
}

// Advance integrates the plant by dt seconds with explicit Euler substeps.
func (s *Sim) Advance(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(dt)
}

func (s *Sim) advance(dt float64) {
	for dt > 0 {
		h := dt
		if h > maxSubstep {
			h = maxSubstep
		}
		s.offset += s.p.Drift * h
		if s.p.Tau <= 0 {
			s.current = s.steadyState()
		} else {
			s.current += h * s.derive(s.current)
		}
		dt -= h
	}
}

func (s *Sim) sync() {
	now := s.now()
	if !s.last.IsZero() {
		s.advance(now.Sub(s.last).Seconds())
	}
	s.last = now
}

func (s *Sim) ReadCurrent(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()
	return s.current + s.rng.NormFloat64()*s.p.Noise, nil
}

func (s *Sim) ReadVoltage(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltage, nil
}

func (s *Sim) WriteVoltage(ctx context.Context, v float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()
	s.voltage = v
	return nil
}

// Current returns the noiseless emission current.
func (s *Sim) Current() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
