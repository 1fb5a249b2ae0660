package control

import "time"

// PID computes a focus-voltage correction from the emission current error.
// The first call after construction or Reset only primes the history.
type PID struct {
	Kp       float64
	Ki       float64
	Kd       float64
	setpoint float64
	integral float64
	prevErr  float64
	prevT    time.Time
	first    bool
}

func NewPID(kp, ki, kd, setpoint float64) *PID {
	return &PID{
		Kp:       kp,
		Ki:       ki,
		Kd:       kd,
		setpoint: setpoint,
		first:    true,
	}
}

// Update returns the correction for a measurement taken at now. History is
// advanced on every call, whether or not the caller acts on the result.
func (p *PID) Update(measurement float64, now time.Time) float64 {
	err := p.setpoint - measurement

	if p.first {
		p.prevErr = err
		p.prevT = now
		p.first = false
		return p.Kp * err
	}

	derivative := 0.0
	dt := now.Sub(p.prevT).Seconds()
	if dt > 0 {
		p.integral += err * dt
		derivative = (err - p.prevErr) / dt
	}

	p.prevErr = err
	p.prevT = now

	return p.Kp*err + p.Ki*p.integral + p.Kd*derivative
}

// SetSetpoint changes the target without touching the accumulated history.
func (p *PID) SetSetpoint(v float64) {
	p.setpoint = v
}

func (p *PID) Setpoint() float64 {
	return p.setpoint
}

// SetGains replaces the coefficients, keeping the integral.
func (p *PID) SetGains(kp, ki, kd float64) {
	p.Kp = kp
	p.Ki = ki
	p.Kd = kd
}

// Reset clears integral and derivative state
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.prevT = time.Time{}
	p.first = true
}

// Params returns the tunable parameters and the running integral.
func (p *PID) Params() map[string]float64 {
	return map[string]float64{
		"Kp":       p.Kp,
		"Ki":       p.Ki,
		"Kd":       p.Kd,
		"Setpoint": p.setpoint,
		"Integral": p.integral,
	}
}
