package control

import (
	"fmt"
	"math"
)

// Kind classifies a governor decision.
type Kind int

const (
	Suppressed Kind = iota
	Clamped
	Applied
)

func (k Kind) String() string {
	switch k {
	case Suppressed:
		return "suppressed"
	case Clamped:
		return "clamped"
	case Applied:
		return "applied"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Suppression reasons.
const (
	ReasonNonFinite        = "non-finite input"
	ReasonWithinResolution = "within resolution"
	ReasonOutOfRange       = "would exceed voltage range"
	ReasonBelowMinStep     = "below minimum step"
)

// Limits is the slice of the configuration the governor needs.
type Limits struct {
	Target     float64
	Resolution float64
	VoltageMin float64
	VoltageMax float64
	StepMin    float64
	StepMax    float64
}

// Outcome is the result of one decision. Voltage is the actuator value after
// the cycle; for Suppressed it equals the input voltage and Delta is zero.
type Outcome struct {
	Kind    Kind
	Reason  string
	Delta   float64
	Voltage float64
}

// Changed reports whether the actuator has to be written.
func (o Outcome) Changed() bool {
	return o.Kind == Applied || o.Kind == Clamped
}

func (o Outcome) String() string {
	switch o.Kind {
	case Suppressed:
		return fmt.Sprintf("suppressed(%s)", o.Reason)
	case Clamped:
		return fmt.Sprintf("clamped(%+.3f)", o.Delta)
	default:
		return fmt.Sprintf("applied(%.3f)", o.Voltage)
	}
}

func suppress(voltage float64, reason string) Outcome {
	return Outcome{Kind: Suppressed, Reason: reason, Voltage: voltage}
}

// Decide runs the guard chain for one cycle. The first matching guard wins:
// dead-band, range pre-check on the raw correction, minimum step, maximum
// step clamp. A candidate voltage outside the bounds is never returned as
// Applied or Clamped.
func Decide(measured, voltage, correction float64, lim Limits) Outcome {
	if !finite(measured) || !finite(voltage) || !finite(correction) {
		return suppress(voltage, ReasonNonFinite)
	}

	if math.Abs(measured-lim.Target) < lim.Resolution {
		return suppress(voltage, ReasonWithinResolution)
	}

	if !lim.inRange(voltage + correction) {
		return suppress(voltage, ReasonOutOfRange)
	}

	if math.Abs(correction) < lim.StepMin {
		return suppress(voltage, ReasonBelowMinStep)
	}

	out := Outcome{Kind: Applied, Delta: correction}
	if math.Abs(correction) > lim.StepMax {
		out.Kind = Clamped
		out.Delta = math.Copysign(lim.StepMax, correction)
	}
	out.Voltage = voltage + out.Delta

	// only reachable when the actuator already sits outside its bounds
	if !lim.inRange(out.Voltage) {
		return suppress(voltage, ReasonOutOfRange)
	}
	return out
}

func (l Limits) inRange(v float64) bool {
	return v >= l.VoltageMin && v <= l.VoltageMax
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
