package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/san-kum/beamstab/internal/stabilizer"
)

const namespace = "beamstab"

// Collector exports the loop's state as Prometheus metrics. It is a
// stabilizer observer.
type Collector struct {
	current    prometheus.Gauge
	voltage    prometheus.Gauge
	correction prometheus.Gauge
	outcomes   *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	effort     *ControlEffort
	stability  *Stability
}

func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "emission_current_milliamps",
			Help:      "Last measured cathode emission current.",
		}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "focus_voltage_volts",
			Help:      "Focus voltage after the last cycle.",
		}),
		correction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pid_correction_volts",
			Help:      "Raw PID correction of the last cycle.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed cycles by governor outcome.",
		}, []string{"outcome", "reason"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_skipped_total",
			Help:      "Cycles skipped because a collaborator call failed.",
		}, []string{"stage"}),
		effort:    NewControlEffort(),
		stability: NewStability(),
	}

	effort := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "control_effort_volts",
		Help:      "Mean absolute voltage step per cycle.",
	}, c.effort.Value)
	inBand := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_band_ratio",
		Help:      "Fraction of cycles with the current within resolution of the target.",
	}, c.stability.Value)

	for _, col := range []prometheus.Collector{c.current, c.voltage, c.correction, c.outcomes, c.skipped, effort, inBand} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) OnCycle(rec stabilizer.CycleRecord) {
	c.current.Set(rec.Current)
	c.voltage.Set(rec.Voltage)
	c.correction.Set(rec.Correction)
	c.outcomes.WithLabelValues(rec.Outcome.Kind.String(), rec.Outcome.Reason).Inc()
	c.effort.Observe(rec)
	c.stability.Observe(rec)
}

func (c *Collector) OnCycleError(err error) {
	stage := "unknown"
	var cerr *stabilizer.CycleError
	if errors.As(err, &cerr) {
		stage = string(cerr.Stage)
	}
	c.skipped.WithLabelValues(stage).Inc()
}

// Effort returns the running control effort.
func (c *Collector) Effort() float64 {
	return c.effort.Value()
}

// InBand returns the running stability ratio.
func (c *Collector) InBand() float64 {
	return c.stability.Value()
}
