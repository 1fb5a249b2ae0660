package stabilizer

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/san-kum/beamstab/internal/config"
	"github.com/san-kum/beamstab/internal/control"
)

// Loop drives the stabilization cycle for one current/actuator pair. All
// cycles run on the goroutine calling Run; the accessor methods may be used
// concurrently from monitoring code.
type Loop struct {
	sensor        Sensor
	actuator      Actuator
	source        ConfigSource
	sink          ConfigSink
	recorder      Recorder
	clock         Clock
	logger        *log.Logger
	observers     []Observer
	resetOnReload bool

	pid   *control.PID
	cycle int

	mu          sync.RWMutex
	cfg         config.Config
	gen         int
	state       State
	activated   bool
	last        CycleRecord
	hasLast     bool
	resetNeeded bool
}

type Option func(*Loop)

func WithClock(c Clock) Option { return func(l *Loop) { l.clock = c } }

func WithLogger(lg *log.Logger) Option { return func(l *Loop) { l.logger = lg } }

func WithRecorder(r Recorder) Option { return func(l *Loop) { l.recorder = r } }

// WithConfigSource makes the loop reload its configuration at the start of
// every cycle.
func WithConfigSource(s ConfigSource) Option { return func(l *Loop) { l.source = s } }

// WithConfigSink persists the configuration at activation and on SetTarget.
func WithConfigSink(s ConfigSink) Option { return func(l *Loop) { l.sink = s } }

func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, o) }
}

// WithResetOnReload clears the PID integral whenever a reload yields a
// configuration different from the one in effect.
func WithResetOnReload() Option { return func(l *Loop) { l.resetOnReload = true } }

func New(sensor Sensor, actuator Actuator, cfg config.Config, opts ...Option) *Loop {
	l := &Loop{
		sensor:   sensor,
		actuator: actuator,
		clock:    SystemClock,
		logger:   log.Default(),
		cfg:      cfg,
		state:    Stopped,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.pid = control.NewPID(cfg.Kp, cfg.Ki, cfg.Kd, cfg.TargetCurrent)
	return l
}

// Run activates the loop and cycles until ctx is canceled. It returns nil on
// cancellation and an ErrConfigInvalid error if the initial configuration is
// rejected. Collaborator failures never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.activate(); err != nil {
		return err
	}
	defer l.stop()

	// A cycle that has started runs to completion; cancellation is seen
	// here and during the wait.
	cycleCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := l.Step(cycleCtx); err != nil {
			l.logger.Error("cycle skipped", "err", err)
			l.notifyError(err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.clock.After(l.Config().Interval()):
		}
	}
}

func (l *Loop) notifyError(err error) {
	for _, obs := range l.observers {
		if eo, ok := obs.(ErrorObserver); ok {
			eo.OnCycleError(err)
		}
	}
}

func (l *Loop) activate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activated {
		return ErrStopped
	}
	l.activated = true

	if err := l.cfg.Validate(); err != nil {
		l.state = Stopped
		return err
	}

	if l.sink != nil {
		if err := l.sink.Save(l.cfg); err != nil {
			l.logger.Warn("could not persist configuration", "err", err)
		}
	}

	l.state = Running
	l.logger.Info("starting beam current stabilization",
		"target_ma", l.cfg.TargetCurrent,
		"voltage_min", l.cfg.VoltageMin,
		"voltage_max", l.cfg.VoltageMax,
		"interval", l.cfg.Interval())
	return nil
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.state = Stopped
	l.mu.Unlock()

	if l.recorder != nil {
		if err := l.recorder.Flush(); err != nil {
			l.logger.Error("flushing history failed", "err", err)
		}
	}
	l.logger.Info("stabilization stopped", "cycles", l.cycle)
}

// Step runs a single cycle: reload, measure, compute, decide, actuate,
// record. A collaborator failure aborts the cycle before any record is
// written.
func (l *Loop) Step(ctx context.Context) (CycleRecord, error) {
	l.cycle++
	cfg := l.reload()

	current, err := l.sensor.ReadCurrent(ctx)
	if err != nil {
		return CycleRecord{}, collaboratorError(l.cycle, StageReadCurrent, err)
	}
	voltage, err := l.actuator.ReadVoltage(ctx)
	if err != nil {
		return CycleRecord{}, collaboratorError(l.cycle, StageReadVoltage, err)
	}

	now := l.clock.Now()
	correction := l.pid.Update(current, now)
	out := control.Decide(current, voltage, correction, cfg.Limits())

	if out.Changed() {
		if err := l.actuator.WriteVoltage(ctx, out.Voltage); err != nil {
			return CycleRecord{}, collaboratorError(l.cycle, StageWriteVoltage, err)
		}
	}

	rec := CycleRecord{
		Cycle:      l.cycle,
		Time:       now,
		Current:    current,
		Voltage:    out.Voltage,
		Correction: correction,
		Outcome:    out,
	}
	l.logCycle(rec, cfg)

	if l.recorder != nil {
		if err := l.recorder.Append(rec); err != nil {
			l.logger.Warn("history append failed", "cycle", rec.Cycle, "err", err)
		}
	}

	l.mu.Lock()
	l.last = rec
	l.hasLast = true
	l.mu.Unlock()

	for _, obs := range l.observers {
		obs.OnCycle(rec)
	}
	return rec, nil
}

// reload returns the configuration for this cycle and applies it to the
// PID engine. An unreadable or invalid reload keeps the previous snapshot. A
// SetTarget that lands while the source is read wins over the reload.
func (l *Loop) reload() config.Config {
	l.mu.Lock()
	cfg := l.cfg
	gen := l.gen
	reset := l.resetNeeded
	l.resetNeeded = false
	l.mu.Unlock()

	if l.source != nil {
		next, err := l.source.Load()
		if err == nil {
			err = next.Validate()
		}
		switch {
		case err != nil:
			l.logger.Warn("config reload failed, keeping previous configuration", "cycle", l.cycle, "err", err)
		case next != cfg:
			if l.resetOnReload {
				reset = true
			}
			l.logger.Info("configuration changed", "cycle", l.cycle, "target_ma", next.TargetCurrent,
				"kp", next.Kp, "ki", next.Ki, "kd", next.Kd)
			cfg = next
		}
	}

	l.mu.Lock()
	if l.gen != gen {
		cfg = l.cfg
	}
	l.cfg = cfg
	l.mu.Unlock()

	if reset {
		l.pid.Reset()
	}
	l.pid.SetGains(cfg.Kp, cfg.Ki, cfg.Kd)
	l.pid.SetSetpoint(cfg.TargetCurrent)
	return cfg
}

func (l *Loop) logCycle(rec CycleRecord, cfg config.Config) {
	out := rec.Outcome
	l.logger.Info("cycle",
		"cycle", rec.Cycle,
		"current_ma", rec.Current,
		"voltage_v", rec.Voltage,
		"correction_v", rec.Correction,
		"outcome", out.Kind)

	switch out.Kind {
	case control.Suppressed:
		l.logger.Info("focus voltage kept constant", "reason", out.Reason)
	case control.Clamped:
		l.logger.Info("voltage step truncated to maximal allowed value", "step_max", cfg.StepMax)
		l.logger.Info("set focus voltage", "voltage_v", out.Voltage)
	case control.Applied:
		l.logger.Info("set focus voltage", "voltage_v", out.Voltage)
	}
}

// SetTarget changes the target current and, when non-zero, the voltage
// limits. The change is validated, persisted through the config sink and
// takes effect on the next cycle.
func (l *Loop) SetTarget(target, vmin, vmax float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.cfg.WithTarget(target, vmin, vmax)
	if err := next.Validate(); err != nil {
		return err
	}
	if l.sink != nil {
		if err := l.sink.Save(next); err != nil {
			return err
		}
	}
	l.cfg = next
	l.gen++
	return nil
}

// Reload asks for the PID integral to be cleared at the start of the next
// cycle, after the configuration has been reloaded.
func (l *Loop) Reload(resetPID bool) {
	l.mu.Lock()
	l.resetNeeded = l.resetNeeded || resetPID
	l.mu.Unlock()
}

func (l *Loop) Config() config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LastRecord returns the most recent completed cycle.
func (l *Loop) LastRecord() (CycleRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.hasLast
}
