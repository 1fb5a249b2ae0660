package stabilizer

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/san-kum/beamstab/internal/config"
	"github.com/san-kum/beamstab/internal/control"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type testDevice struct {
	currents   []float64
	voltage    float64
	writes     []float64
	readFailAt map[int]bool
	writeErr   error
	reads      int
}

func (d *testDevice) ReadCurrent(ctx context.Context) (float64, error) {
	d.reads++
	if d.readFailAt[d.reads] {
		return 0, errors.New("channel access timeout")
	}
	i := d.reads - 1
	if i >= len(d.currents) {
		i = len(d.currents) - 1
	}
	return d.currents[i], nil
}

func (d *testDevice) ReadVoltage(ctx context.Context) (float64, error) {
	return d.voltage, nil
}

func (d *testDevice) WriteVoltage(ctx context.Context, v float64) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.voltage = v
	d.writes = append(d.writes, v)
	return nil
}

type testRecorder struct {
	records []CycleRecord
	flushed bool
}

func (r *testRecorder) Append(rec CycleRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *testRecorder) Flush() error {
	r.flushed = true
	return nil
}

// stopAfter cancels the run once n cycles have completed.
type stopAfter struct {
	n      int
	seen   int
	cancel context.CancelFunc
}

func (s *stopAfter) OnCycle(CycleRecord) {
	s.seen++
	if s.seen >= s.n {
		s.cancel()
	}
}

type sequenceSource struct {
	cfgs []config.Config
	errs []error
	i    int
}

func (s *sequenceSource) Load() (config.Config, error) {
	i := s.i
	if i >= len(s.cfgs) {
		i = len(s.cfgs) - 1
	}
	s.i++
	return s.cfgs[i], s.errs[i]
}

type testSink struct {
	saved []config.Config
	err   error
}

func (s *testSink) Save(cfg config.Config) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, cfg)
	return nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestRunStopsOnCancel(t *testing.T) {
	dev := &testDevice{currents: []float64{48.0}, voltage: 500}
	rec := &testRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := New(dev, dev, config.DefaultConfig(),
		WithClock(newTestClock()),
		WithLogger(quietLogger()),
		WithRecorder(rec),
		WithObserver(&stopAfter{n: 5, cancel: cancel}),
	)

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(rec.records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(rec.records))
	}
	if !rec.flushed {
		t.Error("recorder should be flushed on stop")
	}
	if loop.State() != Stopped {
		t.Errorf("expected stopped state, got %s", loop.State())
	}

	// Kp=0.2, error=2 mA -> +0.4 V per cycle
	if math.Abs(dev.voltage-502.0) > 1e-9 {
		t.Errorf("expected voltage 502.0, got %f", dev.voltage)
	}
	last, ok := loop.LastRecord()
	if !ok || last.Cycle != 5 || last.Outcome.Kind != control.Applied {
		t.Errorf("unexpected last record: %+v", last)
	}
	if !rec.records[1].Time.After(rec.records[0].Time) {
		t.Error("records should be spaced by the sampling interval")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dev := &testDevice{currents: []float64{48.0}, voltage: 500}
	cfg := config.DefaultConfig()
	cfg.TargetCurrent = 2000

	loop := New(dev, dev, cfg, WithLogger(quietLogger()))
	err := loop.Run(context.Background())
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
	if loop.State() != Stopped {
		t.Error("loop should be stopped after a fatal config error")
	}
	if dev.reads != 0 {
		t.Error("no cycle should run with an invalid config")
	}
}

func TestRunTwice(t *testing.T) {
	dev := &testDevice{currents: []float64{50.0}, voltage: 500}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := New(dev, dev, config.DefaultConfig(), WithLogger(quietLogger()))
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := loop.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestRunSurvivesCollaboratorFailure(t *testing.T) {
	dev := &testDevice{currents: []float64{48.0}, voltage: 500, readFailAt: map[int]bool{2: true, 3: true}}
	rec := &testRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := New(dev, dev, config.DefaultConfig(),
		WithClock(newTestClock()),
		WithLogger(quietLogger()),
		WithRecorder(rec),
		WithObserver(&stopAfter{n: 3, cancel: cancel}),
	)
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if dev.reads != 5 {
		t.Errorf("expected 5 read attempts, got %d", dev.reads)
	}
	if len(rec.records) != 3 {
		t.Errorf("failed cycles must not be recorded, got %d records", len(rec.records))
	}
}

func TestStepReadFailureLeavesPIDUntouched(t *testing.T) {
	dev := &testDevice{currents: []float64{48.0}, voltage: 500, readFailAt: map[int]bool{1: true}}
	loop := New(dev, dev, config.DefaultConfig(), WithClock(newTestClock()), WithLogger(quietLogger()))

	_, err := loop.Step(context.Background())
	if !errors.Is(err, ErrCollaboratorUnavailable) {
		t.Fatalf("expected ErrCollaboratorUnavailable, got %v", err)
	}
	var cerr *CycleError
	if !errors.As(err, &cerr) || cerr.Stage != StageReadCurrent || cerr.Cycle != 1 {
		t.Errorf("unexpected cycle error: %v", err)
	}

	rec, err := loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// still a priming call: proportional term only
	if math.Abs(rec.Correction-0.4) > 1e-12 {
		t.Errorf("expected priming correction 0.4, got %f", rec.Correction)
	}
}

func TestStepWriteFailure(t *testing.T) {
	dev := &testDevice{currents: []float64{48.0}, voltage: 500, writeErr: errors.New("put rejected")}
	rec := &testRecorder{}
	loop := New(dev, dev, config.DefaultConfig(), WithLogger(quietLogger()), WithRecorder(rec))

	_, err := loop.Step(context.Background())
	var cerr *CycleError
	if !errors.As(err, &cerr) || cerr.Stage != StageWriteVoltage {
		t.Fatalf("expected write stage error, got %v", err)
	}
	if len(rec.records) != 0 {
		t.Error("failed write must not be recorded")
	}
	if _, ok := loop.LastRecord(); ok {
		t.Error("no last record expected")
	}
}

func TestStepAtTargetNeverMoves(t *testing.T) {
	dev := &testDevice{currents: []float64{50.0}, voltage: 512.5}
	cfg := config.DefaultConfig()
	cfg.Ki = 1
	loop := New(dev, dev, cfg, WithClock(newTestClock()), WithLogger(quietLogger()))
	clock := loop.clock

	for i := 0; i < 50; i++ {
		rec, err := loop.Step(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if rec.Outcome.Reason != control.ReasonWithinResolution {
			t.Fatalf("cycle %d: expected dead-band suppression, got %s", i, rec.Outcome)
		}
		<-clock.After(cfg.Interval())
	}
	if len(dev.writes) != 0 {
		t.Errorf("expected no writes, got %d", len(dev.writes))
	}
}

func TestStepClampsLargeCorrection(t *testing.T) {
	dev := &testDevice{currents: []float64{30.0}, voltage: 500}
	cfg := config.DefaultConfig()
	cfg.Kp = 0.5 // 20 mA error -> 10 V raw correction
	loop := New(dev, dev, cfg, WithLogger(quietLogger()))

	rec, err := loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Outcome.Kind != control.Clamped || rec.Outcome.Delta != cfg.StepMax {
		t.Errorf("expected clamp to %f, got %s", cfg.StepMax, rec.Outcome)
	}
	if dev.voltage != 505 {
		t.Errorf("expected 505 V written, got %f", dev.voltage)
	}
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	good := config.DefaultConfig()
	good.TargetCurrent = 60
	bad := config.DefaultConfig()
	bad.VoltageMin = 700

	src := &sequenceSource{
		cfgs: []config.Config{good, {}, bad},
		errs: []error{nil, errors.New("unexpected EOF"), nil},
	}
	dev := &testDevice{currents: []float64{55.0}, voltage: 500}
	loop := New(dev, dev, config.DefaultConfig(), WithConfigSource(src), WithLogger(quietLogger()))

	for i := 0; i < 3; i++ {
		if _, err := loop.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := loop.Config(); got != good {
			t.Fatalf("cycle %d: expected reloaded config to stay in effect, got %+v", i+1, got)
		}
	}
	if loop.pid.Setpoint() != 60 {
		t.Errorf("pid setpoint should follow reload, got %f", loop.pid.Setpoint())
	}
}

func TestReloadIntegralPolicy(t *testing.T) {
	base := config.DefaultConfig()
	base.Ki = 0.1
	changed := base
	changed.Kp = 0.3

	run := func(opts ...Option) float64 {
		src := &sequenceSource{
			cfgs: []config.Config{base, base, changed},
			errs: []error{nil, nil, nil},
		}
		dev := &testDevice{currents: []float64{49.0}, voltage: 500}
		opts = append(opts, WithConfigSource(src), WithClock(newTestClock()), WithLogger(quietLogger()))
		loop := New(dev, dev, base, opts...)
		for i := 0; i < 3; i++ {
			if _, err := loop.Step(context.Background()); err != nil {
				t.Fatal(err)
			}
			<-loop.clock.After(10 * time.Second)
		}
		return loop.pid.Params()["Integral"]
	}

	if got := run(); got == 0 {
		t.Error("integral should survive a plain reload")
	}
	if got := run(WithResetOnReload()); got != 0 {
		t.Errorf("integral should reset when reload changes the config, got %f", got)
	}
}

func TestReloadResetRequest(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ki = 0.1
	dev := &testDevice{currents: []float64{49.0}, voltage: 500}
	loop := New(dev, dev, cfg, WithClock(newTestClock()), WithLogger(quietLogger()))

	for i := 0; i < 3; i++ {
		loop.Step(context.Background())
		<-loop.clock.After(cfg.Interval())
	}
	if loop.pid.Params()["Integral"] == 0 {
		t.Fatal("expected a non-zero integral")
	}

	loop.Reload(true)
	rec, _ := loop.Step(context.Background())
	if loop.pid.Params()["Integral"] != 0 {
		t.Error("integral should be cleared after a reset request")
	}
	if math.Abs(rec.Correction-0.2) > 1e-12 {
		t.Errorf("expected priming correction 0.2, got %f", rec.Correction)
	}
}

func TestSetTarget(t *testing.T) {
	sink := &testSink{}
	dev := &testDevice{currents: []float64{50.0}, voltage: 500}
	loop := New(dev, dev, config.DefaultConfig(), WithConfigSink(sink), WithLogger(quietLogger()))

	if err := loop.SetTarget(80, 0, 650); err != nil {
		t.Fatalf("set target: %v", err)
	}
	cfg := loop.Config()
	if cfg.TargetCurrent != 80 || cfg.VoltageMax != 650 || cfg.VoltageMin != 400 {
		t.Errorf("unexpected config after set target: %+v", cfg)
	}
	if len(sink.saved) != 1 {
		t.Errorf("expected config to be persisted once, got %d", len(sink.saved))
	}

	loop.Step(context.Background())
	if loop.pid.Setpoint() != 80 {
		t.Errorf("pid setpoint should follow the new target, got %f", loop.pid.Setpoint())
	}

	if err := loop.SetTarget(config.MaxTargetCurrent+1, 0, 0); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
	if loop.Config().TargetCurrent != 80 {
		t.Error("rejected target must not be applied")
	}
}

// cancelingDevice cancels the run while the first current read is in flight
// and refuses writes on a canceled context.
type cancelingDevice struct {
	testDevice
	cancel context.CancelFunc
}

func (d *cancelingDevice) ReadCurrent(ctx context.Context) (float64, error) {
	d.cancel()
	return d.testDevice.ReadCurrent(ctx)
}

func (d *cancelingDevice) WriteVoltage(ctx context.Context, v float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.testDevice.WriteVoltage(ctx, v)
}

func TestRunFinishesCycleInFlightOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev := &cancelingDevice{testDevice: testDevice{currents: []float64{48.0}, voltage: 500}, cancel: cancel}
	rec := &testRecorder{}
	skips := &errorCounter{}

	loop := New(dev, dev, config.DefaultConfig(),
		WithClock(newTestClock()),
		WithLogger(quietLogger()),
		WithRecorder(rec),
		WithObserver(skips),
	)
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if skips.errs != 0 {
		t.Errorf("cycle in flight must not be skipped, got %d errors", skips.errs)
	}
	if len(rec.records) != 1 || rec.records[0].Outcome.Kind != control.Applied {
		t.Fatalf("expected one applied record, got %+v", rec.records)
	}
	if len(dev.writes) != 1 || math.Abs(dev.voltage-500.4) > 1e-9 {
		t.Errorf("expected the write to 500.4 V to complete, got %v", dev.writes)
	}
	if dev.reads != 1 {
		t.Errorf("no cycle should start after cancel, got %d reads", dev.reads)
	}
}

type errorCounter struct{ errs int }

func (e *errorCounter) OnCycle(CycleRecord) {}
func (e *errorCounter) OnCycleError(error) { e.errs++ }

// targetDuringReload changes the target while the loop is reading its source.
type targetDuringReload struct {
	loop *Loop
	cfg  config.Config
	done bool
}

func (s *targetDuringReload) Load() (config.Config, error) {
	if !s.done {
		s.done = true
		if err := s.loop.SetTarget(70, 0, 0); err != nil {
			return config.Config{}, err
		}
	}
	return s.cfg, nil
}

func TestSetTargetDuringReloadWins(t *testing.T) {
	dev := &testDevice{currents: []float64{70.0}, voltage: 500}
	src := &targetDuringReload{cfg: config.DefaultConfig()}
	loop := New(dev, dev, config.DefaultConfig(), WithConfigSource(src), WithLogger(quietLogger()))
	src.loop = loop

	rec, err := loop.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := loop.Config().TargetCurrent; got != 70 {
		t.Errorf("expected target 70 to survive the reload, got %f", got)
	}
	if loop.pid.Setpoint() != 70 {
		t.Errorf("pid setpoint should follow the new target, got %f", loop.pid.Setpoint())
	}
	if rec.Outcome.Reason != control.ReasonWithinResolution {
		t.Errorf("cycle should use the new target, got %s", rec.Outcome)
	}
}
