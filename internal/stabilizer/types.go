package stabilizer

import (
	"context"
	"time"

	"github.com/san-kum/beamstab/internal/config"
	"github.com/san-kum/beamstab/internal/control"
)

// Sensor reads the emission current [mA].
type Sensor interface {
	ReadCurrent(ctx context.Context) (float64, error)
}

// Actuator reads and commands the focus voltage [V].
type Actuator interface {
	ReadVoltage(ctx context.Context) (float64, error)
	WriteVoltage(ctx context.Context, v float64) error
}

type ConfigSource interface {
	Load() (config.Config, error)
}

type ConfigSink interface {
	Save(config.Config) error
}

// Recorder is the history sink. The loop never reads records back.
type Recorder interface {
	Append(CycleRecord) error
	Flush() error
}

// Observer is notified on the control goroutine after every completed cycle.
// Implementations must not block.
type Observer interface {
	OnCycle(CycleRecord)
}

// ErrorObserver is implemented by observers that also want skipped cycles.
type ErrorObserver interface {
	OnCycleError(error)
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// CycleRecord is the audit entry of one completed cycle.
type CycleRecord struct {
	Cycle      int
	Time       time.Time
	Current    float64
	Voltage    float64
	Correction float64
	Outcome    control.Outcome
}

type State int

const (
	Running State = iota
	Stopped
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}
