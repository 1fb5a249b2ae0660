package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/beamstab/internal/control"
)

const (
	// MaxTargetCurrent is the hard ceiling for the target emission current [mA].
	MaxTargetCurrent = 1000.0

	DefaultTargetCurrent    = 50.0
	DefaultVoltageMin       = 400.0
	DefaultVoltageMax       = 600.0
	DefaultKp               = 0.2
	DefaultKi               = 0.0
	DefaultKd               = 0.0
	DefaultStepMin          = 0.1
	DefaultStepMax          = 5.0
	DefaultResolution       = 0.24
	DefaultSamplingInterval = 10.0

	DefaultPath = "stabilizer_config.yaml"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is one immutable snapshot of the stabilizer parameters. Currents are
// in mA, voltages in V, the sampling interval in seconds.
type Config struct {
	TargetCurrent    float64 `koanf:"target_current_ma" yaml:"target_current_ma" json:"target_current_ma"`
	Kp               float64 `koanf:"kp" yaml:"kp" json:"kp"`
	Ki               float64 `koanf:"ki" yaml:"ki" json:"ki"`
	Kd               float64 `koanf:"kd" yaml:"kd" json:"kd"`
	VoltageMin       float64 `koanf:"voltage_min" yaml:"voltage_min" json:"voltage_min"`
	VoltageMax       float64 `koanf:"voltage_max" yaml:"voltage_max" json:"voltage_max"`
	StepMin          float64 `koanf:"step_min" yaml:"step_min" json:"step_min"`
	StepMax          float64 `koanf:"step_max" yaml:"step_max" json:"step_max"`
	Resolution       float64 `koanf:"current_resolution_ma" yaml:"current_resolution_ma" json:"current_resolution_ma"`
	SamplingInterval float64 `koanf:"sampling_interval_s" yaml:"sampling_interval_s" json:"sampling_interval_s"`
}

func DefaultConfig() Config {
	return Config{
		TargetCurrent:    DefaultTargetCurrent,
		Kp:               DefaultKp,
		Ki:               DefaultKi,
		Kd:               DefaultKd,
		VoltageMin:       DefaultVoltageMin,
		VoltageMax:       DefaultVoltageMax,
		StepMin:          DefaultStepMin,
		StepMax:          DefaultStepMax,
		Resolution:       DefaultResolution,
		SamplingInterval: DefaultSamplingInterval,
	}
}

// Validate checks the invariants the control loop relies on.
func (c Config) Validate() error {
	fields := map[string]float64{
		"target_current_ma":     c.TargetCurrent,
		"kp":                    c.Kp,
		"ki":                    c.Ki,
		"kd":                    c.Kd,
		"voltage_min":           c.VoltageMin,
		"voltage_max":           c.VoltageMax,
		"step_min":              c.StepMin,
		"step_max":              c.StepMax,
		"current_resolution_ma": c.Resolution,
		"sampling_interval_s":   c.SamplingInterval,
	}
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalid, name)
		}
	}

	switch {
	case c.TargetCurrent <= 0:
		return fmt.Errorf("%w: target current must be positive, got %g", ErrInvalid, c.TargetCurrent)
	case c.TargetCurrent > MaxTargetCurrent:
		return fmt.Errorf("%w: target current %g mA exceeds maximum allowable %g mA", ErrInvalid, c.TargetCurrent, MaxTargetCurrent)
	case c.VoltageMin >= c.VoltageMax:
		return fmt.Errorf("%w: voltage_min %g must be below voltage_max %g", ErrInvalid, c.VoltageMin, c.VoltageMax)
	case c.StepMin < 0:
		return fmt.Errorf("%w: step_min must not be negative, got %g", ErrInvalid, c.StepMin)
	case c.StepMin > c.StepMax:
		return fmt.Errorf("%w: step_min %g exceeds step_max %g", ErrInvalid, c.StepMin, c.StepMax)
	case c.Resolution < 0:
		return fmt.Errorf("%w: current resolution must not be negative, got %g", ErrInvalid, c.Resolution)
	case c.SamplingInterval <= 0:
		return fmt.Errorf("%w: sampling interval must be positive, got %g", ErrInvalid, c.SamplingInterval)
	}
	return nil
}

// Limits returns the bounds the governor evaluates against.
func (c Config) Limits() control.Limits {
	return control.Limits{
		Target:     c.TargetCurrent,
		Resolution: c.Resolution,
		VoltageMin: c.VoltageMin,
		VoltageMax: c.VoltageMax,
		StepMin:    c.StepMin,
		StepMax:    c.StepMax,
	}
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.SamplingInterval * float64(time.Second))
}

// WithTarget returns a copy with a new target current and, when non-zero,
// new voltage limits.
func (c Config) WithTarget(target, vmin, vmax float64) Config {
	c.TargetCurrent = target
	if vmin != 0 {
		c.VoltageMin = vmin
	}
	if vmax != 0 {
		c.VoltageMax = vmax
	}
	return c
}

// legacyKeys maps the key names of stabilizer_config.json files written by
// the first-generation stabilizer onto the current ones.
var legacyKeys = map[string]string{
	"I_target_mA":       "target_current_ma",
	"Kp":                "kp",
	"Ki":                "ki",
	"Kd":                "kd",
	"V_focus_min":       "voltage_min",
	"V_focus_max":       "voltage_max",
	"min_dV_focus":      "step_min",
	"max_dV_focus":      "step_max",
	"I_resolution_mA":   "current_resolution_ma",
	"sampling_interval": "sampling_interval_s",
}

// legacyJSON is Config in the first-generation JSON layout.
type legacyJSON struct {
	TargetCurrent    float64 `json:"I_target_mA"`
	Kp               float64 `json:"Kp"`
	Ki               float64 `json:"Ki"`
	Kd               float64 `json:"Kd"`
	VoltageMin       float64 `json:"V_focus_min"`
	VoltageMax       float64 `json:"V_focus_max"`
	StepMin          float64 `json:"min_dV_focus"`
	StepMax          float64 `json:"max_dV_focus"`
	Resolution       float64 `json:"I_resolution_mA"`
	SamplingInterval float64 `json:"sampling_interval"`
}

// Load reads a YAML or JSON file on top of the defaults. Keys missing from the
// file keep their default value; unknown keys are rejected. Both the current
// and the first-generation key names are accepted.
func Load(path string) (Config, error) {
	cfg := Config{}
	if _, err := os.Stat(path); err != nil {
		return cfg, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return cfg, err
	}

	fk := koanf.New(".")
	if err := fk.Load(file.Provider(path), parserFor(path)); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	values, err := canonicalKeys(fk, k)
	if err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := k.Load(confmap.Provider(values, "."), nil); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return cfg, nil
}

// canonicalKeys renames legacy keys of src and checks every key against the
// ones known by defaults.
func canonicalKeys(src, defaults *koanf.Koanf) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	for _, key := range src.Keys() {
		name := key
		if alias, ok := legacyKeys[key]; ok {
			name = alias
		}
		if !defaults.Exists(name) {
			return nil, fmt.Errorf("unknown key %q", key)
		}
		if _, dup := values[name]; dup {
			return nil, fmt.Errorf("key %q given twice", name)
		}
		values[name] = src.Get(key)
	}
	return values, nil
}

func parserFor(path string) koanf.Parser {
	if isJSON(path) {
		return kjson.Parser()
	}
	return kyaml.Parser()
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Save writes cfg as YAML, or in the first-generation JSON layout when path
// ends in .json.
func Save(path string, cfg Config) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(legacyJSON(cfg), "", "    ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// FileSource loads and persists the configuration at Path.
type FileSource struct {
	Path string
}

func (f FileSource) Load() (Config, error) {
	return Load(f.Path)
}

func (f FileSource) Save(cfg Config) error {
	return Save(f.Path, cfg)
}

// Static always returns the same configuration.
type Static Config

func (s Static) Load() (Config, error) {
	return Config(s), nil
}
