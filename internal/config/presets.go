package config

import "sort"

var Presets = map[string]Config{
	"default": DefaultConfig(),
	// first-generation tuning, aggressive gains and 1 V steps
	"legacy": {
		TargetCurrent: 50, Kp: 10, Ki: 1, Kd: 0.1,
		VoltageMin: 400, VoltageMax: 600, StepMin: 0.1, StepMax: 1,
		Resolution: 0.24, SamplingInterval: 10,
	},
	"gentle": {
		TargetCurrent: 50, Kp: 0.1, Ki: 0, Kd: 0,
		VoltageMin: 400, VoltageMax: 600, StepMin: 0.05, StepMax: 1,
		Resolution: 0.24, SamplingInterval: 5,
	},
}

func GetPreset(name string) (Config, bool) {
	cfg, ok := Presets[name]
	return cfg, ok
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
