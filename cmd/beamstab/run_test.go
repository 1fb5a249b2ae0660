package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/san-kum/beamstab/internal/config"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    bool
		prompts int
	}{
		{"yes", "y\n", true, 1},
		{"yes spelled out", "YES\n", true, 1},
		{"no", "n\n", false, 1},
		{"asks again", "maybe\n\ny\n", true, 3},
		{"end of input", "", false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := confirm(strings.NewReader(tt.input), &out)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if n := strings.Count(out.String(), activationPrompt); n != tt.prompts {
				t.Errorf("expected %d prompts, got %d", tt.prompts, n)
			}
		})
	}
}

func TestPrintParameters(t *testing.T) {
	var out bytes.Buffer
	printParameters(&out, config.DefaultConfig())

	for _, want := range []string{"50 mA", "400 .. 600 V", "Kp=0.2", "10s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output does not contain %q:\n%s", want, out.String())
		}
	}
}

func TestNewSimStartsMidRange(t *testing.T) {
	plantFile = ""
	sim, err := newSim(config.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	v, err := sim.ReadVoltage(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if v != 500 {
		t.Errorf("expected 500 V, got %f", v)
	}
}
