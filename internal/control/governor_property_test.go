package control_test

import (
	"math"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/beamstab/internal/control"
)

var _ = Describe("Decide", func() {
	var (
		lim control.Limits
		rng *rand.Rand
	)

	BeforeEach(func() {
		lim = control.Limits{
			Target:     50.0,
			Resolution: 0.24,
			VoltageMin: 400.0,
			VoltageMax: 600.0,
			StepMin:    0.1,
			StepMax:    5.0,
		}
		rng = rand.New(rand.NewSource(7))
	})

	DescribeTable("documented scenarios",
		func(measured, voltage, correction float64, kind control.Kind, reason string, result float64) {
			out := control.Decide(measured, voltage, correction, lim)
			Expect(out.Kind).To(Equal(kind))
			Expect(out.Reason).To(Equal(reason))
			Expect(out.Voltage).To(BeNumerically("~", result, 1e-9))
		},
		Entry("A: within resolution", 50.1, 500.0, 2.0, control.Suppressed, control.ReasonWithinResolution, 500.0),
		Entry("B: would exceed voltage range", 48.0, 500.0, 150.0, control.Suppressed, control.ReasonOutOfRange, 500.0),
		Entry("C: below minimum step", 48.0, 500.0, 0.05, control.Suppressed, control.ReasonBelowMinStep, 500.0),
		Entry("D: clamped", 52.0, 500.0, -8.2, control.Clamped, "", 495.0),
		Entry("E: applied", 48.0, 500.0, 2.3, control.Applied, "", 502.3),
	)

	It("suppresses every measurement inside the dead-band", func() {
		for i := 0; i < 2000; i++ {
			measured := lim.Target + (rng.Float64()*2-1)*lim.Resolution*0.999
			correction := (rng.Float64()*2 - 1) * 1e4
			out := control.Decide(measured, 500, correction, lim)
			Expect(out.Kind).To(Equal(control.Suppressed))
			Expect(out.Reason).To(Equal(control.ReasonWithinResolution))
		}
	})

	It("clamps oversized steps to exactly step_max with the correction's sign", func() {
		for i := 0; i < 2000; i++ {
			mag := lim.StepMax + rng.Float64()*20
			correction := mag
			if rng.Intn(2) == 0 {
				correction = -mag
			}
			voltage := 450 + rng.Float64()*100
			out := control.Decide(48.0, voltage, correction, lim)
			if out.Kind != control.Clamped {
				Expect(out.Reason).To(Equal(control.ReasonOutOfRange))
				continue
			}
			Expect(math.Abs(out.Delta)).To(Equal(lim.StepMax))
			Expect(math.Signbit(out.Delta)).To(Equal(math.Signbit(correction)))
		}
	})

	It("never produces a voltage outside the bounds", func() {
		for i := 0; i < 5000; i++ {
			measured := 40 + rng.Float64()*20
			voltage := 350 + rng.Float64()*300
			correction := (rng.Float64()*2 - 1) * 80
			out := control.Decide(measured, voltage, correction, lim)
			if out.Changed() {
				Expect(out.Voltage).To(BeNumerically(">=", lim.VoltageMin))
				Expect(out.Voltage).To(BeNumerically("<=", lim.VoltageMax))
			} else {
				Expect(out.Voltage).To(Equal(voltage))
			}
		}
	})

	It("keeps the actuator still once the current sits on target", func() {
		pid := control.NewPID(10, 1, 0.1, lim.Target)
		voltage := 512.5
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 100; i++ {
			corr := pid.Update(lim.Target, start.Add(time.Duration(i)*10*time.Second))
			out := control.Decide(lim.Target, voltage, corr, lim)
			Expect(out.Changed()).To(BeFalse())
			voltage = out.Voltage
		}
		Expect(voltage).To(Equal(512.5))
	})
})
