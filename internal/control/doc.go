// Package control holds the decision engine of the beam current stabilizer.
//
//   - [PID]: proportional-integral-derivative engine turning the emission
//     current error into a focus voltage correction
//   - [Decide]: the governor deciding whether, and by how much, the
//     correction reaches the actuator
//
// # Usage
//
//	pid := control.NewPID(0.2, 0, 0, 50) // Kp, Ki, Kd, target current
//	corr := pid.Update(measured, time.Now())
//	out := control.Decide(measured, voltage, corr, limits)
//	if out.Changed() {
//		// write out.Voltage to the actuator
//	}
//
// Neither part fails: any finite input yields a deterministic outcome and
// anything else is suppressed.
package control
