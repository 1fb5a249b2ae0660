// Package viz provides the terminal monitor for a running stabilization loop.
//
// The monitor is a Bubble Tea program fed by a [Feed], which is registered
// as a loop observer. It plots emission current and focus voltage with
// asciigraph and shows the latest governor outcome.
//
// # Key Bindings
//
//	Q - Stop stabilization and quit
//	R - Reset the PID integral on the next cycle
//	T - Cycle color themes
//	? - Show help overlay
package viz
