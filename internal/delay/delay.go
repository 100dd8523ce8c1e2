// Package delay implements the self-calibrating delay primitive of
// spec.md §5/§9: the core's only suspension points are long busy-waits
// (cycle-done polling, erase completion), and the wait function they
// use is chosen once, at init, by measuring whether the OS's nanosleep
// tracks wall-clock time closely enough to trust.
package delay

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Func blocks the calling goroutine for at least d.
type Func func(d time.Duration)

const (
	// probeDuration is how long Calibrate asks nanosleep to sleep in
	// order to measure it against wall-clock time.
	probeDuration = 2 * time.Millisecond
	// busyProbeDuration is how long the busy-loop fallback spins
	// during its own throughput calibration.
	busyProbeDuration = 5 * time.Millisecond
)

// nanosleep blocks via the raw nanosleep(2) syscall, retrying against
// any remaining time if interrupted.
func nanosleep(d time.Duration) {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	for {
		var rem unix.Timespec
		if err := unix.Nanosleep(&ts, &rem); err != nil {
			ts = rem
			continue
		}
		return
	}
}

// spinCounter is written by the busy loop so the compiler can never
// prove the loop body has no observable effect and eliminate it.
var spinCounter uint64

// busyLoop spins for approximately d, at the given calibrated
// iterations-per-nanosecond rate.
func busyLoop(iterPerNS float64, d time.Duration) {
	target := uint64(iterPerNS * float64(d.Nanoseconds()))
	for i := uint64(0); i < target; i++ {
		atomic.AddUint64(&spinCounter, 1)
	}
}

// timerTrustworthy reports whether observed tracks requested closely
// enough to trust nanosleep for the core's short, cycle-class waits.
// Outside [requested/2, requested*3] the OS timer is treated as broken
// — the usual symptom in virtualized or emulated environments — and
// Calibrate falls back to the busy loop instead.
func timerTrustworthy(requested, observed time.Duration) bool {
	return observed >= requested/2 && observed <= requested*3
}

func sleepAndMeasure() (requested, observed time.Duration) {
	start := time.Now()
	nanosleep(probeDuration)
	return probeDuration, time.Since(start)
}

func spinAndMeasure() float64 {
	start := time.Now()
	var n uint64
	for time.Since(start) < busyProbeDuration {
		atomic.AddUint64(&spinCounter, 1)
		n++
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		return 1
	}
	return float64(n) / float64(elapsed.Nanoseconds())
}

// calibrate is Calibrate's decision logic with its two measurements
// taken as parameters, so the choice itself can be tested without
// depending on real wall-clock noise.
func calibrate(measureSleep func() (requested, observed time.Duration), measureBusyRate func() float64) Func {
	requested, observed := measureSleep()
	if timerTrustworthy(requested, observed) {
		return nanosleep
	}
	rate := measureBusyRate()
	return func(d time.Duration) { busyLoop(rate, d) }
}

// Calibrate picks, once, the delay function the rest of the process's
// life should use: nanosleep if the OS timer can be trusted, otherwise
// a busy loop calibrated against wall-clock time. Never switched at
// runtime (spec.md §9).
func Calibrate() Func {
	return calibrate(sleepAndMeasure, spinAndMeasure)
}
