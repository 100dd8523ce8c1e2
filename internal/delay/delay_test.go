package delay

import (
	"reflect"
	"runtime"
	"testing"
	"time"
)

func TestTimerTrustworthy(t *testing.T) {
	cases := []struct {
		requested, observed time.Duration
		want                bool
	}{
		{time.Millisecond, time.Millisecond, true},
		{time.Millisecond, time.Millisecond / 2, true},
		{time.Millisecond, 3 * time.Millisecond, true},
		{time.Millisecond, time.Millisecond/2 - 1, false},
		{time.Millisecond, 3*time.Millisecond + 1, false},
		{time.Millisecond, 0, false},
	}
	for _, c := range cases {
		if got := timerTrustworthy(c.requested, c.observed); got != c.want {
			t.Errorf("timerTrustworthy(%v, %v) = %v, want %v", c.requested, c.observed, got, c.want)
		}
	}
}

func funcName(f Func) string {
	return runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
}

func TestCalibrate_TrustworthyTimerPicksNanosleep(t *testing.T) {
	f := calibrate(
		func() (time.Duration, time.Duration) { return time.Millisecond, time.Millisecond },
		func() float64 { t.Fatal("busy-rate measurement should not run when the timer is trustworthy"); return 0 },
	)
	if got, want := funcName(f), funcName(nanosleep); got != want {
		t.Fatalf("calibrate() picked %s, want %s", got, want)
	}
}

func TestCalibrate_BrokenTimerPicksBusyLoop(t *testing.T) {
	f := calibrate(
		func() (time.Duration, time.Duration) { return time.Millisecond, 100 * time.Millisecond },
		func() float64 { return 1 }, // 1 iteration per nanosecond, arbitrary but deterministic.
	)
	if got, want := funcName(f), funcName(nanosleep); got == want {
		t.Fatalf("calibrate() picked nanosleep, want the busy-loop fallback")
	}
	// Must return promptly for a tiny duration rather than hang.
	done := make(chan struct{})
	go func() {
		f(time.Microsecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("busy-loop Func did not return")
	}
}
