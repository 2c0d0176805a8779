package device

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// noFrameBackoff is how long a delivery loop waits when the buffer has no frame yet.
const noFrameBackoff = 10 * time.Millisecond

// logEvery controls how often delivery counters are logged.
const logEvery = 30

// Config holds the collaborators shared by both devices.
type Config struct {
	// Clock drives loop pacing. Defaults to the wall clock.
	Clock clock.Clock
	// Logger receives lifecycle and delivery logs. Defaults to a no-op logger.
	Logger *zap.SugaredLogger
}

func (c Config) withDefaults(name string) Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	c.Logger = c.Logger.Named(name)
	return c
}

// runner owns one delivery goroutine. halt signals it and blocks until it has returned.
type runner struct {
	stop chan struct{}
	done chan struct{}
}

func startRunner(fn func(stop <-chan struct{})) *runner {
	r := &runner{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		fn(r.stop)
	}()
	return r
}

func (r *runner) halt() {
	close(r.stop)
	<-r.done
}

// sleepOrStop waits for d on clk. It returns false as soon as stop is closed.
func sleepOrStop(clk clock.Clock, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}

	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// stopped reports whether stop has been closed without blocking.
func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
