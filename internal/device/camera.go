package device

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/sensor"
)

// ExternalCamera delivers the newest buffered frame to the engine at the supported frame rate.
type ExternalCamera struct {
	source FrameSource
	clock  clock.Clock
	logger *zap.SugaredLogger

	// lifecycleMu serializes Open, Close, Start and Stop. The delivery goroutine never takes it.
	lifecycleMu sync.Mutex

	mu           sync.RWMutex
	state        State
	mode         CameraMode
	exposureMode ExposureMode
	focusMode    FocusMode
	loop         *runner

	bufferMu   sync.Mutex
	workBuffer []byte

	delivered atomic.Uint64
}

var _ Camera = (*ExternalCamera)(nil)

// NewCamera creates a closed camera reading from source.
func NewCamera(source FrameSource, cfg Config) *ExternalCamera {
	cfg = cfg.withDefaults("camera")
	return &ExternalCamera{
		source:       source,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		state:        StateClosed,
		mode:         SupportedMode,
		exposureMode: ExposureModeContinuousAuto,
		focusMode:    FocusModeContinuousAuto,
	}
}

// Open allocates the working buffer for the supported mode. Opening an open camera is a no-op.
func (c *ExternalCamera) Open() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateClosed {
		c.logger.Warn("camera already open")
		return nil
	}

	c.bufferMu.Lock()
	c.workBuffer = make([]byte, SupportedMode.Width*SupportedMode.Height*sensor.BytesPerPixel)
	c.bufferMu.Unlock()

	c.setState(StateOpen)
	c.logger.Info("camera opened")
	return nil
}

// Close stops delivery if needed and releases the working buffer. Closing a closed camera is a
// no-op.
func (c *ExternalCamera) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() == StateClosed {
		c.logger.Debug("camera already closed")
		return nil
	}

	c.stopLocked()

	c.bufferMu.Lock()
	c.workBuffer = nil
	c.bufferMu.Unlock()

	c.setState(StateClosed)
	c.logger.Info("camera closed")
	return nil
}

// Start launches the delivery goroutine. The camera must be open, cb must be non-nil and mode
// must match SupportedMode in width, height and format. Starting a running camera is a no-op.
func (c *ExternalCamera) Start(mode CameraMode, cb CameraCallback) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.logger.Infow("start requested", "mode", mode.String())

	switch c.State() {
	case StateClosed:
		c.logger.Error("camera not open")
		return errors.Wrap(ErrInvalidState, "start: camera not open")
	case StateRunning:
		c.logger.Warn("camera already running")
		return nil
	}

	if missingCameraCallback(cb) {
		c.logger.Error("camera callback is nil")
		return errors.Wrap(ErrInvalidArgument, "start: nil camera callback")
	}

	if mode.Width != SupportedMode.Width ||
		mode.Height != SupportedMode.Height ||
		mode.Format != SupportedMode.Format {
		c.logger.Errorw("unsupported camera mode", "mode", mode.String())
		return errors.Wrapf(ErrInvalidArgument, "start: unsupported camera mode %s", mode)
	}
	if mode.FPS <= 0 || mode.FPS > SupportedMode.FPS {
		mode.FPS = SupportedMode.FPS
	}

	c.mu.Lock()
	c.mode = mode
	c.state = StateRunning
	c.loop = startRunner(func(stop <-chan struct{}) {
		c.deliveryLoop(stop, cb, mode)
	})
	c.mu.Unlock()

	c.logger.Info("camera started")
	return nil
}

// Stop signals the delivery goroutine and waits for it to return. Stopping a camera that is not
// running is a no-op.
func (c *ExternalCamera) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateRunning {
		c.logger.Debug("camera not running")
		return nil
	}
	c.stopLocked()
	return nil
}

// stopLocked halts the delivery goroutine. Callers hold lifecycleMu.
func (c *ExternalCamera) stopLocked() {
	c.mu.RLock()
	loop := c.loop
	c.mu.RUnlock()
	if loop == nil {
		return
	}

	loop.halt()

	c.mu.Lock()
	c.loop = nil
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("camera stopped")
}

// State returns the current lifecycle state.
func (c *ExternalCamera) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Mode returns the mode the camera was last started with, after frame rate defaulting.
func (c *ExternalCamera) Mode() CameraMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *ExternalCamera) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Delivered returns the number of frames handed to callbacks since creation.
func (c *ExternalCamera) Delivered() uint64 {
	return c.delivered.Load()
}

// BufferSize returns the size of the working buffer; zero when closed.
func (c *ExternalCamera) BufferSize() int {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	return len(c.workBuffer)
}

// NumSupportedModes always returns 1.
func (c *ExternalCamera) NumSupportedModes() int {
	return 1
}

// SupportedMode returns SupportedMode for index 0.
func (c *ExternalCamera) SupportedMode(index int) (CameraMode, error) {
	if index != 0 {
		return CameraMode{}, errors.Wrapf(ErrInvalidArgument, "camera mode index %d out of range", index)
	}
	return SupportedMode, nil
}

// SupportsExposureMode reports whether mode is continuous auto exposure.
func (c *ExternalCamera) SupportsExposureMode(mode ExposureMode) bool {
	return mode == ExposureModeContinuousAuto
}

// ExposureMode returns the current exposure mode.
func (c *ExternalCamera) ExposureMode() ExposureMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exposureMode
}

// SetExposureMode accepts only continuous auto exposure.
func (c *ExternalCamera) SetExposureMode(mode ExposureMode) error {
	if !c.SupportsExposureMode(mode) {
		c.logger.Warnw("unsupported exposure mode", "mode", mode)
		return errors.Wrapf(ErrUnsupported, "exposure mode %d", mode)
	}
	c.mu.Lock()
	c.exposureMode = mode
	c.mu.Unlock()
	return nil
}

// SupportsExposureValue always returns false.
func (c *ExternalCamera) SupportsExposureValue() bool { return false }

// ExposureValueMin always returns 0.
func (c *ExternalCamera) ExposureValueMin() int64 { return 0 }

// ExposureValueMax always returns 0.
func (c *ExternalCamera) ExposureValueMax() int64 { return 0 }

// ExposureValue returns the nominal exposure of one frame period.
func (c *ExternalCamera) ExposureValue() int64 { return NominalExposureTime }

// SetExposureValue always fails.
func (c *ExternalCamera) SetExposureValue(int64) error {
	c.logger.Warn("manual exposure value control not supported")
	return errors.Wrap(ErrUnsupported, "manual exposure value")
}

// SupportsFocusMode reports whether mode is continuous auto focus.
func (c *ExternalCamera) SupportsFocusMode(mode FocusMode) bool {
	return mode == FocusModeContinuousAuto
}

// FocusMode returns the current focus mode.
func (c *ExternalCamera) FocusMode() FocusMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.focusMode
}

// SetFocusMode accepts only continuous auto focus.
func (c *ExternalCamera) SetFocusMode(mode FocusMode) error {
	if !c.SupportsFocusMode(mode) {
		c.logger.Warnw("unsupported focus mode", "mode", mode)
		return errors.Wrapf(ErrUnsupported, "focus mode %d", mode)
	}
	c.mu.Lock()
	c.focusMode = mode
	c.mu.Unlock()
	return nil
}

// SupportsFocusValue always returns false.
func (c *ExternalCamera) SupportsFocusValue() bool { return false }

// FocusValueMin always returns 0.
func (c *ExternalCamera) FocusValueMin() float32 { return 0 }

// FocusValueMax always returns 0.
func (c *ExternalCamera) FocusValueMax() float32 { return 0 }

// FocusValue always returns 0.
func (c *ExternalCamera) FocusValue() float32 { return 0 }

// SetFocusValue always fails.
func (c *ExternalCamera) SetFocusValue(float32) error {
	c.logger.Warn("manual focus value control not supported")
	return errors.Wrap(ErrUnsupported, "manual focus value")
}

// deliveryLoop pulls the newest frame once per frame period and hands it to cb. Pacing is
// best-effort: an iteration that overruns the period starts the next one immediately.
func (c *ExternalCamera) deliveryLoop(stop <-chan struct{}, cb CameraCallback, mode CameraMode) {
	period := framePeriod(mode.FPS)
	c.logger.Infow("frame delivery started", "period", period)

	var count uint64
	defer func() {
		c.logger.Infow("frame delivery stopped", "delivered", count)
	}()

	for !stopped(stop) {
		started := c.clock.Now()

		if frame := c.source.LatestFrame(); frame != nil {
			cb.OnNewCameraFrame(newCameraFrame(frame))
			count++
			c.delivered.Inc()
			if count%logEvery == 0 {
				c.logger.Debugw("delivered frames", "count", count, "timestamp", frame.Timestamp)
			}
		} else if !sleepOrStop(c.clock, stop, noFrameBackoff) {
			return
		}

		if elapsed := c.clock.Since(started); elapsed < period {
			if !sleepOrStop(c.clock, stop, period-elapsed) {
				return
			}
		}
	}
}

// framePeriod returns the delivery period for fps, never shorter than one millisecond.
func framePeriod(fps int) time.Duration {
	if fps <= 0 {
		fps = SupportedMode.FPS
	}
	period := time.Duration(1000/fps) * time.Millisecond
	if period < time.Millisecond {
		period = time.Millisecond
	}
	return period
}

func newCameraFrame(f *sensor.Frame) *CameraFrame {
	stride := f.Stride()
	return &CameraFrame{
		Buffer:       f.Pixels,
		Width:        f.Width,
		Height:       f.Height,
		Stride:       stride,
		BufferSize:   stride * f.Height,
		Format:       PixelFormatRGB888,
		Timestamp:    f.Timestamp,
		ExposureTime: NominalExposureTime,
		Intrinsics:   f.Intrinsics,
	}
}
