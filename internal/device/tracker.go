package device

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/sensor"
	"github.com/ayusman/quforia/internal/transform"
)

// PollInterval is the tracker delivery loop period.
const PollInterval = 10 * time.Millisecond

// noTimestamp marks that no pose has been delivered yet.
const noTimestamp int64 = math.MinInt64

// ExternalTracker delivers, for every new frame timestamp, the nearest buffered pose converted to
// the engine convention.
//
// The engine expects a frame's pose before the frame itself. Nothing synchronizes this goroutine
// with the camera's; polling three times per frame period only makes that ordering likely.
type ExternalTracker struct {
	frames FrameSource
	poses  PoseMatcher
	clock  clock.Clock
	logger *zap.SugaredLogger

	lifecycleMu sync.Mutex

	mu    sync.RWMutex
	state State
	loop  *runner

	lastTimestamp atomic.Int64
	delivered     atomic.Uint64
}

var _ Tracker = (*ExternalTracker)(nil)

// NewTracker creates a closed tracker. frames supplies the reference timestamps and poses the
// nearest-timestamp lookup.
func NewTracker(frames FrameSource, poses PoseMatcher, cfg Config) *ExternalTracker {
	cfg = cfg.withDefaults("tracker")
	t := &ExternalTracker{
		frames: frames,
		poses:  poses,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		state:  StateClosed,
	}
	t.lastTimestamp.Store(noTimestamp)
	return t
}

// Open marks the tracker open. Opening an open tracker is a no-op.
func (t *ExternalTracker) Open() error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.State() != StateClosed {
		t.logger.Warn("tracker already open")
		return nil
	}
	t.setState(StateOpen)
	t.logger.Info("tracker opened")
	return nil
}

// Close stops delivery if needed. Closing a closed tracker is a no-op.
func (t *ExternalTracker) Close() error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.State() == StateClosed {
		t.logger.Debug("tracker already closed")
		return nil
	}
	t.stopLocked()
	t.setState(StateClosed)
	t.logger.Info("tracker closed")
	return nil
}

// Start launches the pose delivery goroutine. The tracker must be open and poseCb non-nil.
// anchorCb is accepted but never called. Starting a running tracker is a no-op.
func (t *ExternalTracker) Start(poseCb PoseCallback, anchorCb AnchorCallback) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	switch t.State() {
	case StateClosed:
		t.logger.Error("tracker not open")
		return errors.Wrap(ErrInvalidState, "start: tracker not open")
	case StateRunning:
		t.logger.Warn("tracker already running")
		return nil
	}

	if missingPoseCallback(poseCb) {
		t.logger.Error("pose callback is nil")
		return errors.Wrap(ErrInvalidArgument, "start: nil pose callback")
	}

	if anchorCb != nil {
		t.logger.Debug("anchor callback accepted, anchors are not delivered")
	}

	t.lastTimestamp.Store(noTimestamp)

	t.mu.Lock()
	t.state = StateRunning
	t.loop = startRunner(func(stop <-chan struct{}) {
		t.deliveryLoop(stop, poseCb)
	})
	t.mu.Unlock()

	t.logger.Info("tracker started")
	return nil
}

// Stop signals the delivery goroutine and waits for it to return. Stopping a tracker that is not
// running is a no-op.
func (t *ExternalTracker) Stop() error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.State() != StateRunning {
		t.logger.Debug("tracker not running")
		return nil
	}
	t.stopLocked()
	return nil
}

func (t *ExternalTracker) stopLocked() {
	t.mu.RLock()
	loop := t.loop
	t.mu.RUnlock()
	if loop == nil {
		return
	}

	loop.halt()

	t.mu.Lock()
	t.loop = nil
	t.state = StateOpen
	t.mu.Unlock()

	t.logger.Info("tracker stopped")
}

// ResetTracking forgets the last delivered timestamp so the current frame's pose is delivered
// again. It does not change the lifecycle state and does not re-initialize the pose source.
func (t *ExternalTracker) ResetTracking() error {
	t.lastTimestamp.Store(noTimestamp)
	t.logger.Warn("resetTracking only clears internal de-duplication state")
	return nil
}

// State returns the current lifecycle state.
func (t *ExternalTracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *ExternalTracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Delivered returns the number of poses handed to callbacks since creation.
func (t *ExternalTracker) Delivered() uint64 {
	return t.delivered.Load()
}

// LastTimestamp returns the frame timestamp of the last delivered pose, and false if none has
// been delivered since the last start or reset.
func (t *ExternalTracker) LastTimestamp() (int64, bool) {
	ts := t.lastTimestamp.Load()
	return ts, ts != noTimestamp
}

func (t *ExternalTracker) deliveryLoop(stop <-chan struct{}, cb PoseCallback) {
	t.logger.Infow("pose delivery started", "interval", PollInterval)

	var count uint64
	defer func() {
		t.logger.Infow("pose delivery stopped", "delivered", count)
	}()

	for !stopped(stop) {
		started := t.clock.Now()

		if t.deliverOnce(cb) {
			count++
			if count%logEvery == 0 {
				ts, _ := t.LastTimestamp()
				t.logger.Debugw("delivered poses", "count", count, "timestamp", ts)
			}
		}

		if elapsed := t.clock.Since(started); elapsed < PollInterval {
			if !sleepOrStop(t.clock, stop, PollInterval-elapsed) {
				return
			}
		}
	}
}

// deliverOnce delivers at most one pose for the newest frame timestamp.
func (t *ExternalTracker) deliverOnce(cb PoseCallback) bool {
	frame := t.frames.LatestFrame()
	if frame == nil {
		return false
	}
	if frame.Timestamp == t.lastTimestamp.Load() {
		return false
	}

	p := t.poses.NearestPose(frame.Timestamp)
	if p == nil {
		t.logger.Debugw("no pose available", "timestamp", frame.Timestamp)
		return false
	}

	cb.OnNewPose(newEnginePose(frame.Timestamp, p))
	t.lastTimestamp.Store(frame.Timestamp)
	t.delivered.Inc()
	return true
}

// newEnginePose converts a buffered pose into the engine descriptor stamped with the frame's
// timestamp.
func newEnginePose(timestamp int64, p *sensor.Pose) *Pose {
	pos, rot := transform.ToEngine(p.Position, p.Orientation)
	return &Pose{
		Timestamp:        timestamp,
		Translation:      [3]float64{pos.X, pos.Y, pos.Z},
		Rotation:         rot,
		Reason:           PoseReasonValid,
		CoordinateSystem: PoseCoordSystemCamera,
		Validity:         PoseValidityValid,
	}
}
