// Package engine provides a local stand-in for the tracking engine. The Monitor drives a driver
// the way the engine does (create, open, start) and keeps what it is handed for inspection.
package engine

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/device"
	"github.com/ayusman/quforia/internal/driver"
)

// ErrNotAttached is returned when detaching a monitor that is not attached.
var ErrNotAttached = errors.New("monitor not attached")

// Stats are the monitor's delivery counters.
type Stats struct {
	Attached           bool   `json:"attached"`
	Frames             uint64 `json:"frames"`
	Poses              uint64 `json:"poses"`
	DroppedPoses       uint64 `json:"droppedPoses"`
	LastFrameTimestamp int64  `json:"lastFrameTimestamp"`
	LastPoseTimestamp  int64  `json:"lastPoseTimestamp"`
	Subscribers        int    `json:"subscribers"`
}

// Monitor consumes camera frames and poses from a driver.
type Monitor struct {
	logger *zap.SugaredLogger

	// lifecycleMu guards attach state. Callbacks never take it.
	lifecycleMu sync.Mutex
	driver      *driver.Driver
	camera      *device.ExternalCamera
	tracker     *device.ExternalTracker

	latestMu    sync.RWMutex
	latestFrame *device.CameraFrame
	latestPose  *device.Pose

	attached atomic.Bool
	frames   atomic.Uint64
	poses    atomic.Uint64
	dropped  atomic.Uint64

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan *device.Pose
}

var (
	_ device.CameraCallback = (*Monitor)(nil)
	_ device.PoseCallback   = (*Monitor)(nil)
)

// New creates a detached monitor. A nil logger disables logging.
func New(logger *zap.SugaredLogger) *Monitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Monitor{
		logger: logger.Named("engine"),
		subs:   make(map[int]chan *device.Pose),
	}
}

// Attach creates, opens and starts the driver's tracker and camera. The tracker starts first so
// poses are flowing before the first frame is delivered. Attaching an attached monitor is a
// no-op.
func (m *Monitor) Attach(d *driver.Driver) (err error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.driver != nil {
		m.logger.Warn("monitor already attached")
		return nil
	}

	cam := d.CreateCamera()
	tr := d.CreateTracker()
	defer func() {
		if err != nil {
			err = multierr.Combine(err, d.DestroyCamera(cam), d.DestroyTracker(tr))
		}
	}()

	if err := tr.Open(); err != nil {
		return errors.Wrap(err, "open tracker")
	}
	if err := cam.Open(); err != nil {
		return errors.Wrap(err, "open camera")
	}
	if err := tr.Start(m, nil); err != nil {
		return errors.Wrap(err, "start tracker")
	}

	mode, err := cam.SupportedMode(0)
	if err != nil {
		return errors.Wrap(err, "query camera mode")
	}
	if err := cam.Start(mode, m); err != nil {
		return errors.Wrap(err, "start camera")
	}

	m.driver = d
	m.camera = cam
	m.tracker = tr
	m.attached.Store(true)
	m.logger.Infow("attached", "mode", mode.String(), "capabilities", d.Capabilities().String())
	return nil
}

// Detach stops delivery and destroys the devices it created.
func (m *Monitor) Detach() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.driver == nil {
		return ErrNotAttached
	}

	err := multierr.Combine(
		m.camera.Stop(),
		m.tracker.Stop(),
		m.driver.DestroyCamera(m.camera),
		m.driver.DestroyTracker(m.tracker),
	)
	m.driver, m.camera, m.tracker = nil, nil, nil
	m.attached.Store(false)
	m.logger.Infow("detached", "frames", m.frames.Load(), "poses", m.poses.Load())
	return err
}

// Attached reports whether the monitor is attached to a driver.
func (m *Monitor) Attached() bool {
	return m.attached.Load()
}

// OnNewCameraFrame keeps the frame as the latest one.
func (m *Monitor) OnNewCameraFrame(frame *device.CameraFrame) {
	m.latestMu.Lock()
	m.latestFrame = frame
	m.latestMu.Unlock()
	m.frames.Inc()
}

// OnNewPose keeps the pose as the latest one and fans it out to subscribers. Subscribers that
// are not keeping up miss poses.
func (m *Monitor) OnNewPose(pose *device.Pose) {
	m.latestMu.Lock()
	m.latestPose = pose
	m.latestMu.Unlock()
	m.poses.Inc()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- pose:
		default:
			m.dropped.Inc()
		}
	}
}

// LatestFrame returns the last delivered frame, or nil.
func (m *Monitor) LatestFrame() *device.CameraFrame {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latestFrame
}

// LatestPose returns the last delivered pose, or nil.
func (m *Monitor) LatestPose() *device.Pose {
	m.latestMu.RLock()
	defer m.latestMu.RUnlock()
	return m.latestPose
}

// Subscribe returns a channel receiving delivered poses and a function that unsubscribes and
// closes it.
func (m *Monitor) Subscribe(buffer int) (<-chan *device.Pose, func()) {
	ch := make(chan *device.Pose, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

// Stats returns a snapshot of the delivery counters.
func (m *Monitor) Stats() Stats {
	s := Stats{
		Attached:     m.Attached(),
		Frames:       m.frames.Load(),
		Poses:        m.poses.Load(),
		DroppedPoses: m.dropped.Load(),
	}

	m.latestMu.RLock()
	if m.latestFrame != nil {
		s.LastFrameTimestamp = m.latestFrame.Timestamp
	}
	if m.latestPose != nil {
		s.LastPoseTimestamp = m.latestPose.Timestamp
	}
	m.latestMu.RUnlock()

	m.subMu.Lock()
	s.Subscribers = len(m.subs)
	m.subMu.Unlock()
	return s
}
