// Package driver is the facade the tracking engine sees: it advertises capabilities, owns the
// singleton camera and tracker, and routes ingested frames, poses and intrinsics into the buffer
// store both devices read from.
package driver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/num/quat"

	"github.com/ayusman/quforia/internal/buffer"
	"github.com/ayusman/quforia/internal/device"
	"github.com/ayusman/quforia/internal/sensor"
)

// ErrInstanceMismatch is returned when destroying a device the driver does not own.
var ErrInstanceMismatch = errors.New("device instance not owned by driver")

// Capability is a bit in the driver capability mask.
type Capability uint32

// Capabilities the engine can query.
const (
	CapabilityCameraImage Capability = 1 << iota
	CapabilityCameraPose
)

func (c Capability) String() string {
	var names []string
	if c&CapabilityCameraImage != 0 {
		names = append(names, "camera_image")
	}
	if c&CapabilityCameraPose != 0 {
		names = append(names, "camera_pose")
	}
	if len(names) == 0 {
		return fmt.Sprintf("capability(%d)", uint32(c))
	}
	return strings.Join(names, "|")
}

// Config holds driver collaborators.
type Config struct {
	// Clock paces device delivery loops. Defaults to the wall clock.
	Clock clock.Clock
	// Logger is the parent logger. Defaults to a no-op logger.
	Logger *zap.SugaredLogger
}

// Driver owns the buffer store and at most one camera and one tracker.
type Driver struct {
	logger *zap.SugaredLogger
	clock  clock.Clock
	buffer *buffer.Store

	mu      sync.Mutex
	camera  *device.ExternalCamera
	tracker *device.ExternalTracker
}

// New creates a driver with an empty buffer store.
func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger.Named("driver")
	return &Driver{
		logger: logger,
		clock:  cfg.Clock,
		buffer: buffer.New(logger.Named("buffer")),
	}
}

// Capabilities reports that the driver supplies camera images and camera poses.
func (d *Driver) Capabilities() Capability {
	return CapabilityCameraImage | CapabilityCameraPose
}

func (d *Driver) deviceConfig() device.Config {
	return device.Config{Clock: d.clock, Logger: d.logger}
}

// CreateCamera returns the driver's camera, creating it on first use. A second call returns the
// existing camera and logs the conflict.
func (d *Driver) CreateCamera() *device.ExternalCamera {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.camera != nil {
		d.logger.Warn("camera already exists, returning existing instance")
		return d.camera
	}
	d.camera = device.NewCamera(d.buffer, d.deviceConfig())
	d.logger.Info("camera created")
	return d.camera
}

// DestroyCamera closes and releases cam, which must be the instance returned by CreateCamera.
func (d *Driver) DestroyCamera(cam *device.ExternalCamera) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cam == nil || cam != d.camera {
		d.logger.Error("destroyCamera called with unknown instance")
		return errors.Wrap(ErrInstanceMismatch, "destroy camera")
	}
	err := cam.Close()
	d.camera = nil
	d.logger.Info("camera destroyed")
	return err
}

// CreateTracker returns the driver's tracker, creating it on first use. A second call returns the
// existing tracker and logs the conflict.
func (d *Driver) CreateTracker() *device.ExternalTracker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tracker != nil {
		d.logger.Warn("tracker already exists, returning existing instance")
		return d.tracker
	}
	d.tracker = device.NewTracker(d.buffer, d.buffer, d.deviceConfig())
	d.logger.Info("tracker created")
	return d.tracker
}

// DestroyTracker closes and releases t, which must be the instance returned by CreateTracker.
func (d *Driver) DestroyTracker(t *device.ExternalTracker) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t == nil || t != d.tracker {
		d.logger.Error("destroyTracker called with unknown instance")
		return errors.Wrap(ErrInstanceMismatch, "destroy tracker")
	}
	err := t.Close()
	d.tracker = nil
	d.logger.Info("tracker destroyed")
	return err
}

// Camera returns the current camera, or nil if none has been created.
func (d *Driver) Camera() *device.ExternalCamera {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.camera
}

// Tracker returns the current tracker, or nil if none has been created.
func (d *Driver) Tracker() *device.ExternalTracker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker
}

// Buffer returns the store shared by both devices.
func (d *Driver) Buffer() *buffer.Store {
	return d.buffer
}

// SetIntrinsics caches intrinsics for all subsequently fed frames.
func (d *Driver) SetIntrinsics(in sensor.Intrinsics) {
	d.buffer.SetIntrinsics(in)
}

// FeedFrame copies an RGB888 frame into the buffer store. in may be nil.
func (d *Driver) FeedFrame(pixels []byte, width, height int, timestamp int64, in *sensor.Intrinsics) {
	d.buffer.PushFrame(pixels, width, height, timestamp, in)
}

// FeedPose buffers a pose in the ingestion convention. Feed a frame's pose before the frame.
func (d *Driver) FeedPose(position r3.Vector, orientation quat.Number, timestamp int64) {
	d.buffer.PushPose(position, orientation, timestamp)
}

// Close tears down both devices and drains the buffer store.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.camera != nil {
		err = multierr.Append(err, errors.Wrap(d.camera.Close(), "close camera"))
		d.camera = nil
	}
	if d.tracker != nil {
		err = multierr.Append(err, errors.Wrap(d.tracker.Close(), "close tracker"))
		d.tracker = nil
	}
	d.buffer.Drain()

	d.logger.Info("driver closed")
	return err
}
