package plugin

import (
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/driver"
	"github.com/ayusman/quforia/internal/sensor"
)

var (
	// ErrNotInitialized is returned by ingestion calls made before a driver exists.
	ErrNotInitialized = errors.New("driver not initialized")
	// ErrInvalidArgument is returned for missing or malformed ingestion inputs.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownDriver is returned when destroying a driver the host did not create.
	ErrUnknownDriver = errors.New("driver mismatch")
)

// Config holds host collaborators.
type Config struct {
	// Clock is handed to every driver the host creates.
	Clock clock.Clock
	// Logger is the parent logger. Defaults to a no-op logger.
	Logger *zap.SugaredLogger

	// newDriver overrides driver construction in tests.
	newDriver func(driver.Config) *driver.Driver
}

// Host owns the single driver instance the engine and the provider share.
type Host struct {
	logger    *zap.SugaredLogger
	clock     clock.Clock
	newDriver func(driver.Config) *driver.Driver

	mu       sync.RWMutex
	driver   *driver.Driver
	observer Observer
}

// NewHost creates a host with no driver.
func NewHost(cfg Config) *Host {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.newDriver == nil {
		cfg.newDriver = driver.New
	}
	return &Host{
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		newDriver: cfg.newDriver,
	}
}

// CreateDriver creates the driver, or returns the existing one. A panic during construction is
// reported as an error and leaves the host uninitialized.
func (h *Host) CreateDriver() (d *driver.Driver, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.driver != nil {
		h.logger.Warn("driver already initialized")
		return h.driver, nil
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorw("failed to create driver", "panic", r)
			d, err = nil, errors.Errorf("create driver: %v", r)
		}
	}()

	d = h.newDriver(driver.Config{Clock: h.clock, Logger: h.logger})
	if d == nil {
		return nil, errors.New("create driver: constructor returned nil")
	}
	h.driver = d
	h.logger.Infow("driver created", "version", LibraryVersion())
	return d, nil
}

// DestroyDriver closes d and clears the host. d must be the driver CreateDriver returned.
func (h *Host) DestroyDriver(d *driver.Driver) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d == nil {
		h.logger.Error("destroyDriver called with nil driver")
		return errors.Wrap(ErrInvalidArgument, "destroy driver: nil driver")
	}
	if d != h.driver {
		h.logger.Error("destroyDriver called with unknown driver")
		return errors.Wrap(ErrUnknownDriver, "destroy driver")
	}

	err := d.Close()
	h.driver = nil
	h.logger.Info("driver destroyed")
	return errors.Wrap(err, "destroy driver")
}

// Driver returns the current driver, or nil.
func (h *Host) Driver() *driver.Driver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.driver
}

// IsDriverInitialized reports whether a driver exists.
func (h *Host) IsDriverInitialized() bool {
	return h.Driver() != nil
}

// SetObserver installs o to see accepted ingestion calls. A nil o removes the observer.
func (h *Host) SetObserver(o Observer) {
	h.mu.Lock()
	h.observer = o
	h.mu.Unlock()
}

// Library describes the loaded library.
func (h *Host) Library() Library {
	caps := driver.CapabilityCameraImage | driver.CapabilityCameraPose
	if d := h.Driver(); d != nil {
		caps = d.Capabilities()
	}
	return Library{
		Name:         LibraryName,
		Version:      LibraryVersion(),
		APIVersion:   APIVersion(),
		Capabilities: caps,
		Features:     strings.Split(caps.String(), "|"),
	}
}

// SetIntrinsics caches camera intrinsics laid out as [width, height, fx, fy, cx, cy, d0..d7].
// At least six values are required; missing distortion coefficients are zero.
func (h *Host) SetIntrinsics(values []float32) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.driver == nil {
		h.logger.Error("setIntrinsics: driver not initialized")
		return errors.Wrap(ErrNotInitialized, "set intrinsics")
	}

	in, err := sensor.ParseIntrinsics(values)
	if err != nil {
		h.logger.Errorw("invalid intrinsics array", "length", len(values))
		return errors.Wrapf(ErrInvalidArgument, "set intrinsics: %v", err)
	}

	h.driver.SetIntrinsics(in)
	h.logger.Infow("camera intrinsics set",
		"width", values[0], "height", values[1],
		"fx", in.FocalLengthX, "fy", in.FocalLengthY,
		"cx", in.PrincipalPointX, "cy", in.PrincipalPointY)

	if h.observer != nil {
		h.observer.ObserveIntrinsics(values)
	}
	return nil
}

// FeedPose buffers a device pose: position (x, y, z) and rotation quaternion (x, y, z, w).
// It must be called before FeedFrame for the frame carrying the same timestamp.
func (h *Host) FeedPose(position, rotation []float32, timestamp int64) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.driver == nil {
		h.logger.Error("feedPose: driver not initialized")
		return errors.Wrap(ErrNotInitialized, "feed pose")
	}
	if len(position) < 3 || len(rotation) < 4 {
		h.logger.Errorw("invalid pose arrays", "position", len(position), "rotation", len(rotation))
		return errors.Wrapf(ErrInvalidArgument, "feed pose: need 3 position and 4 rotation values, got %d and %d",
			len(position), len(rotation))
	}

	var pos [3]float32
	var rot [4]float32
	copy(pos[:], position)
	copy(rot[:], rotation)

	p := sensor.NewPose(pos, rot, timestamp)
	h.driver.FeedPose(p.Position, p.Orientation, timestamp)

	if h.observer != nil {
		h.observer.ObservePose(pos, rot, timestamp)
	}
	return nil
}

// FeedFrame buffers a packed RGB888 frame of exactly width*height*3 bytes. intrinsics may be nil;
// when given it uses the SetIntrinsics layout.
func (h *Host) FeedFrame(pixels []byte, width, height int, intrinsics []float32, timestamp int64) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.driver == nil {
		h.logger.Error("feedFrame: driver not initialized")
		return errors.Wrap(ErrNotInitialized, "feed frame")
	}
	if len(pixels) == 0 {
		h.logger.Error("feedFrame: empty image data")
		return errors.Wrap(ErrInvalidArgument, "feed frame: empty image data")
	}
	if width <= 0 || height <= 0 {
		h.logger.Errorw("feedFrame: invalid dimensions", "width", width, "height", height)
		return errors.Wrapf(ErrInvalidArgument, "feed frame: invalid dimensions %dx%d", width, height)
	}
	if want := width * height * sensor.BytesPerPixel; len(pixels) != want {
		h.logger.Errorw("feedFrame: buffer size mismatch", "got", len(pixels), "want", want)
		return errors.Wrapf(ErrInvalidArgument, "feed frame: got %d bytes, want %d", len(pixels), want)
	}

	var in *sensor.Intrinsics
	if len(intrinsics) > 0 {
		parsed, err := sensor.ParseIntrinsics(intrinsics)
		if err != nil {
			h.logger.Errorw("feedFrame: invalid intrinsics", "length", len(intrinsics))
			return errors.Wrapf(ErrInvalidArgument, "feed frame: %v", err)
		}
		in = &parsed
	}

	h.driver.FeedFrame(pixels, width, height, timestamp, in)

	if h.observer != nil {
		h.observer.ObserveFrame(pixels, width, height, timestamp)
	}
	return nil
}
