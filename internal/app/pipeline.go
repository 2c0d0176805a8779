package app

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/capture"
	"github.com/ayusman/quforia/internal/device"
	"github.com/ayusman/quforia/internal/plugin"
)

// Source feeds the host until ctx is done or the source runs out of samples.
type Source interface {
	Run(ctx context.Context) error
}

// Feeder is the ingestion side of the host.
type Feeder interface {
	SetIntrinsics(values []float32) error
	FeedPose(position, rotation []float32, timestamp int64) error
	FeedFrame(pixels []byte, width, height int, intrinsics []float32, timestamp int64) error
}

var _ Feeder = (*plugin.Host)(nil)

// stationaryPosition and stationaryRotation are fed with every webcam frame. A webcam has no
// tracker, so the device sits at the origin with no rotation.
var (
	stationaryPosition = []float32{0, 0, 0}
	stationaryRotation = []float32{0, 0, 0, 1}
)

// CameraSource reads a local webcam and feeds each frame, converted to the driver's camera mode,
// preceded by a stationary pose carrying the same timestamp.
type CameraSource struct {
	camera     capture.Camera
	feeder     Feeder
	clock      clock.Clock
	logger     *zap.SugaredLogger
	fps        int
	flip       bool
	intrinsics []float32
	width      int
	height     int

	fed    atomic.Uint64
	errors atomic.Uint64
}

// CameraSourceConfig configures a CameraSource.
type CameraSourceConfig struct {
	FPS int
	// FlipVertical mirrors frames top to bottom before feeding.
	FlipVertical bool
	// Intrinsics, when set, are fed once before the first frame.
	Intrinsics []float32
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
}

// NewCameraSource creates a source over camera feeding f.
func NewCameraSource(camera capture.Camera, f Feeder, cfg CameraSourceConfig) *CameraSource {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = capture.DefaultFPS
	}
	return &CameraSource{
		camera:     camera,
		feeder:     f,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("camera_source"),
		fps:        cfg.FPS,
		flip:       cfg.FlipVertical,
		intrinsics: cfg.Intrinsics,
		width:      device.SupportedMode.Width,
		height:     device.SupportedMode.Height,
	}
}

// Fed returns the number of frames fed so far.
func (s *CameraSource) Fed() uint64 { return s.fed.Load() }

// Errors returns the number of frames dropped on read, convert or feed failures.
func (s *CameraSource) Errors() uint64 { return s.errors.Load() }

// Run opens the camera and feeds frames at the configured rate. It returns nil when ctx is done
// or the camera reports it has no more frames.
func (s *CameraSource) Run(ctx context.Context) error {
	if err := s.camera.Open(); err != nil {
		return errors.Wrap(err, "open camera")
	}
	defer func() {
		if err := s.camera.Close(); err != nil {
			s.logger.Warnw("failed to close camera", "error", err)
		}
	}()
	s.camera.SetFPS(s.fps)

	if len(s.intrinsics) > 0 {
		if err := s.feeder.SetIntrinsics(s.intrinsics); err != nil {
			return errors.Wrap(err, "set intrinsics")
		}
	}

	ticker := s.clock.Ticker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	s.logger.Infow("capture started", "fps", s.fps, "width", s.width, "height", s.height, "flip", s.flip)
	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("capture stopped", "fed", s.fed.Load(), "errors", s.errors.Load())
			return nil
		case <-ticker.C:
		}

		err := s.feedOnce()
		if errors.Is(err, capture.ErrNoMoreFrames) {
			s.logger.Infow("capture exhausted", "fed", s.fed.Load())
			return nil
		}
		if err != nil {
			n := s.errors.Inc()
			s.logger.Debugw("frame dropped", "error", err, "errors", n)
		}
	}
}

func (s *CameraSource) feedOnce() error {
	mat, err := s.camera.ReadFrame()
	if err != nil {
		return err
	}
	pixels, err := capture.ToRGB888(mat, s.width, s.height, s.flip)
	mat.Close()
	if err != nil {
		return errors.Wrap(err, "convert frame")
	}

	ts := s.clock.Now().UnixNano()
	if err := s.feeder.FeedPose(stationaryPosition, stationaryRotation, ts); err != nil {
		return err
	}
	if err := s.feeder.FeedFrame(pixels, s.width, s.height, nil, ts); err != nil {
		return err
	}
	s.fed.Inc()
	return nil
}
