// Package device implements the external camera and positional tracker devices that the tracking
// engine opens, starts and polls. Both devices pull from a shared frame/pose buffer on their own
// fixed-rate goroutines and hand results to engine callbacks.
package device

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ayusman/quforia/internal/sensor"
)

var (
	// ErrInvalidState is returned when an operation is attempted in the wrong lifecycle state.
	ErrInvalidState = errors.New("invalid device state")
	// ErrInvalidArgument is returned for missing callbacks or mismatched modes.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupported is returned for capabilities the devices never provide.
	ErrUnsupported = errors.New("unsupported")
)

// State is a device lifecycle state.
type State int

// Lifecycle states. A device moves Closed -> Open -> Running -> Open -> Closed.
const (
	StateClosed State = iota
	StateOpen
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PixelFormat identifies a frame pixel layout.
type PixelFormat int

// Pixel formats known to the engine. Only RGB888 is produced.
const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatYUYV
	PixelFormatNV12
	PixelFormatNV21
	PixelFormatRGB888
	PixelFormatRGBA8888
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatYUYV:
		return "YUYV"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatNV21:
		return "NV21"
	case PixelFormatRGB888:
		return "RGB888"
	case PixelFormatRGBA8888:
		return "RGBA8888"
	default:
		return "unknown"
	}
}

// CameraMode is a resolution, frame rate and pixel format triple.
type CameraMode struct {
	Width  int         `json:"width"`
	Height int         `json:"height"`
	FPS    int         `json:"fps"`
	Format PixelFormat `json:"format"`
}

func (m CameraMode) String() string {
	return fmt.Sprintf("%dx%d@%dfps %s", m.Width, m.Height, m.FPS, m.Format)
}

// SupportedMode is the single camera mode the camera provides.
var SupportedMode = CameraMode{
	Width:  1280,
	Height: 960,
	FPS:    30,
	Format: PixelFormatRGB888,
}

// NominalExposureTime is one frame period at 30fps, in nanoseconds.
const NominalExposureTime int64 = 33_333_333

// CameraFrame is the frame descriptor handed to the engine. Buffer aliases the immutable frame
// record owned by the buffer store and must not be modified.
type CameraFrame struct {
	Buffer       []byte
	Width        int
	Height       int
	Stride       int
	BufferSize   int
	Format       PixelFormat
	Timestamp    int64
	ExposureTime int64
	Intrinsics   sensor.Intrinsics
}

// ExposureMode is a camera exposure control mode.
type ExposureMode int

// Exposure modes.
const (
	ExposureModeUnknown ExposureMode = iota
	ExposureModeAuto
	ExposureModeContinuousAuto
	ExposureModeManual
	ExposureModeShutterPriority
)

// FocusMode is a camera focus control mode.
type FocusMode int

// Focus modes.
const (
	FocusModeUnknown FocusMode = iota
	FocusModeAuto
	FocusModeContinuousAuto
	FocusModeMacro
	FocusModeInfinity
	FocusModeFixed
)

// PoseReason describes why a pose was produced.
type PoseReason int

// Pose reasons.
const (
	PoseReasonValid PoseReason = iota
	PoseReasonInitializing
	PoseReasonRelocalizing
)

// PoseCoordSystem is the reference frame a pose is expressed in.
type PoseCoordSystem int

// Pose coordinate systems.
const (
	PoseCoordSystemCamera PoseCoordSystem = iota
	PoseCoordSystemWorld
)

// PoseValidity tells the engine whether it may use the pose.
type PoseValidity int

// Pose validities.
const (
	PoseValidityValid PoseValidity = iota
	PoseValidityUnreliable
	PoseValidityInvalid
)

// Pose is the pose descriptor handed to the engine, already in the engine convention.
// Rotation is a row-major 3x3 matrix.
type Pose struct {
	Timestamp        int64           `json:"timestamp"`
	Translation      [3]float64      `json:"translation"`
	Rotation         [9]float64      `json:"rotation"`
	Reason           PoseReason      `json:"reason"`
	CoordinateSystem PoseCoordSystem `json:"coordinate_system"`
	Validity         PoseValidity    `json:"validity"`
}

// CameraCallback receives frames from the camera delivery goroutine.
type CameraCallback interface {
	OnNewCameraFrame(frame *CameraFrame)
}

// CameraCallbackFunc adapts a function to CameraCallback.
type CameraCallbackFunc func(frame *CameraFrame)

// OnNewCameraFrame calls f(frame).
func (f CameraCallbackFunc) OnNewCameraFrame(frame *CameraFrame) { f(frame) }

// missingCameraCallback reports whether cb is nil or wraps a nil function.
func missingCameraCallback(cb CameraCallback) bool {
	if cb == nil {
		return true
	}
	f, ok := cb.(CameraCallbackFunc)
	return ok && f == nil
}

// PoseCallback receives poses from the tracker delivery goroutine.
type PoseCallback interface {
	OnNewPose(pose *Pose)
}

// PoseCallbackFunc adapts a function to PoseCallback.
type PoseCallbackFunc func(pose *Pose)

// OnNewPose calls f(pose).
func (f PoseCallbackFunc) OnNewPose(pose *Pose) { f(pose) }

// missingPoseCallback reports whether cb is nil or wraps a nil function.
func missingPoseCallback(cb PoseCallback) bool {
	if cb == nil {
		return true
	}
	f, ok := cb.(PoseCallbackFunc)
	return ok && f == nil
}

// AnchorCallback receives spatial anchor updates. Anchors are not supported, so the tracker accepts
// one but never calls it.
type AnchorCallback interface {
	OnNewAnchor(id string, pose *Pose)
}

// FrameSource provides the newest buffered frame.
type FrameSource interface {
	LatestFrame() *sensor.Frame
}

// PoseMatcher finds the buffered pose nearest a timestamp.
type PoseMatcher interface {
	NearestPose(timestamp int64) *sensor.Pose
}

// Camera is the engine's external camera contract.
type Camera interface {
	Open() error
	Close() error
	Start(mode CameraMode, cb CameraCallback) error
	Stop() error
	State() State

	NumSupportedModes() int
	SupportedMode(index int) (CameraMode, error)

	SupportsExposureMode(mode ExposureMode) bool
	ExposureMode() ExposureMode
	SetExposureMode(mode ExposureMode) error
	SupportsExposureValue() bool
	ExposureValueMin() int64
	ExposureValueMax() int64
	ExposureValue() int64
	SetExposureValue(value int64) error

	SupportsFocusMode(mode FocusMode) bool
	FocusMode() FocusMode
	SetFocusMode(mode FocusMode) error
	SupportsFocusValue() bool
	FocusValueMin() float32
	FocusValueMax() float32
	FocusValue() float32
	SetFocusValue(value float32) error
}

// Tracker is the engine's external positional device tracker contract.
type Tracker interface {
	Open() error
	Close() error
	Start(poseCb PoseCallback, anchorCb AnchorCallback) error
	Stop() error
	ResetTracking() error
	State() State
}
