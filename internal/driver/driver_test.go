package driver

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ayusman/quforia/internal/device"
	"github.com/ayusman/quforia/internal/sensor"
)

func observedDriver(t *testing.T) (*Driver, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	d := New(Config{Logger: zap.New(core).Sugar()})
	t.Cleanup(func() { d.Close() })
	return d, logs
}

func rgb(width, height int) []byte {
	return make([]byte, width*height*sensor.BytesPerPixel)
}

func TestCapabilities(t *testing.T) {
	d := New(Config{})
	caps := d.Capabilities()

	assert.Equal(t, Capability(0b11), caps)
	assert.NotZero(t, caps&CapabilityCameraImage)
	assert.NotZero(t, caps&CapabilityCameraPose)
	assert.Equal(t, "camera_image|camera_pose", caps.String())
	assert.Equal(t, "capability(0)", Capability(0).String())
}

func TestCreateCamera_Singleton(t *testing.T) {
	d, logs := observedDriver(t)

	first := d.CreateCamera()
	require.NotNil(t, first)
	second := d.CreateCamera()

	assert.Same(t, first, second)
	assert.Same(t, first, d.Camera())
	assert.Equal(t, 1, logs.FilterMessageSnippet("camera already exists").Len())
}

func TestCreateTracker_Singleton(t *testing.T) {
	d, logs := observedDriver(t)

	first := d.CreateTracker()
	second := d.CreateTracker()

	assert.Same(t, first, second)
	assert.Same(t, first, d.Tracker())
	conflicts := logs.FilterMessageSnippet("tracker already exists").All()
	require.Len(t, conflicts, 1)
	assert.Equal(t, zapcore.WarnLevel, conflicts[0].Level)
}

func TestDestroyCamera(t *testing.T) {
	d, logs := observedDriver(t)

	cam := d.CreateCamera()
	require.NoError(t, cam.Open())

	other := New(Config{}).CreateCamera()
	err := d.DestroyCamera(other)
	assert.ErrorIs(t, err, ErrInstanceMismatch)
	assert.Equal(t, 1, logs.FilterMessageSnippet("unknown instance").Len())
	assert.Equal(t, device.StateOpen, cam.State())

	require.NoError(t, d.DestroyCamera(cam))
	assert.Equal(t, device.StateClosed, cam.State())
	assert.Nil(t, d.Camera())

	assert.ErrorIs(t, d.DestroyCamera(cam), ErrInstanceMismatch)

	// A fresh instance is created after destroy.
	assert.NotSame(t, cam, d.CreateCamera())
}

func TestDestroyTracker(t *testing.T) {
	d, _ := observedDriver(t)

	assert.ErrorIs(t, d.DestroyTracker(nil), ErrInstanceMismatch)

	tr := d.CreateTracker()
	require.NoError(t, tr.Open())
	require.NoError(t, d.DestroyTracker(tr))
	assert.Equal(t, device.StateClosed, tr.State())
	assert.Nil(t, d.Tracker())
}

func TestIngestion(t *testing.T) {
	d, _ := observedDriver(t)

	in := sensor.Intrinsics{FocalLengthX: 500, FocalLengthY: 500, PrincipalPointX: 320, PrincipalPointY: 240}
	d.SetIntrinsics(in)
	d.FeedPose(r3.Vector{X: 1}, sensor.IdentityQuaternion, 10)
	d.FeedFrame(rgb(4, 2), 4, 2, 10, nil)

	frame := d.Buffer().LatestFrame()
	require.NotNil(t, frame)
	assert.Equal(t, int64(10), frame.Timestamp)
	assert.Equal(t, in, frame.Intrinsics)

	pose := d.Buffer().NearestPose(10)
	require.NotNil(t, pose)
	assert.Equal(t, 1.0, pose.Position.X)
}

func TestClose_TearsDownAndDrains(t *testing.T) {
	d, _ := observedDriver(t)

	cam := d.CreateCamera()
	tr := d.CreateTracker()
	require.NoError(t, cam.Open())
	require.NoError(t, tr.Open())

	d.FeedPose(r3.Vector{}, sensor.IdentityQuaternion, 1)
	d.FeedFrame(rgb(device.SupportedMode.Width, device.SupportedMode.Height),
		device.SupportedMode.Width, device.SupportedMode.Height, 1, nil)

	require.NoError(t, cam.Start(device.SupportedMode, device.CameraCallbackFunc(func(*device.CameraFrame) {})))
	require.NoError(t, tr.Start(device.PoseCallbackFunc(func(*device.Pose) {}), nil))

	done := make(chan error, 1)
	go func() { done <- d.Close() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, device.StateClosed, cam.State())
	assert.Equal(t, device.StateClosed, tr.State())
	assert.Zero(t, d.Buffer().FrameCount())
	assert.Zero(t, d.Buffer().PoseCount())
	assert.Nil(t, d.Camera())
	assert.Nil(t, d.Tracker())

	require.NoError(t, d.Close())
}

func TestEndToEnd_PoseThenFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping delivery test in short mode")
	}

	d, _ := observedDriver(t)
	cam := d.CreateCamera()
	tr := d.CreateTracker()
	require.NoError(t, cam.Open())
	require.NoError(t, tr.Open())

	frames := make(chan *device.CameraFrame, 64)
	poses := make(chan *device.Pose, 64)
	require.NoError(t, tr.Start(device.PoseCallbackFunc(func(p *device.Pose) { poses <- p }), nil))
	require.NoError(t, cam.Start(device.SupportedMode, device.CameraCallbackFunc(func(f *device.CameraFrame) {
		select {
		case frames <- f:
		default:
		}
	})))

	ts := int64(time.Second)
	d.FeedPose(r3.Vector{X: 0.5, Y: 1, Z: -2}, sensor.IdentityQuaternion, ts)
	d.FeedFrame(rgb(device.SupportedMode.Width, device.SupportedMode.Height),
		device.SupportedMode.Width, device.SupportedMode.Height, ts, nil)

	select {
	case p := <-poses:
		assert.Equal(t, ts, p.Timestamp)
		assert.Equal(t, [3]float64{0.5, -1, 2}, p.Translation)
	case <-time.After(time.Second):
		t.Fatal("no pose delivered")
	}
	select {
	case f := <-frames:
		assert.Equal(t, ts, f.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}
