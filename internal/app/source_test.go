package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/ayusman/quforia/internal/capture"
	"github.com/ayusman/quforia/internal/device"
	"github.com/ayusman/quforia/internal/store"
)

type feedCall struct {
	kind     string
	ts       int64
	width    int
	height   int
	pixels   []byte
	values   []float32
	position []float32
}

type recordingFeeder struct {
	mu    sync.Mutex
	calls []feedCall
}

func (f *recordingFeeder) SetIntrinsics(values []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, feedCall{kind: "intrinsics", values: append([]float32(nil), values...)})
	return nil
}

func (f *recordingFeeder) FeedPose(position, rotation []float32, timestamp int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, feedCall{kind: "pose", ts: timestamp, position: append([]float32(nil), position...)})
	return nil
}

func (f *recordingFeeder) FeedFrame(pixels []byte, width, height int, intrinsics []float32, timestamp int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, feedCall{kind: "frame", ts: timestamp, width: width, height: height, pixels: pixels})
	return nil
}

func (f *recordingFeeder) snapshot() []feedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feedCall(nil), f.calls...)
}

func kinds(calls []feedCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.kind
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testIntrinsics = []float32{1280, 960, 900, 900, 640, 480}

// recordSession stores poses at 0, 10 and 20ms and frames at 10 and 20ms.
func recordSession(t *testing.T, s *store.Store, id string) {
	t.Helper()
	require.NoError(t, s.Sessions().Create(&store.Session{ID: id, Name: "walk", Intrinsics: testIntrinsics}))
	ms := int64(time.Millisecond)
	for i, ts := range []int64{0, 10 * ms, 20 * ms} {
		require.NoError(t, s.Samples().AddPose(id, store.PoseRecord{
			Timestamp: 5_000 + ts,
			Position:  [3]float32{float32(i), 0, 0},
			Rotation:  [4]float32{0, 0, 0, 1},
		}))
	}
	for _, ts := range []int64{10 * ms, 20 * ms} {
		require.NoError(t, s.Samples().AddFrame(id, store.FrameRecord{
			Timestamp: 5_000 + ts, Width: 2, Height: 1, Pixels: []byte{1, 2, 3, 4, 5, 6},
		}))
	}
	require.NoError(t, s.Sessions().Finish(id))
}

func TestReplaySource_FeedsSessionInOrder(t *testing.T) {
	s := newTestStore(t)
	recordSession(t, s, "s1")
	f := &recordingFeeder{}
	r := NewReplaySource(s, f, ReplaySourceConfig{Session: "s1"})

	require.NoError(t, r.Run(context.Background()))

	calls := f.snapshot()
	require.Equal(t, []string{"intrinsics", "pose", "pose", "frame", "pose", "frame"}, kinds(calls))
	assert.Equal(t, testIntrinsics, calls[0].values)

	ms := int64(time.Millisecond)
	base := calls[1].ts
	var offsets []int64
	for _, c := range calls[1:] {
		offsets = append(offsets, c.ts-base)
	}
	assert.Equal(t, []int64{0, 10 * ms, 10 * ms, 20 * ms, 20 * ms}, offsets)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, calls[3].pixels)
	assert.Equal(t, []float32{1, 0, 0}, calls[2].position)

	assert.Equal(t, uint64(1), r.Passes())
	assert.Equal(t, uint64(5), r.Samples())
}

func TestReplaySource_Loop(t *testing.T) {
	s := newTestStore(t)
	recordSession(t, s, "s1")
	f := &recordingFeeder{}
	r := NewReplaySource(s, f, ReplaySourceConfig{Session: "s1", Loop: true})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	assert.GreaterOrEqual(t, r.Passes(), uint64(2))

	var last int64
	for _, c := range f.snapshot()[1:] {
		assert.GreaterOrEqual(t, c.ts, last, "timestamps keep increasing across passes")
		last = c.ts
	}
}

func TestReplaySource_Errors(t *testing.T) {
	s := newTestStore(t)

	t.Run("unknown session", func(t *testing.T) {
		r := NewReplaySource(s, &recordingFeeder{}, ReplaySourceConfig{Session: "missing"})
		assert.ErrorIs(t, r.Run(context.Background()), store.ErrNotFound)
	})

	t.Run("empty session loop", func(t *testing.T) {
		require.NoError(t, s.Sessions().Create(&store.Session{ID: "empty"}))
		f := &recordingFeeder{}
		r := NewReplaySource(s, f, ReplaySourceConfig{Session: "empty", Loop: true})
		assert.Error(t, r.Run(context.Background()))
		assert.Empty(t, f.snapshot(), "no intrinsics recorded, nothing fed")
	})
}

func TestReplaySource_StopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Sessions().Create(&store.Session{ID: "slow"}))
	require.NoError(t, s.Samples().AddPose("slow", store.PoseRecord{Timestamp: 0, Rotation: [4]float32{0, 0, 0, 1}}))
	require.NoError(t, s.Samples().AddPose("slow", store.PoseRecord{Timestamp: int64(time.Hour), Rotation: [4]float32{0, 0, 0, 1}}))

	f := &recordingFeeder{}
	r := NewReplaySource(s, f, ReplaySourceConfig{Session: "slow"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.snapshot()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("replay did not stop")
	}
	assert.Zero(t, r.Passes())
}

func solidMats(t *testing.T, n int) []*gocv.Mat {
	t.Helper()
	mats := make([]*gocv.Mat, n)
	for i := range mats {
		// BGR blue.
		m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 4, 4, gocv.MatTypeCV8UC3)
		mats[i] = &m
	}
	t.Cleanup(func() {
		for _, m := range mats {
			m.Close()
		}
	})
	return mats
}

func TestCameraSource_FeedsPoseThenFrame(t *testing.T) {
	cam := capture.NewMockCamera(solidMats(t, 3), false)
	f := &recordingFeeder{}
	src := NewCameraSource(cam, f, CameraSourceConfig{FPS: 200, Intrinsics: testIntrinsics})

	require.NoError(t, src.Run(context.Background()))

	calls := f.snapshot()
	require.Equal(t, []string{"intrinsics", "pose", "frame", "pose", "frame", "pose", "frame"}, kinds(calls))
	for i := 1; i < len(calls); i += 2 {
		assert.Equal(t, calls[i].ts, calls[i+1].ts, "pose and frame share a timestamp")
		assert.Equal(t, []float32{0, 0, 0}, calls[i].position)
	}

	frame := calls[2]
	assert.Equal(t, device.SupportedMode.Width, frame.width)
	assert.Equal(t, device.SupportedMode.Height, frame.height)
	require.Len(t, frame.pixels, frame.width*frame.height*3)
	assert.Equal(t, []byte{0, 0, 255}, frame.pixels[:3], "converted to RGB")

	assert.Equal(t, uint64(3), src.Fed())
	assert.Zero(t, src.Errors())
	assert.False(t, cam.IsOpen())
	assert.Equal(t, 200, cam.FPS())
}

func TestCameraSource_StopsOnCancel(t *testing.T) {
	cam := capture.NewMockCamera(solidMats(t, 1), true)
	src := NewCameraSource(cam, &recordingFeeder{}, CameraSourceConfig{FPS: 100})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Fed() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("camera source did not stop")
	}
	assert.False(t, cam.IsOpen())
}

func TestCameraSource_EmptyCameraCountsErrors(t *testing.T) {
	cam := capture.NewMockCamera(nil, false)
	src := NewCameraSource(cam, &recordingFeeder{}, CameraSourceConfig{FPS: 200})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, src.Run(ctx))

	assert.Zero(t, src.Fed())
	assert.NotZero(t, src.Errors())
}
