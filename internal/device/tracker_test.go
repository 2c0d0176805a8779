package device

import (
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/quforia/internal/buffer"
	"github.com/ayusman/quforia/internal/sensor"
)

type poseRecorder struct {
	mu    sync.Mutex
	poses []*Pose
}

func (r *poseRecorder) OnNewPose(pose *Pose) {
	r.mu.Lock()
	r.poses = append(r.poses, pose)
	r.mu.Unlock()
}

func (r *poseRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.poses)
}

func (r *poseRecorder) last() *Pose {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.poses) == 0 {
		return nil
	}
	return r.poses[len(r.poses)-1]
}

type anchorRecorder struct {
	calls int
}

func (a *anchorRecorder) OnNewAnchor(string, *Pose) { a.calls++ }

func startedTracker(t *testing.T, store *buffer.Store) (*ExternalTracker, *poseRecorder) {
	t.Helper()
	tr := NewTracker(store, store, Config{})
	require.NoError(t, tr.Open())
	rec := &poseRecorder{}
	require.NoError(t, tr.Start(rec, nil))
	t.Cleanup(func() { tr.Close() })
	return tr, rec
}

func TestTracker_Lifecycle(t *testing.T) {
	store := buffer.New(nil)
	tr := NewTracker(store, store, Config{})
	assert.Equal(t, StateClosed, tr.State())

	err := tr.Start(&poseRecorder{}, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, tr.Open())
	require.NoError(t, tr.Open())
	assert.Equal(t, StateOpen, tr.State())

	assert.ErrorIs(t, tr.Start(nil, nil), ErrInvalidArgument)
	assert.Equal(t, StateOpen, tr.State())
	assert.ErrorIs(t, tr.Start(PoseCallbackFunc(nil), nil), ErrInvalidArgument)
	assert.Equal(t, StateOpen, tr.State())

	require.NoError(t, tr.Start(&poseRecorder{}, &anchorRecorder{}))
	require.NoError(t, tr.Start(&poseRecorder{}, nil))
	assert.Equal(t, StateRunning, tr.State())

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	assert.Equal(t, StateOpen, tr.State())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
}

func TestTracker_CloseWhileRunning(t *testing.T) {
	store := buffer.New(nil)
	tr := NewTracker(store, store, Config{})
	require.NoError(t, tr.Open())
	require.NoError(t, tr.Start(&poseRecorder{}, nil))

	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
}

func TestTracker_DeliversOncePerFrameTimestamp(t *testing.T) {
	store := buffer.New(nil)
	store.PushPose(r3.Vector{X: 1, Y: 2, Z: 3}, sensor.IdentityQuaternion, 1000)
	pushTestFrame(store, 1000)

	tr, rec := startedTracker(t, store)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	// Several poll intervals with the same frame produce no duplicates.
	time.Sleep(5 * PollInterval)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, uint64(1), tr.Delivered())

	ts, ok := tr.LastTimestamp()
	assert.True(t, ok)
	assert.Equal(t, int64(1000), ts)

	store.PushPose(r3.Vector{}, sensor.IdentityQuaternion, 2000)
	pushTestFrame(store, 2000)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2000), rec.last().Timestamp)
}

func TestTracker_PoseDescriptor(t *testing.T) {
	store := buffer.New(nil)
	// The pose is 5ms older than the frame; the descriptor carries the frame timestamp.
	store.PushPose(r3.Vector{X: 1, Y: 2, Z: 3}, sensor.IdentityQuaternion, 95_000_000)
	pushTestFrame(store, 100_000_000)

	_, rec := startedTracker(t, store)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	p := rec.last()
	assert.Equal(t, int64(100_000_000), p.Timestamp)
	assert.Equal(t, [3]float64{1, -2, -3}, p.Translation)
	assert.Equal(t, [9]float64{1, 0, 0, 0, -1, 0, 0, 0, -1}, p.Rotation)
	assert.Equal(t, PoseReasonValid, p.Reason)
	assert.Equal(t, PoseCoordSystemCamera, p.CoordinateSystem)
	assert.Equal(t, PoseValidityValid, p.Validity)
}

func TestTracker_NoPoseWithinWindow(t *testing.T) {
	store := buffer.New(nil)
	store.PushPose(r3.Vector{}, sensor.IdentityQuaternion, 0)
	pushTestFrame(store, int64(buffer.MatchWindow))

	tr, rec := startedTracker(t, store)
	time.Sleep(5 * PollInterval)
	assert.Zero(t, rec.count())

	_, ok := tr.LastTimestamp()
	assert.False(t, ok)

	// A late pose for the same frame is still picked up.
	store.PushPose(r3.Vector{}, sensor.IdentityQuaternion, int64(buffer.MatchWindow))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTracker_NoFrames(t *testing.T) {
	store := buffer.New(nil)
	store.PushPose(r3.Vector{}, sensor.IdentityQuaternion, 1)

	_, rec := startedTracker(t, store)
	time.Sleep(5 * PollInterval)
	assert.Zero(t, rec.count())
}

func TestTracker_ResetTrackingRedelivers(t *testing.T) {
	store := buffer.New(nil)
	store.PushPose(r3.Vector{}, sensor.IdentityQuaternion, 500)
	pushTestFrame(store, 500)

	tr, rec := startedTracker(t, store)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.ResetTracking())
	assert.Equal(t, StateRunning, tr.State())
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(500), rec.last().Timestamp)
}

func TestTracker_ResetTrackingWhenStopped(t *testing.T) {
	store := buffer.New(nil)
	tr := NewTracker(store, store, Config{})
	require.NoError(t, tr.ResetTracking())
	assert.Equal(t, StateClosed, tr.State())
}

func TestTracker_AnchorCallbackNeverCalled(t *testing.T) {
	store := buffer.New(nil)
	store.PushPose(r3.Vector{}, sensor.IdentityQuaternion, 1)
	pushTestFrame(store, 1)

	tr := NewTracker(store, store, Config{})
	require.NoError(t, tr.Open())
	anchors := &anchorRecorder{}
	rec := &poseRecorder{}
	require.NoError(t, tr.Start(rec, anchors))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Close())

	assert.Zero(t, anchors.calls)
}

func TestTracker_NoDeliveriesAfterStop(t *testing.T) {
	store := buffer.New(nil)
	tr, rec := startedTracker(t, store)
	require.NoError(t, tr.Stop())

	store.PushPose(r3.Vector{}, sensor.IdentityQuaternion, 7)
	pushTestFrame(store, 7)
	time.Sleep(5 * PollInterval)
	assert.Zero(t, rec.count())
}
