// Package buffer holds the bounded frame and pose queues shared between the ingestion side and the
// camera/tracker delivery loops.
//
// The store has three independent lock domains: the frame queue, the pose queue and the cached
// intrinsics. No operation holds more than one of them at a time.
package buffer

import (
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/num/quat"

	"github.com/ayusman/quforia/internal/sensor"
)

// Queue bounds and the pose matching window.
const (
	// FrameCapacity is the maximum number of buffered frames.
	FrameCapacity = 3
	// PoseCapacity is the maximum number of buffered poses (about 3s at 30Hz).
	PoseCapacity = 90
	// MatchWindow is the exclusive upper bound on |pose.Timestamp - target| for NearestPose.
	MatchWindow = 50 * time.Millisecond
)

// Stats is a point-in-time copy of the store counters.
type Stats struct {
	FramesPushed  uint64 `json:"frames_pushed"`
	FramesEvicted uint64 `json:"frames_evicted"`
	PosesPushed   uint64 `json:"poses_pushed"`
	PosesEvicted  uint64 `json:"poses_evicted"`
	PosesMatched  uint64 `json:"poses_matched"`
	PosesMissed   uint64 `json:"poses_missed"`
}

// Store is the synchronized frame/pose buffer.
type Store struct {
	logger *zap.SugaredLogger

	frameMu sync.Mutex
	frames  []*sensor.Frame

	poseMu sync.Mutex
	poses  []*sensor.Pose

	intrinsicsMu  sync.Mutex
	intrinsics    sensor.Intrinsics
	intrinsicsSet bool

	framesPushed  atomic.Uint64
	framesEvicted atomic.Uint64
	posesPushed   atomic.Uint64
	posesEvicted  atomic.Uint64
	posesMatched  atomic.Uint64
	posesMissed   atomic.Uint64
}

// New creates an empty Store. A nil logger disables logging.
func New(logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		logger: logger,
		frames: make([]*sensor.Frame, 0, FrameCapacity+1),
		poses:  make([]*sensor.Pose, 0, PoseCapacity+1),
	}
}

// PushFrame copies pixels into a new immutable frame and enqueues it, evicting the oldest frame
// once the queue exceeds FrameCapacity. Cached intrinsics, once set, take priority over the
// supplied ones. A nil intrinsics pointer means none were supplied.
func (s *Store) PushFrame(pixels []byte, width, height int, timestamp int64, intrinsics *sensor.Intrinsics) {
	frame := &sensor.Frame{
		Pixels:    make([]byte, len(pixels)),
		Width:     width,
		Height:    height,
		Timestamp: timestamp,
	}
	copy(frame.Pixels, pixels)

	if cached, ok := s.Intrinsics(); ok {
		frame.Intrinsics = cached
	} else if intrinsics != nil {
		frame.Intrinsics = *intrinsics
	}

	s.frameMu.Lock()
	var evicted int
	s.frames, evicted = pushBounded(s.frames, frame, FrameCapacity)
	queued := len(s.frames)
	s.frameMu.Unlock()

	s.framesPushed.Inc()
	s.framesEvicted.Add(uint64(evicted))

	s.logger.Debugw("frame pushed", "width", width, "height", height, "timestamp", timestamp, "queued", queued)
}

// PushPose enqueues a new immutable pose, evicting the oldest pose once the queue exceeds
// PoseCapacity.
func (s *Store) PushPose(position r3.Vector, orientation quat.Number, timestamp int64) {
	pose := &sensor.Pose{
		Timestamp:   timestamp,
		Position:    position,
		Orientation: orientation,
	}

	s.poseMu.Lock()
	var evicted int
	s.poses, evicted = pushBounded(s.poses, pose, PoseCapacity)
	queued := len(s.poses)
	s.poseMu.Unlock()

	s.posesPushed.Inc()
	s.posesEvicted.Add(uint64(evicted))

	s.logger.Debugw("pose pushed",
		"x", position.X, "y", position.Y, "z", position.Z,
		"timestamp", timestamp, "queued", queued)
}

// LatestFrame returns the most recently pushed frame without removing it, or nil if the queue is
// empty. Frames only leave the queue through eviction.
func (s *Store) LatestFrame() *sensor.Frame {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// NearestPose returns the buffered pose whose timestamp is closest to target. It returns nil if
// the queue is empty or the closest pose is MatchWindow or further away. On ties the earliest
// inserted pose wins. The whole scan runs under the pose lock.
func (s *Store) NearestPose(target int64) *sensor.Pose {
	s.poseMu.Lock()
	var (
		best     *sensor.Pose
		bestDiff int64
	)
	for _, p := range s.poses {
		diff := p.Timestamp - target
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best = p
			bestDiff = diff
		}
	}
	s.poseMu.Unlock()

	if best == nil {
		s.posesMissed.Inc()
		s.logger.Debugw("pose queue is empty", "timestamp", target)
		return nil
	}
	if bestDiff >= int64(MatchWindow) {
		s.posesMissed.Inc()
		s.logger.Debugw("no matching pose", "timestamp", target, "closest_diff_ns", bestDiff)
		return nil
	}

	s.posesMatched.Inc()
	return best
}

// SetIntrinsics overwrites the cached intrinsics. Every frame pushed afterwards carries them,
// regardless of what it was pushed with.
func (s *Store) SetIntrinsics(in sensor.Intrinsics) {
	s.intrinsicsMu.Lock()
	s.intrinsics = in
	s.intrinsicsSet = true
	s.intrinsicsMu.Unlock()

	s.logger.Infow("camera intrinsics set",
		"fx", in.FocalLengthX, "fy", in.FocalLengthY,
		"cx", in.PrincipalPointX, "cy", in.PrincipalPointY)
}

// Intrinsics returns the cached intrinsics and whether they were ever set.
func (s *Store) Intrinsics() (sensor.Intrinsics, bool) {
	s.intrinsicsMu.Lock()
	defer s.intrinsicsMu.Unlock()
	return s.intrinsics, s.intrinsicsSet
}

// Frames returns a snapshot of the buffered frames, oldest first.
func (s *Store) Frames() []*sensor.Frame {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	out := make([]*sensor.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Poses returns a snapshot of the buffered poses, oldest first.
func (s *Store) Poses() []*sensor.Pose {
	s.poseMu.Lock()
	defer s.poseMu.Unlock()

	out := make([]*sensor.Pose, len(s.poses))
	copy(out, s.poses)
	return out
}

// FrameCount returns the number of buffered frames.
func (s *Store) FrameCount() int {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return len(s.frames)
}

// PoseCount returns the number of buffered poses.
func (s *Store) PoseCount() int {
	s.poseMu.Lock()
	defer s.poseMu.Unlock()
	return len(s.poses)
}

// Drain empties both queues. Records already handed out stay valid for their holders.
func (s *Store) Drain() {
	s.frameMu.Lock()
	s.frames = make([]*sensor.Frame, 0, FrameCapacity+1)
	s.frameMu.Unlock()

	s.poseMu.Lock()
	s.poses = make([]*sensor.Pose, 0, PoseCapacity+1)
	s.poseMu.Unlock()
}

// Stats returns the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		FramesPushed:  s.framesPushed.Load(),
		FramesEvicted: s.framesEvicted.Load(),
		PosesPushed:   s.posesPushed.Load(),
		PosesEvicted:  s.posesEvicted.Load(),
		PosesMatched:  s.posesMatched.Load(),
		PosesMissed:   s.posesMissed.Load(),
	}
}

// pushBounded appends item to q and evicts from the front until q holds at most limit items.
// Evicted slots are shifted out in place so the backing array never grows past limit+1.
func pushBounded[T any](q []*T, item *T, limit int) ([]*T, int) {
	q = append(q, item)
	if len(q) <= limit {
		return q, 0
	}

	evicted := len(q) - limit
	copy(q, q[evicted:])
	for i := limit; i < len(q); i++ {
		q[i] = nil
	}
	return q[:limit], evicted
}
