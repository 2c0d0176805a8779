package store

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// frameQueueDepth bounds the frames waiting to be written for a session.
const frameQueueDepth = 8

// Recorder writes ingested samples into the active session. It satisfies the host's ingestion
// observer so it can be attached to a running host. Frames are written by a per-session writer
// goroutine; when its queue is full new frames are dropped and counted.
type Recorder struct {
	store      *Store
	logger     *zap.SugaredLogger
	frameEvery int
	addFrame   func(sessionID string, f FrameRecord) error

	mu      sync.Mutex
	session *Session
	frames  int
	queue   chan FrameRecord
	writer  chan struct{}

	errors  atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder creates an idle recorder. frameEvery keeps one frame out of every N; values
// below 1 keep every frame.
func NewRecorder(s *Store, frameEvery int, logger *zap.SugaredLogger) *Recorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if frameEvery < 1 {
		frameEvery = 1
	}
	return &Recorder{
		store:      s,
		logger:     logger.Named("recorder"),
		frameEvery: frameEvery,
		addFrame:   s.Samples().AddFrame,
	}
}

// Begin starts a new session, finishing the current one first. The returned session is a copy.
func (r *Recorder) Begin(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.finishLocked(); err != nil {
		return nil, err
	}

	sess := &Session{Name: name}
	if err := r.store.Sessions().Create(sess); err != nil {
		return nil, err
	}
	r.session = sess
	r.frames = 0
	r.queue = make(chan FrameRecord, frameQueueDepth)
	r.writer = make(chan struct{})
	go r.writeFrames(sess.ID, r.queue, r.writer)
	r.logger.Infow("recording started", "session", sess.ID, "name", name)
	out := *sess
	return &out, nil
}

// End finishes the current session. Ending an idle recorder is a no-op.
func (r *Recorder) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishLocked()
}

func (r *Recorder) finishLocked() error {
	if r.session == nil {
		return nil
	}
	id := r.session.ID
	r.session = nil
	close(r.queue)
	<-r.writer
	r.queue, r.writer = nil, nil
	if err := r.store.Sessions().Finish(id); err != nil {
		return err
	}
	r.logger.Infow("recording finished", "session", id)
	return nil
}

// Active returns the session being recorded, or nil.
func (r *Recorder) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	sess := *r.session
	return &sess
}

// Errors returns the number of samples that failed to record.
func (r *Recorder) Errors() uint64 {
	return r.errors.Load()
}

// Dropped returns the number of frames skipped because the write queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// ObserveIntrinsics records intrinsics on the active session.
func (r *Recorder) ObserveIntrinsics(values []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return
	}
	r.session.Intrinsics = append([]float32(nil), values...)
	if err := r.store.Sessions().SetIntrinsics(r.session.ID, values); err != nil {
		r.fail("intrinsics", r.session.ID, err)
	}
}

// ObservePose records a pose on the active session.
func (r *Recorder) ObservePose(position [3]float32, rotation [4]float32, timestamp int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return
	}
	rec := PoseRecord{Timestamp: timestamp, Position: position, Rotation: rotation}
	if err := r.store.Samples().AddPose(r.session.ID, rec); err != nil {
		r.fail("pose", r.session.ID, err)
	}
}

// ObserveFrame queues every frameEvery-th frame for the active session. The pixels are copied,
// so the caller keeps ownership of its buffer.
func (r *Recorder) ObserveFrame(pixels []byte, width, height int, timestamp int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return
	}
	r.frames++
	if (r.frames-1)%r.frameEvery != 0 {
		return
	}
	rec := FrameRecord{
		Timestamp: timestamp,
		Width:     width,
		Height:    height,
		Pixels:    append([]byte(nil), pixels...),
	}
	select {
	case r.queue <- rec:
	default:
		n := r.dropped.Inc()
		r.logger.Warnw("frame queue full, dropping frame", "session", r.session.ID, "timestamp", timestamp, "dropped", n)
	}
}

// writeFrames drains queue into sessionID until the queue is closed.
func (r *Recorder) writeFrames(sessionID string, queue <-chan FrameRecord, done chan<- struct{}) {
	defer close(done)
	for rec := range queue {
		if err := r.addFrame(sessionID, rec); err != nil {
			r.fail("frame", sessionID, err)
		}
	}
}

func (r *Recorder) fail(kind, sessionID string, err error) {
	n := r.errors.Inc()
	r.logger.Errorw("failed to record sample", "kind", kind, "session", sessionID, "error", err, "failures", n)
}
