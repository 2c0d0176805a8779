package app

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/sensor"
	"github.com/ayusman/quforia/internal/store"
)

// ReplaySource feeds a recorded session back into the host with its original spacing. Each pass
// rebases timestamps onto the clock so they keep increasing across loops.
type ReplaySource struct {
	store     *store.Store
	sessionID string
	feeder    Feeder
	clock     clock.Clock
	logger    *zap.SugaredLogger
	loop      bool

	passes  atomic.Uint64
	samples atomic.Uint64
}

// ReplaySourceConfig configures a ReplaySource.
type ReplaySourceConfig struct {
	Session string
	// Loop restarts the session after its last sample.
	Loop   bool
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// NewReplaySource creates a source replaying a session from s into f.
func NewReplaySource(s *store.Store, f Feeder, cfg ReplaySourceConfig) *ReplaySource {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &ReplaySource{
		store:     s,
		sessionID: cfg.Session,
		feeder:    f,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("replay"),
		loop:      cfg.Loop,
	}
}

// Passes returns the number of completed passes over the session.
func (r *ReplaySource) Passes() uint64 { return r.passes.Load() }

// Samples returns the number of samples fed so far.
func (r *ReplaySource) Samples() uint64 { return r.samples.Load() }

// Run replays the session once, or until ctx is done when looping.
func (r *ReplaySource) Run(ctx context.Context) error {
	sess, err := r.store.Sessions().GetByID(r.sessionID)
	if err != nil {
		return errors.Wrapf(err, "replay session %q", r.sessionID)
	}
	if len(sess.Intrinsics) >= sensor.MinIntrinsicsLen {
		if err := r.feeder.SetIntrinsics(sess.Intrinsics); err != nil {
			return errors.Wrap(err, "set intrinsics")
		}
	}

	r.logger.Infow("replay started", "session", sess.ID, "name", sess.Name,
		"frames", sess.FrameCount, "poses", sess.PoseCount, "loop", r.loop)
	for {
		fed, err := r.pass(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		r.passes.Inc()
		if !r.loop {
			r.logger.Infow("replay finished", "session", sess.ID, "samples", r.samples.Load())
			return nil
		}
		if fed == 0 {
			return errors.Errorf("replay session %q has no samples", sess.ID)
		}
	}
}

// pass feeds every sample once and returns how many were fed.
func (r *ReplaySource) pass(ctx context.Context) (int, error) {
	var (
		first int64
		start = r.clock.Now()
		fed   int
	)
	err := r.store.Samples().Each(r.sessionID, func(s store.Sample) error {
		ts := s.Timestamp()
		if fed == 0 {
			first = ts
		}
		offset := ts - first
		if !r.waitUntil(ctx, start.UnixNano()+offset) {
			return ctx.Err()
		}

		rebased := start.UnixNano() + offset
		var err error
		switch s.Kind {
		case store.SampleKindPose:
			err = r.feeder.FeedPose(s.Pose.Position[:], s.Pose.Rotation[:], rebased)
		case store.SampleKindFrame:
			err = r.feeder.FeedFrame(s.Frame.Pixels, s.Frame.Width, s.Frame.Height, nil, rebased)
		}
		if err != nil {
			r.logger.Warnw("sample rejected", "kind", s.Kind, "timestamp", ts, "error", err)
		}
		fed++
		r.samples.Inc()
		return nil
	})
	return fed, err
}

// waitUntil blocks until the clock reaches deadline (unix nanoseconds). It returns false if ctx
// is done first.
func (r *ReplaySource) waitUntil(ctx context.Context, deadline int64) bool {
	d := deadline - r.clock.Now().UnixNano()
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := r.clock.Timer(time.Duration(d))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
