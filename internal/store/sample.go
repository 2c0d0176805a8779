package store

import (
	"database/sql"

	"github.com/pkg/errors"
)

// SampleKind distinguishes recorded poses from recorded frames.
type SampleKind int

// Sample kinds. Poses sort before frames on equal timestamps.
const (
	SampleKindPose SampleKind = iota
	SampleKindFrame
)

// PoseRecord is a recorded pose: position (x, y, z) and rotation (x, y, z, w).
type PoseRecord struct {
	Timestamp int64      `json:"timestamp"`
	Position  [3]float32 `json:"position"`
	Rotation  [4]float32 `json:"rotation"`
}

// FrameRecord is a recorded packed RGB888 frame.
type FrameRecord struct {
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Pixels    []byte `json:"-"`
}

// Sample is one recorded pose or frame in timestamp order.
type Sample struct {
	Kind  SampleKind
	Pose  *PoseRecord
	Frame *FrameRecord
}

// Timestamp returns the sample timestamp in nanoseconds.
func (s Sample) Timestamp() int64 {
	if s.Kind == SampleKindFrame {
		return s.Frame.Timestamp
	}
	return s.Pose.Timestamp
}

// SampleRepository stores and streams the poses and frames of sessions.
type SampleRepository struct {
	db *sql.DB
}

// Samples returns the sample repository for this store.
func (s *Store) Samples() *SampleRepository {
	return &SampleRepository{db: s.db}
}

// AddPose appends a pose to a session.
func (r *SampleRepository) AddPose(sessionID string, p PoseRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO session_poses (session_id, timestamp_ns, px, py, pz, qx, qy, qz, qw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, p.Timestamp,
		p.Position[0], p.Position[1], p.Position[2],
		p.Rotation[0], p.Rotation[1], p.Rotation[2], p.Rotation[3],
	)
	return errors.Wrap(err, "insert pose")
}

// AddFrame appends a frame to a session.
func (r *SampleRepository) AddFrame(sessionID string, f FrameRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO session_frames (session_id, timestamp_ns, width, height, pixels)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, f.Timestamp, f.Width, f.Height, f.Pixels,
	)
	return errors.Wrap(err, "insert frame")
}

// Poses returns all poses of a session ordered by timestamp.
func (r *SampleRepository) Poses(sessionID string) ([]PoseRecord, error) {
	rows, err := r.db.Query(
		`SELECT timestamp_ns, px, py, pz, qx, qy, qz, qw
		 FROM session_poses WHERE session_id = ? ORDER BY timestamp_ns, id`,
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query poses")
	}
	defer rows.Close()

	var poses []PoseRecord
	for rows.Next() {
		var p PoseRecord
		if err := rows.Scan(&p.Timestamp,
			&p.Position[0], &p.Position[1], &p.Position[2],
			&p.Rotation[0], &p.Rotation[1], &p.Rotation[2], &p.Rotation[3]); err != nil {
			return nil, err
		}
		poses = append(poses, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return poses, nil
}

// Each streams the session's poses and frames to fn in timestamp order, poses first on ties.
// Iteration stops at the first error fn returns.
func (r *SampleRepository) Each(sessionID string, fn func(Sample) error) error {
	rows, err := r.db.Query(
		`SELECT kind, timestamp_ns, px, py, pz, qx, qy, qz, qw, width, height, pixels FROM (
			SELECT 0 AS kind, id, timestamp_ns, px, py, pz, qx, qy, qz, qw,
				0 AS width, 0 AS height, NULL AS pixels
			FROM session_poses WHERE session_id = ?
			UNION ALL
			SELECT 1 AS kind, id, timestamp_ns, 0, 0, 0, 0, 0, 0, 0,
				width, height, pixels
			FROM session_frames WHERE session_id = ?
		) ORDER BY timestamp_ns, kind, id`,
		sessionID, sessionID,
	)
	if err != nil {
		return errors.Wrap(err, "query samples")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind   SampleKind
			ts     int64
			pos    [3]float32
			rot    [4]float32
			width  int
			height int
			pixels []byte
		)
		if err := rows.Scan(&kind, &ts,
			&pos[0], &pos[1], &pos[2],
			&rot[0], &rot[1], &rot[2], &rot[3],
			&width, &height, &pixels); err != nil {
			return err
		}

		s := Sample{Kind: kind}
		if kind == SampleKindFrame {
			s.Frame = &FrameRecord{Timestamp: ts, Width: width, Height: height, Pixels: pixels}
		} else {
			s.Pose = &PoseRecord{Timestamp: ts, Position: pos, Rotation: rot}
		}
		if err := fn(s); err != nil {
			return err
		}
	}

	return rows.Err()
}
