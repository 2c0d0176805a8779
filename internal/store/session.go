package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Session is one recording of ingested data.
type Session struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Intrinsics []float32  `json:"intrinsics"`
	FrameCount int        `json:"frameCount"`
	PoseCount  int        `json:"poseCount"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// Active reports whether the session is still being recorded.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// SessionRepository provides CRUD operations for sessions.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

// Create inserts a new session. An empty ID is replaced by a random UUID.
func (r *SessionRepository) Create(sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}

	intrinsics, err := encodeIntrinsics(sess.Intrinsics)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		`INSERT INTO sessions (id, name, intrinsics, frame_count, pose_count, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, intrinsics, sess.FrameCount, sess.PoseCount, sess.StartedAt, sess.EndedAt,
	)
	return errors.Wrap(err, "insert session")
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(id string) (*Session, error) {
	row := r.db.QueryRow(
		`SELECT id, name, intrinsics, frame_count, pose_count, started_at, ended_at
		 FROM sessions WHERE id = ?`,
		id,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// List retrieves all sessions, newest first.
func (r *SessionRepository) List() ([]*Session, error) {
	rows, err := r.db.Query(
		`SELECT id, name, intrinsics, frame_count, pose_count, started_at, ended_at
		 FROM sessions ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// SetIntrinsics replaces the intrinsics recorded for a session.
func (r *SessionRepository) SetIntrinsics(id string, values []float32) error {
	intrinsics, err := encodeIntrinsics(values)
	if err != nil {
		return err
	}
	result, err := r.db.Exec(`UPDATE sessions SET intrinsics = ? WHERE id = ?`, intrinsics, id)
	if err != nil {
		return errors.Wrap(err, "update intrinsics")
	}
	return checkAffected(result)
}

// Finish stamps the end time and refreshes the sample counts from the sample tables.
func (r *SessionRepository) Finish(id string) error {
	result, err := r.db.Exec(
		`UPDATE sessions SET
			ended_at = ?,
			frame_count = (SELECT COUNT(*) FROM session_frames WHERE session_id = ?),
			pose_count = (SELECT COUNT(*) FROM session_poses WHERE session_id = ?)
		 WHERE id = ?`,
		time.Now(), id, id, id,
	)
	if err != nil {
		return errors.Wrap(err, "finish session")
	}
	return checkAffected(result)
}

// Delete removes a session and all of its samples.
func (r *SessionRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete session")
	}
	return checkAffected(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var intrinsics string
	var ended sql.NullTime

	err := row.Scan(&sess.ID, &sess.Name, &intrinsics, &sess.FrameCount, &sess.PoseCount, &sess.StartedAt, &ended)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(intrinsics), &sess.Intrinsics); err != nil {
		return nil, errors.Wrapf(err, "decode intrinsics for session %s", sess.ID)
	}
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	return sess, nil
}

func encodeIntrinsics(values []float32) (string, error) {
	if values == nil {
		values = []float32{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", errors.Wrap(err, "encode intrinsics")
	}
	return string(data), nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
