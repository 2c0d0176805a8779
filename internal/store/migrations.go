package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Sessions table - one row per recording
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			intrinsics TEXT NOT NULL DEFAULT '[]',
			frame_count INTEGER NOT NULL DEFAULT 0,
			pose_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,

		// Session poses - device poses in the ingestion convention
		`CREATE TABLE IF NOT EXISTS session_poses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			timestamp_ns INTEGER NOT NULL,
			px REAL NOT NULL,
			py REAL NOT NULL,
			pz REAL NOT NULL,
			qx REAL NOT NULL,
			qy REAL NOT NULL,
			qz REAL NOT NULL,
			qw REAL NOT NULL
		)`,

		// Session frames - packed RGB888 pixels
		`CREATE TABLE IF NOT EXISTS session_frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			timestamp_ns INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			pixels BLOB NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_session_poses_session_ts ON session_poses(session_id, timestamp_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_session_frames_session_ts ON session_frames(session_id, timestamp_ns)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
