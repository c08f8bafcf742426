// Package store provides SQLite-backed persistence for learner states,
// LO mastery, the enriched event log, and training trajectories.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the pipeline database. Writers to the same (learner, module)
// pair are serialized by a per-key lock; writers to different pairs proceed in
// parallel and readers always observe a consistent row.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
}

type pairKey struct {
	learnerID int
	moduleID  int
}

const schema = `
CREATE TABLE IF NOT EXISTS states_current (
	learner_id INTEGER NOT NULL,
	module_id INTEGER NOT NULL,
	cluster INTEGER NOT NULL,
	module_idx INTEGER NOT NULL,
	progress_bin REAL NOT NULL,
	score_bin REAL NOT NULL,
	phase INTEGER NOT NULL,
	engagement INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	write_ts INTEGER NOT NULL,
	PRIMARY KEY (learner_id, module_id)
);

CREATE TABLE IF NOT EXISTS states_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	learner_id INTEGER NOT NULL,
	module_id INTEGER NOT NULL,
	cluster INTEGER NOT NULL,
	module_idx INTEGER NOT NULL,
	progress_bin REAL NOT NULL,
	score_bin REAL NOT NULL,
	phase INTEGER NOT NULL,
	engagement INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	write_ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lo_mastery (
	learner_id INTEGER NOT NULL,
	lo_id TEXT NOT NULL,
	mastery REAL NOT NULL,
	updated_ts INTEGER NOT NULL,
	PRIMARY KEY (learner_id, lo_id)
);

CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	learner_id INTEGER NOT NULL,
	module_id INTEGER,
	course_id INTEGER NOT NULL,
	action TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	score REAL,
	progress REAL,
	time_spent INTEGER NOT NULL DEFAULT 0,
	success INTEGER
);

CREATE TABLE IF NOT EXISTS trajectories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	episode INTEGER NOT NULL,
	step INTEGER NOT NULL,
	state_key TEXT NOT NULL,
	action TEXT NOT NULL,
	reward REAL NOT NULL,
	next_state_key TEXT NOT NULL,
	terminal INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_event_log_identity
	ON event_log(learner_id, IFNULL(module_id, -1), course_id, action, timestamp);
CREATE INDEX IF NOT EXISTS idx_states_history_pair ON states_history(learner_id, module_id, write_ts);
CREATE INDEX IF NOT EXISTS idx_states_current_learner ON states_current(learner_id);
CREATE INDEX IF NOT EXISTS idx_event_log_pair ON event_log(learner_id, module_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trajectories_run ON trajectories(run_id, episode, step);
`

// Open creates or opens the pipeline database at the given path and ensures
// the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db, locks: make(map[pairKey]*sync.Mutex)}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// pairLock returns the mutex serializing writers of one (learner, module).
func (s *Store) pairLock(learnerID, moduleID int) *sync.Mutex {
	key := pairKey{learnerID, moduleID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}
