package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Vote is a reader's credibility feedback on a page.
type Vote string

const (
	VoteTrustworthy Vote = "trustworthy"
	VoteMisleading  Vote = "misleading"
	VoteNotSure     Vote = "not_sure"
)

// Valid reports whether v is one of the known votes.
func (v Vote) Valid() bool {
	switch v {
	case VoteTrustworthy, VoteMisleading, VoteNotSure:
		return true
	}
	return false
}

// VoteStore records feedback.
type VoteStore interface {
	Record(ctx context.Context, url string, vote Vote) (int64, error)
	Tally(ctx context.Context, url string) (map[Vote]int, error)
}

const votesSchema = `
CREATE TABLE IF NOT EXISTS votes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	url        TEXT NOT NULL,
	vote       TEXT NOT NULL CHECK (vote IN ('trustworthy', 'misleading', 'not_sure')),
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_votes_url ON votes(url);
`

// SQLiteVotes keeps votes in a SQLite database.
type SQLiteVotes struct {
	db  *sql.DB
	now func() time.Time
}

// OpenVotes opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for a throwaway store.
func OpenVotes(path string) (*SQLiteVotes, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open votes db: %w", err)
	}
	if path == ":memory:" {
		// each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(votesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create votes schema: %w", err)
	}
	return &SQLiteVotes{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *SQLiteVotes) Close() error {
	return s.db.Close()
}

func (s *SQLiteVotes) Record(ctx context.Context, url string, vote Vote) (int64, error) {
	if !vote.Valid() {
		return 0, fmt.Errorf("invalid vote %q", vote)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (url, vote, created_at) VALUES (?, ?, ?)`,
		url, string(vote), s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert vote: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteVotes) Tally(ctx context.Context, url string) (map[Vote]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vote, COUNT(*) FROM votes WHERE url = ? GROUP BY vote`, url)
	if err != nil {
		return nil, fmt.Errorf("tally votes: %w", err)
	}
	defer rows.Close()
	out := map[Vote]int{}
	for rows.Next() {
		var v string
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, err
		}
		out[Vote(v)] = n
	}
	return out, rows.Err()
}
