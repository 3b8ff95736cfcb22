package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/glebarez/go-sqlite" // pure-Go sqlite driver registered as "sqlite"
)

// Entry is one row of the submission journal.
type Entry struct {
	ID        int64
	RunID     string
	Loop      string // "keeper" or "feeder"
	Op        string
	Item      string // order/position id or symbol
	Nonce     uint64
	GasPrice  string
	TxHash    string
	Outcome   string // "ok" or the error class
	Action    string // what the loop did about it
	Reason    string
	CreatedAt time.Time
}

// Journal appends every submission attempt to sqlite so operators can audit what was sent.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path and ensures the schema exists.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// sqlite allows a single writer; keep database/sql from opening more
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	createSubmissionsSQL := `
	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		loop TEXT NOT NULL,
		op TEXT NOT NULL,
		item TEXT NOT NULL,
		nonce INTEGER NOT NULL,
		gas_price TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createSubmissionsSQL); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_submissions_loop ON submissions (loop, created_at);`); err != nil {
		return err
	}

	createMetadataSQL := `
	CREATE TABLE IF NOT EXISTS agent_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(createMetadataSQL); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO agent_metadata (key, value) VALUES ('run_counter', '0');`)
	return err
}

// Record appends e; CreatedAt defaults to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	query := `
	INSERT INTO submissions (run_id, loop, op, item, nonce, gas_price, tx_hash, outcome, action, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query,
		e.RunID, e.Loop, e.Op, e.Item, int64(e.Nonce), e.GasPrice, e.TxHash,
		e.Outcome, e.Action, e.Reason, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s %s: %w", e.Op, e.Item, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty loop matches both loops.
func (j *Journal) Recent(ctx context.Context, loop string, limit int) ([]Entry, error) {
	query := `
	SELECT id, run_id, loop, op, item, nonce, gas_price, tx_hash, outcome, action, reason, created_at
	FROM submissions
	WHERE (? = '' OR loop = ?)
	ORDER BY id DESC
	LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, loop, loop, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			nonce int64
			ms    int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Loop, &e.Op, &e.Item, &nonce, &e.GasPrice,
			&e.TxHash, &e.Outcome, &e.Action, &e.Reason, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan submission row: %w", err)
		}
		e.Nonce = uint64(nonce)
		e.CreatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// OutcomeCounts groups the journal of loop by outcome.
func (j *Journal) OutcomeCounts(ctx context.Context, loop string) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM submissions WHERE loop = ? GROUP BY outcome`, loop)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

// NextRunNumber atomically increments and returns the process start counter.
func (j *Journal) NextRunNumber(ctx context.Context) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for run number: %w", err)
	}
	defer tx.Rollback()

	var counterStr string
	if err = tx.QueryRowContext(ctx, "SELECT value FROM agent_metadata WHERE key = 'run_counter'").Scan(&counterStr); err != nil {
		return 0, fmt.Errorf("failed to read run_counter: %w", err)
	}
	counter, err := strconv.ParseInt(counterStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse run_counter value '%s': %w", counterStr, err)
	}
	next := counter + 1
	if _, err = tx.ExecContext(ctx, "UPDATE agent_metadata SET value = ? WHERE key = 'run_counter'", strconv.FormatInt(next, 10)); err != nil {
		return 0, fmt.Errorf("failed to update run_counter: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run_counter transaction: %w", err)
	}
	return next, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
