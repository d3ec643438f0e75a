package db

import "github.com/jmoiron/sqlx"

// Pool carries separate reader and writer connections to the hub's
// relational database.
//
// SQLite in WAL mode wants exactly one writing connection (anything else
// trades deadlock risk for SQLITE_BUSY churn) while reads can fan out over
// several read-only connections against WAL snapshots. PostgreSQL needs no
// such split, so both sides hold the same *sqlx.DB there.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps writer and reader connections. Passing the same *sqlx.DB on
// both sides is allowed.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the underlying driver ("sqlite3" or "pgx").
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both pools, tolerating the shared-handle case.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
