package diagnostics

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	_ "github.com/lib/pq"
)

// PostgresSink persists every Event into a durable audit table, for hosts
// that want queryable diagnostics history beyond the filesystem sink.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens a connection pool against dsn and ensures the
// target table exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS pathspace_remote_diagnostics (
	id BIGSERIAL PRIMARY KEY,
	alias TEXT NOT NULL,
	code TEXT NOT NULL,
	message TEXT NOT NULL,
	subject TEXT,
	audience TEXT,
	fingerprint TEXT,
	proof TEXT,
	unix_ms BIGINT NOT NULL,
	payload JSONB
)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresSink{db: db}, nil
}

func (p *PostgresSink) LogEvent(evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Error("diagnostics: postgres marshal failed", "alias", evt.Alias, "error", err)
		return
	}
	go func() {
		_, err := p.db.Exec(
			`INSERT INTO pathspace_remote_diagnostics
				(alias, code, message, subject, audience, fingerprint, proof, unix_ms, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			evt.Alias, evt.Code, evt.Message, evt.Subject, evt.Audience, evt.Fingerprint, evt.Proof, evt.UnixMs, payload,
		)
		if err != nil {
			slog.Error("diagnostics: postgres insert failed", "alias", evt.Alias, "error", err)
		}
	}()
}

// Close releases the underlying connection pool.
func (p *PostgresSink) Close() error {
	return p.db.Close()
}
