// Package forensics implements diagcore's optional write-only Postgres
// sink, adapted from the teacher's pkg/database package (simple
// migration-on-boot pattern over database/sql + lib/pq), but scoped to
// append-only forensic capture rather than a full subscriber schema
// (spec.md SPEC_FULL §4.12).
package forensics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/qcsuper/diagcore/pkg/diag"
)

// Sink writes every classified packet, and select EFS2/log-mask events, to
// three append-only tables. It never reads back from the database to
// influence session behavior (spec.md SPEC_FULL §4.12).
type Sink struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS raw_frames (
	id BIGSERIAL PRIMARY KEY,
	captured_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	kind SMALLINT NOT NULL,
	opcode SMALLINT,
	log_code INTEGER,
	payload BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS efs2_commands (
	id BIGSERIAL PRIMARY KEY,
	issued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	subcommand SMALLINT NOT NULL,
	request BYTEA NOT NULL,
	response BYTEA,
	err TEXT
);
CREATE TABLE IF NOT EXISTS log_mask_changes (
	id BIGSERIAL PRIMARY KEY,
	changed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	equipment_id INTEGER NOT NULL,
	mask_bits INTEGER NOT NULL,
	enabled BOOLEAN NOT NULL
);
`

// Open connects to dsn, applies the forensic schema, and returns a ready Sink.
// Matching the teacher's optional-database bring-up, a failure here is
// meant to be logged and treated as "forensics disabled" by the caller
// rather than a fatal session error.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("forensics: opening database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("forensics: pinging database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("forensics: applying schema: %w", err)
	}

	return &Sink{db: db}, nil
}

// Observe implements diag.Sink: every classified packet is appended to
// raw_frames, best-effort (errors are swallowed rather than propagated,
// since forensic capture must never perturb live session behavior).
func (s *Sink) Observe(pkt diag.Packet) {
	switch pkt.Kind {
	case diag.KindResponse:
		_, _ = s.db.Exec(
			`INSERT INTO raw_frames (kind, opcode, payload) VALUES ($1, $2, $3)`,
			int(pkt.Kind), int(pkt.Opcode), pkt.Payload,
		)
	case diag.KindLog:
		_, _ = s.db.Exec(
			`INSERT INTO raw_frames (kind, log_code, payload) VALUES ($1, $2, $3)`,
			int(pkt.Kind), int(pkt.LogHeader.LogCode), pkt.LogBody,
		)
	case diag.KindMessage:
		_, _ = s.db.Exec(
			`INSERT INTO raw_frames (kind, opcode, payload) VALUES ($1, $2, $3)`,
			int(pkt.Kind), int(pkt.MessageOpcode), pkt.MessagePayload,
		)
	}
}

// RecordEFS2Command appends one EFS2 request/response pair.
func (s *Sink) RecordEFS2Command(subcommand int, request, response []byte, cmdErr error) {
	var errText sql.NullString
	if cmdErr != nil {
		errText = sql.NullString{String: cmdErr.Error(), Valid: true}
	}
	_, _ = s.db.Exec(
		`INSERT INTO efs2_commands (subcommand, request, response, err) VALUES ($1, $2, $3, $4)`,
		subcommand, request, response, errText,
	)
}

// RecordLogMaskChange appends one log-mask subscription change.
func (s *Sink) RecordLogMaskChange(equipmentID int, maskBits int, enabled bool) {
	_, _ = s.db.Exec(
		`INSERT INTO log_mask_changes (equipment_id, mask_bits, enabled) VALUES ($1, $2, $3)`,
		equipmentID, maskBits, enabled,
	)
}

// Close closes the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}
