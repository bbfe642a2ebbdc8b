package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrorDump is the log-only view of an error chain. It never reaches clients.
type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`

	Chain []string `json:"chain,omitempty"`

	// Postgres (pgx or lib/pq).
	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGColumn     string `json:"pg_column,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
	PGMessage    string `json:"pg_message,omitempty"`

	// SQLite local mode.
	SQLiteCode         int `json:"sqlite_code,omitempty"`
	SQLiteExtendedCode int `json:"sqlite_extended_code,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	d.Retryable = Retryable(err)
	d.Chain = chain(err, nil, 0)

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		d.PGCode = pgxErr.Code
		d.PGConstraint = pgxErr.ConstraintName
		d.PGTable = pgxErr.TableName
		d.PGColumn = pgxErr.ColumnName
		d.PGDetail = pgxErr.Detail
		d.PGMessage = pgxErr.Message
		return d
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		d.PGCode = string(pqErr.Code)
		d.PGConstraint = pqErr.Constraint
		d.PGTable = pqErr.Table
		d.PGColumn = pqErr.Column
		d.PGDetail = pqErr.Detail
		d.PGMessage = pqErr.Message
		return d
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		d.SQLiteCode = int(liteErr.Code)
		d.SQLiteExtendedCode = int(liteErr.ExtendedCode)
	}
	return d
}

const maxChainDepth = 16

// chain lists err and everything it wraps, depth first. Joined errors
// (multierr, errors.Join) contribute every branch.
func chain(err error, out []string, depth int) []string {
	for err != nil && depth < maxChainDepth {
		out = append(out, fmt.Sprintf("%T: %v", err, err))
		depth++
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, branch := range joined.Unwrap() {
				out = chain(branch, out, depth)
			}
			return out
		}
		err = errors.Unwrap(err)
	}
	return out
}

// Fields flattens the dump for structured logging, skipping empty driver
// fields so a validation rejection does not log a wall of blank pg_* keys.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error":       d.TopMessage,
		"error_chain": d.Chain,
	}
	if d.Code != "" {
		fields["error_code"] = d.Code
		fields["retryable"] = d.Retryable
	}
	optional := map[string]string{
		"pg_code":       d.PGCode,
		"pg_constraint": d.PGConstraint,
		"pg_table":      d.PGTable,
		"pg_column":     d.PGColumn,
		"pg_detail":     d.PGDetail,
		"pg_message":    d.PGMessage,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	if d.SQLiteCode != 0 {
		fields["sqlite_code"] = d.SQLiteCode
		fields["sqlite_extended_code"] = d.SQLiteExtendedCode
	}
	return fields
}
