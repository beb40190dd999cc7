package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
)

var rawColumns = []string{"job_id", "chunk", "seq", "line_offset", "tag", "fields"}

// copyRawRecords appends records with COPY. Rows are never updated.
func copyRawRecords(ctx context.Context, tx pgx.Tx, jobID string, records []core.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	pgID := ToPgUUID(jobID)
	src := pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
		r := records[i]
		return []any{pgID, int32(r.Chunk), int32(r.Seq), r.Offset, r.Tag, r.Fields}, nil
	})
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"import_raw_records"}, rawColumns, src)
	if err != nil {
		return fmt.Errorf("copy raw records: %w", err)
	}
	if n != int64(len(records)) {
		return fmt.Errorf("copy raw records: wrote %d of %d rows", n, len(records))
	}
	return nil
}

// ScanRawRecords streams a job's raw records in file order.
func (s *Store) ScanRawRecords(ctx context.Context, jobID string, fn func(core.RawRecord) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk, seq, line_offset, tag, fields
		FROM import_raw_records
		WHERE job_id = $1
		ORDER BY chunk, seq`, ToPgUUID(jobID))
	if err != nil {
		return fmt.Errorf("query raw records: %w", err)
	}
	defer rows.Close()

	var (
		chunk, seq pgtype.Int4
		rec        core.RawRecord
	)
	for rows.Next() {
		rec = core.RawRecord{JobID: jobID}
		if err := rows.Scan(&chunk, &seq, &rec.Offset, &rec.Tag, &rec.Fields); err != nil {
			return fmt.Errorf("scan raw record: %w", err)
		}
		rec.Chunk = int(chunk.Int32)
		rec.Seq = int(seq.Int32)
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read raw records: %w", err)
	}
	return nil
}
