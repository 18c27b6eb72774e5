package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// JobLogRepo is the unbounded durable append log of job output lines. The
// bigserial id doubles as the line's sequence number, giving readers a stable
// resume cursor across processes.
type JobLogRepo struct {
	DB *sql.DB
}

// NewJobLogRepo creates a new JobLogRepo.
func NewJobLogRepo(db *sql.DB) *JobLogRepo {
	return &JobLogRepo{DB: db}
}

// AppendLines appends output lines for a job in order. The incoming Seq field
// is ignored; the database assigns it.
func (r *JobLogRepo) AppendLines(ctx context.Context, key string, lines []model.OutputLine) error {
	if len(lines) == 0 {
		return nil
	}

	// Multi-row insert keeps this a single round trip for the common
	// one-to-few lines per call.
	query := `INSERT INTO job_logs(job_key, ts, kind, content) VALUES `
	args := make([]any, 0, len(lines)*4)
	for i, line := range lines {
		if i > 0 {
			query += ", "
		}
		base := i * 4
		query += fmt.Sprintf("($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4)
		args = append(args, key, line.Timestamp.UTC(), line.Kind, line.Content)
	}

	if _, err := r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append job log lines: %w", err)
	}
	return nil
}

// LogsAfter returns up to limit lines for the job with sequence greater than
// afterSeq, in insertion order.
func (r *JobLogRepo) LogsAfter(ctx context.Context, key string, afterSeq int64, limit int) ([]model.OutputLine, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.DB.QueryContext(ctx, `
      SELECT id, ts, kind, content
      FROM job_logs
      WHERE job_key = $1 AND id > $2
      ORDER BY id ASC
      LIMIT $3
    `, key, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch job log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.OutputLine
	for rows.Next() {
		var line model.OutputLine
		if err := rows.Scan(&line.Seq, &line.Timestamp, &line.Kind, &line.Content); err != nil {
			return nil, fmt.Errorf("scan job log line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
