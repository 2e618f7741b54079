package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jokerjunya/ticket-get/internal/model"
)

const jobColumns = `id, request_path, sale_start_ms, state, pid, exit_code, error, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, j model.Job) (model.Job, error) {
	if strings.TrimSpace(j.RequestPath) == "" {
		return model.Job{}, errors.New("requestPath is required")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.State == "" {
		j.State = model.JobPending
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.RequestPath, j.SaleStartMs, string(j.State), j.PID, j.ExitCode, j.Error, j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli())
	if err != nil {
		return model.Job{}, err
	}
	return s.GetJob(ctx, j.ID)
}

// UpdateJob 更新状态、进程号、退出码和错误信息。
func (s *Store) UpdateJob(ctx context.Context, j model.Job) (model.Job, error) {
	j.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, pid = ?, exit_code = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(j.State), j.PID, j.ExitCode, j.Error, j.UpdatedAt.UnixMilli(), j.ID)
	if err != nil {
		return model.Job{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Job{}, errors.New("job not found")
	}
	return s.GetJob(ctx, j.ID)
}

func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *Store) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs ORDER BY sale_start_ms ASC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanJob(sc rowScanner) (model.Job, error) {
	var row struct {
		id          string
		requestPath string
		saleStartMs int64
		state       string
		pid         int
		exitCode    int
		errMsg      string
		createdAt   int64
		updatedAt   int64
	}
	if err := sc.Scan(&row.id, &row.requestPath, &row.saleStartMs, &row.state, &row.pid, &row.exitCode, &row.errMsg, &row.createdAt, &row.updatedAt); err != nil {
		return model.Job{}, err
	}
	return model.Job{
		ID:          row.id,
		RequestPath: row.requestPath,
		SaleStartMs: row.saleStartMs,
		State:       model.JobState(row.state),
		PID:         row.pid,
		ExitCode:    row.exitCode,
		Error:       row.errMsg,
		CreatedAt:   time.UnixMilli(row.createdAt),
		UpdatedAt:   time.UnixMilli(row.updatedAt),
	}, nil
}
