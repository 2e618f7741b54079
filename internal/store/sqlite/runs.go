package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jokerjunya/ticket-get/internal/model"
)

const runColumns = `id, request_path, url, status, error, log_file, screenshot, resumed_from, dry_run, started_at, ended_at`

// SaveRun 写入或覆盖一条执行历史。
func (s *Store) SaveRun(ctx context.Context, r model.RunSummary) (model.RunSummary, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = r.StartedAt
	}
	dryRun := 0
	if r.DryRun {
		dryRun = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request_path = excluded.request_path,
			url = excluded.url,
			status = excluded.status,
			error = excluded.error,
			log_file = excluded.log_file,
			screenshot = excluded.screenshot,
			resumed_from = excluded.resumed_from,
			dry_run = excluded.dry_run,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, r.ID, r.RequestPath, r.URL, string(r.Status), r.Error, r.LogFile, r.Screenshot, r.ResumedFrom, dryRun, r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli())
	if err != nil {
		return model.RunSummary{}, err
	}
	return s.GetRun(ctx, r.ID)
}

func (s *Store) GetRun(ctx context.Context, id string) (model.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns 按开始时间倒序返回最近的执行，limit<=0 时返回全部。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (model.RunSummary, error) {
	var row struct {
		id          string
		requestPath string
		url         string
		status      string
		errMsg      string
		logFile     string
		screenshot  string
		resumedFrom string
		dryRun      int
		startedAt   int64
		endedAt     int64
	}
	if err := sc.Scan(&row.id, &row.requestPath, &row.url, &row.status, &row.errMsg, &row.logFile, &row.screenshot, &row.resumedFrom, &row.dryRun, &row.startedAt, &row.endedAt); err != nil {
		return model.RunSummary{}, err
	}
	return model.RunSummary{
		ID:          row.id,
		RequestPath: row.requestPath,
		URL:         row.url,
		Status:      model.RunStatus(row.status),
		Error:       row.errMsg,
		LogFile:     row.logFile,
		Screenshot:  row.screenshot,
		ResumedFrom: row.resumedFrom,
		DryRun:      row.dryRun == 1,
		StartedAt:   time.UnixMilli(row.startedAt),
		EndedAt:     time.UnixMilli(row.endedAt),
	}, nil
}
