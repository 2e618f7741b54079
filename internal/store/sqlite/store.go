// Package sqlite 保存执行历史与批量调度任务。
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	path string
}

// Open 打开（必要时创建）数据库并执行迁移。path 为 ":memory:" 时使用内存库。
func Open(ctx context.Context, path string) (*Store, error) {
	if !isMemory(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 调度时多个协程共用一个 Store，统一走单连接，内存库也只有这一份。
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	pragmas := []string{"busy_timeout = 5000", "synchronous = NORMAL"}
	if !isMemory(path) {
		pragmas = append(pragmas, "journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, "PRAGMA "+p); err != nil {
			_ = db.Close()
			name, _, _ := strings.Cut(p, " ")
			return nil, fmt.Errorf("sqlite pragma %s: %w", name, err)
		}
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
