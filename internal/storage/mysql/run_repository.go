package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/storage"
)

// SQLRunRepository 使用 MySQL 存储运行记录。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 建立连接池并执行迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRunRepository{db: db}, nil
}

const upsertRunSQL = `INSERT INTO guardian_runs
    (id, worker, owner, burner, tokens, tx_hashes, state, stage, reason, started_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE burner = VALUES(burner), tokens = VALUES(tokens), tx_hashes = VALUES(tx_hashes),
    state = VALUES(state), stage = VALUES(stage), reason = VALUES(reason), finished_at = VALUES(finished_at)`

const selectRunsSQL = `SELECT id, worker, owner, burner, tokens, tx_hashes, state, stage, reason, started_at, finished_at
    FROM guardian_runs ORDER BY started_at DESC, id DESC LIMIT ?`

// Save 写入或更新一条运行记录。
func (s *SQLRunRepository) Save(ctx context.Context, record storage.RunRecord) error {
	tokens, err := encodeList(record.Tokens)
	if err != nil {
		return err
	}
	hashes, err := encodeList(record.TxHashes)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertRunSQL,
		record.ID,
		record.Worker,
		record.Owner,
		record.Burner,
		tokens,
		hashes,
		record.State,
		record.Stage,
		record.Reason,
		record.StartedAt,
		record.FinishedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// ListLatest 查询最近的运行记录。
func (s *SQLRunRepository) ListLatest(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectRunsSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	defer rows.Close()

	var records []storage.RunRecord
	for rows.Next() {
		var (
			record         storage.RunRecord
			tokens, hashes string
		)
		if err := rows.Scan(&record.ID, &record.Worker, &record.Owner, &record.Burner, &tokens, &hashes,
			&record.State, &record.Stage, &record.Reason, &record.StartedAt, &record.FinishedAt); err != nil {
			return nil, fmt.Errorf("解析运行记录失败: %w", err)
		}
		if record.Tokens, err = decodeList(tokens); err != nil {
			return nil, err
		}
		if record.TxHashes, err = decodeList(hashes); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历运行记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ storage.RunRepository = (*SQLRunRepository)(nil)

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("序列化列表失败: %w", err)
	}
	return string(data), nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("解析列表失败: %w", err)
	}
	return values, nil
}
