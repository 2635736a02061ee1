// Package storage 定义流水线运行记录及其存储接口。FileRunRepository 以
// JSON Lines 文件保存记录，MySQL 实现见子包 mysql。
package storage

import "context"

// RunRecord 记录一次流水线运行的结果。
type RunRecord struct {
	ID         string   `json:"id"`
	Worker     string   `json:"worker"`
	Owner      string   `json:"owner"`
	Burner     string   `json:"burner,omitempty"`
	Tokens     []string `json:"tokens,omitempty"`
	TxHashes   []string `json:"tx_hashes,omitempty"`
	State      string   `json:"state"`
	Stage      string   `json:"stage,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

// RunRepository 抽象运行记录的持久化。
type RunRepository interface {
	Save(ctx context.Context, record RunRecord) error
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}
