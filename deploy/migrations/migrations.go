package migrations

import "embed"

// Files 暴露运行记录表的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
