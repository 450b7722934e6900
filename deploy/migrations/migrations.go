package migrations

import "embed"

// Files 包含死信存储的 SQL 迁移，文件名前缀为版本号。
//
//go:embed *.sql
var Files embed.FS
