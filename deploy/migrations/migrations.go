package migrations

import "embed"

// Files 暴露任务表的 SQL 迁移文件，供统一管理 schema 的部署工具
// 按文件名顺序执行。MySQLStore 自身也会在启动时建表，两者幂等。
//
//go:embed *.sql
var Files embed.FS
