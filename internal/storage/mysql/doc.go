// Package mysql 提供基于 MySQL 的会话历史、线程锁、角色策略与计划任务存储，
// 并在打开连接时执行 deploy/migrations 中的结构迁移。
package mysql
