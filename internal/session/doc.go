// Package session 保存每个会话线程的消息历史，并提供按线程串行化运行的锁。
package session
