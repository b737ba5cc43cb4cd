// Package lifecycle 管理工具注册表的就绪状态：首次使用前懒加载，
// 并发调用只触发一次刷新，失败后下一次调用会重新尝试。
package lifecycle
