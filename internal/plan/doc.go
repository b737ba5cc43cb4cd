// Package plan 提供异步执行 JSON 计划的任务流水线：任务持久化、队列投递、
// 工作协程消费以及失败重试与告警。
package plan
