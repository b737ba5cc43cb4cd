// Package api 暴露 HTTP 接口：健康检查、工具重载、消息处理、异步计划任务、
// Prometheus 指标以及提供 execute_plan 工具的 MCP 端点。
package api
