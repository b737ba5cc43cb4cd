// Package agent 实现工具调用对话循环：把会话历史和角色允许的工具交给模型，
// 执行模型请求的工具并回填结果，直到模型给出最终答复或触发安全上限。
package agent
