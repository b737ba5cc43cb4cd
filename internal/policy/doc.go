// Package policy 解析用户角色、角色可用的工具以及角色的系统提示词，
// 并把角色策略与当前工具快照求交得到一次运行允许使用的工具集合。
package policy
