// Package worker 是对外入口与对话引擎之间的边界：解析角色、拼装前置提示、
// 驱动一次运行，并在失败时只上报一次详细错误，对终端用户返回通用致歉。
package worker
