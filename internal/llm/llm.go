package llm

import (
	"context"
	"time"
)

// Role 表示消息在对话中的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolChoice 控制模型是否必须调用工具。
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// Message 是会话历史中的一条消息，追加后不可修改。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// IsError 仅对 role=tool 有意义，标记工具调用失败。
	IsError      bool      `json:"is_error,omitempty"`
	AuthorRole   string    `json:"author_role,omitempty"`
	AuthorUserID string    `json:"author_user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolCall 是模型在一次回复中发出的工具调用请求。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	// ArgumentsError 记录模型给出的参数无法解析时的原因。
	ArgumentsError string `json:"arguments_error,omitempty"`
}

// ToolResult 是某个工具调用请求的执行结果。
type ToolResult struct {
	CallID  string
	Content string
	Success bool
}

// Message 将工具结果转换为 role=tool 的历史消息。
func (r ToolResult) Message() Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Content,
		ToolCallID: r.CallID,
		IsError:    !r.Success,
		CreatedAt:  time.Now().UTC(),
	}
}

// ToolSchema 描述提供给模型的工具定义。
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 是一次推理调用的输入。Tools 为空时不向模型绑定任何工具。
type Request struct {
	Messages   []Message
	Tools      []ToolSchema
	ToolChoice ToolChoice
}

// Client 定义了调用推理服务的统一接口。
type Client interface {
	Chat(ctx context.Context, req Request) (*Message, error)
}

// HasToolCalls 判断助手消息是否请求了工具调用。
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}
