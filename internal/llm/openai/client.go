package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mcp-agent-worker/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 120 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的 chat completions 接口，支持工具调用。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Model 返回客户端使用的模型名称。
func (c *Client) Model() string { return c.model }

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Chat 发送完整的会话历史并返回助手消息。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Message, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}
	return decodeMessage(decoded.Choices[0].Message)
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	body := chatRequest{
		Model:       c.model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: c.temperature,
	}
	for _, msg := range req.Messages {
		wire, err := encodeMessage(msg)
		if err != nil {
			return nil, err
		}
		body.Messages = append(body.Messages, wire)
	}
	if len(req.Tools) > 0 {
		for _, tool := range req.Tools {
			params := tool.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			body.Tools = append(body.Tools, wireTool{
				Type:     "function",
				Function: wireFunction{Name: tool.Name, Description: tool.Description, Parameters: params},
			})
		}
		if req.ToolChoice != "" {
			body.ToolChoice = string(req.ToolChoice)
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

func encodeMessage(msg llm.Message) (wireMessage, error) {
	content := msg.Content
	wire := wireMessage{Role: string(msg.Role), Content: &content, ToolCallID: msg.ToolCallID}
	if msg.Role != llm.RoleAssistant || len(msg.ToolCalls) == 0 {
		return wire, nil
	}
	if content == "" {
		wire.Content = nil
	}
	for _, call := range msg.ToolCalls {
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return wireMessage{}, fmt.Errorf("序列化工具参数失败 (%s): %w", call.Name, err)
		}
		wire.ToolCalls = append(wire.ToolCalls, wireToolCall{
			ID:       call.ID,
			Type:     "function",
			Function: wireFunctionCall{Name: call.Name, Arguments: string(raw)},
		})
	}
	return wire, nil
}

func decodeMessage(wire wireMessage) (*llm.Message, error) {
	msg := &llm.Message{Role: llm.RoleAssistant, CreatedAt: time.Now().UTC()}
	if wire.Content != nil {
		msg.Content = strings.TrimSpace(*wire.Content)
	}
	for _, call := range wire.ToolCalls {
		tc := llm.ToolCall{ID: call.ID, Name: call.Function.Name}
		raw := strings.TrimSpace(call.Function.Arguments)
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &tc.Arguments); err != nil {
				tc.ArgumentsError = fmt.Sprintf("arguments are not a JSON object: %v", err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, errors.New("OpenAI 响应内容为空")
	}
	return msg, nil
}
