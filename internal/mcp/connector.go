package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"mcp-agent-worker/internal/catalog"
	"mcp-agent-worker/internal/registry"
)

// transportBuilder is overridden in tests to stub the transport factory.
var transportBuilder = buildTransport

// Connector 为每个工具组建立 MCP 客户端会话，实现 registry.Connector。
type Connector struct {
	client *mcpsdk.Client
}

// NewConnector 创建连接器，name/version 作为客户端实现信息上报给服务端。
func NewConnector(name, version string) *Connector {
	return &Connector{
		client: mcpsdk.NewClient(&mcpsdk.Implementation{Name: name, Version: version}, nil),
	}
}

// Connect 建立会话并完成 initialize 握手。
func (c *Connector) Connect(ctx context.Context, group string, spec catalog.ServerSpec) (registry.Connection, error) {
	transport, err := transportBuilder(spec)
	if err != nil {
		return nil, err
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp 握手失败: %w", err)
	}
	return &Session{group: group, session: session}, nil
}

// Session 是一个工具组的 MCP 客户端会话，可并发使用。
type Session struct {
	group   string
	session *mcpsdk.ClientSession
}

// ListTools 分页列出服务端的全部工具。
func (s *Session) ListTools(ctx context.Context) ([]registry.ToolDefinition, error) {
	var defs []registry.ToolDefinition
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp 列出工具失败: %w", err)
		}
		schema, err := schemaMap(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("工具 %s 的 input schema 无效: %w", tool.Name, err)
		}
		defs = append(defs, registry.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return defs, nil
}

// CallTool 调用工具。服务端返回 isError 时以 isError=true 返回内容而非 error。
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", false, fmt.Errorf("mcp 调用工具 %s 失败: %w", name, err)
	}
	return extractText(result), result.IsError, nil
}

// Close 结束会话。
func (s *Session) Close() error {
	if s == nil || s.session == nil {
		return nil
	}
	return s.session.Close()
}

func schemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func extractText(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	parts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
			continue
		}
		if raw, err := json.Marshal(content); err == nil {
			parts = append(parts, string(raw))
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if raw, err := json.Marshal(result.StructuredContent); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}

func buildTransport(spec catalog.ServerSpec) (mcpsdk.Transport, error) {
	switch spec.Transport {
	case catalog.TransportStdio:
		// 子进程的生命周期跟随会话，不绑定到建立连接时的 ctx。
		cmd := exec.Command(spec.Command, spec.Args...)
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case catalog.TransportSSE:
		return &mcpsdk.SSEClientTransport{Endpoint: spec.URL, HTTPClient: httpClient(spec.Headers)}, nil
	case catalog.TransportStreamableHTTP:
		return &mcpsdk.StreamableClientTransport{Endpoint: spec.URL, HTTPClient: httpClient(spec.Headers)}, nil
	default:
		return nil, fmt.Errorf("不支持的 transport: %s", spec.Transport)
	}
}

func httpClient(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: headers}}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}
