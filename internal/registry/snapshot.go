package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"mcp-agent-worker/internal/llm"
)

// ToolDefinition 是 MCP 服务声明的工具。
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Invoker 是绑定到某个工具组连接上的调用能力。
type Invoker interface {
	CallTool(ctx context.Context, name string, args map[string]any) (content string, isError bool, err error)
}

// Tool 是注册表中的一个可调用工具。
type Tool struct {
	ToolDefinition
	Group   string
	invoker Invoker
}

// Invoke 调用外部工具服务。
func (t Tool) Invoke(ctx context.Context, args map[string]any) (string, bool, error) {
	return t.invoker.CallTool(ctx, t.Name, args)
}

// Schema 返回提供给模型的工具定义。
func (t Tool) Schema() llm.ToolSchema {
	return llm.ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
}

// Snapshot 是注册表在某一时刻的不可变视图。
type Snapshot struct {
	generation  uint64
	loadedAt    time.Time
	tools       map[string]Tool
	names       []string
	fingerprint string
}

func newSnapshot(generation uint64, tools map[string]Tool) *Snapshot {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	s := &Snapshot{generation: generation, loadedAt: time.Now().UTC(), tools: tools, names: names}
	s.fingerprint = s.computeFingerprint()
	return s
}

// NewStaticSnapshot 用给定工具构造快照，供测试与离线场景使用。
func NewStaticSnapshot(generation uint64, tools ...Tool) *Snapshot {
	m := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		m[tool.Name] = tool
	}
	return newSnapshot(generation, m)
}

// NewTool 构造绑定了调用能力的工具。
func NewTool(def ToolDefinition, group string, invoker Invoker) Tool {
	return Tool{ToolDefinition: def, Group: group, invoker: invoker}
}

func (s *Snapshot) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Names 返回排好序的工具名称，调用方不得修改。
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return s.names
}

// Lookup 按名称查找工具。
func (s *Snapshot) Lookup(name string) (Tool, bool) {
	if s == nil {
		return Tool{}, false
	}
	tool, ok := s.tools[name]
	return tool, ok
}

// Schemas 返回 names 中存在于快照内的工具定义，按名称排序。
func (s *Snapshot) Schemas(names map[string]struct{}) []llm.ToolSchema {
	if s == nil {
		return nil
	}
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range s.names {
		if _, ok := names[name]; ok {
			out = append(out, s.tools[name].Schema())
		}
	}
	return out
}

// Fingerprint 是名称与 schema 集合的摘要，相同工具集得到相同指纹。
func (s *Snapshot) Fingerprint() string {
	if s == nil {
		return ""
	}
	return s.fingerprint
}

func (s *Snapshot) computeFingerprint() string {
	h := sha256.New()
	for _, name := range s.names {
		tool := s.tools[name]
		// encoding/json 对 map 键排序，输出稳定。
		schema, _ := json.Marshal(tool.InputSchema)
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(tool.Description))
		h.Write([]byte{0})
		h.Write(schema)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
