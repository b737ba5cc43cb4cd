package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Transport 标识 MCP 服务的连接方式。
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable_http"
)

// ServerSpec 是单个工具组的连接描述。
type ServerSpec struct {
	Transport Transport         `json:"transport,omitempty" yaml:"transport,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Normalize 统一 transport 别名，并在缺省时根据字段推断。
func (s ServerSpec) Normalize() (ServerSpec, error) {
	switch strings.ToLower(strings.TrimSpace(string(s.Transport))) {
	case "":
		switch {
		case s.Command != "":
			s.Transport = TransportStdio
		case strings.HasSuffix(strings.TrimRight(s.URL, "/"), "/sse"):
			s.Transport = TransportSSE
		default:
			s.Transport = TransportStreamableHTTP
		}
	case "stdio":
		s.Transport = TransportStdio
	case "sse":
		s.Transport = TransportSSE
	case "streamable_http", "streamable-http", "http":
		s.Transport = TransportStreamableHTTP
	default:
		return s, fmt.Errorf("不支持的 transport: %s", s.Transport)
	}
	if s.Transport == TransportStdio && s.Command == "" {
		return s, fmt.Errorf("stdio transport 缺少 command")
	}
	if s.Transport != TransportStdio && s.URL == "" {
		return s, fmt.Errorf("%s transport 缺少 url", s.Transport)
	}
	return s, nil
}

// Catalog 是工具组名称到连接描述的映射。
type Catalog map[string]ServerSpec

// Names 返回按字典序排列的工具组名称。
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source 从外部加载工具目录。
type Source interface {
	Name() string
	Load(ctx context.Context) (Catalog, error)
}

func normalizeAll(raw map[string]ServerSpec) (Catalog, error) {
	out := make(Catalog, len(raw))
	for name, spec := range raw {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("工具组名称不能为空")
		}
		normalized, err := spec.Normalize()
		if err != nil {
			return nil, fmt.Errorf("工具组 %s: %w", name, err)
		}
		out[name] = normalized
	}
	return out, nil
}
