package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource 从声明式文件 (JSON 或 YAML，顶层为 mcpServers) 读取工具组。
type FileSource struct {
	Path string
	// Optional 为 true 时文件不存在视为空目录。
	Optional bool
	// Lookup 用于变量展开，默认使用 os.LookupEnv。
	Lookup func(string) (string, bool)
}

// NewFileSource 创建文件来源。
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Name() string { return "file:" + s.Path }

// Load 读取文件并展开环境变量。
func (s *FileSource) Load(ctx context.Context) (Catalog, error) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		if s.Optional && errors.Is(err, fs.ErrNotExist) {
			return Catalog{}, nil
		}
		return nil, fmt.Errorf("读取 MCP 服务配置失败: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析 MCP 服务配置失败: %w", err)
	}
	servers, ok := doc["mcpServers"]
	if !ok {
		return nil, fmt.Errorf("MCP 服务配置缺少 mcpServers 字段: %s", s.Path)
	}

	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	expanded := ExpandEnv(servers, lookup)

	// 通过 JSON 往返把通用结构转换为 ServerSpec。
	raw, err := json.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("转换 MCP 服务配置失败: %w", err)
	}
	var specs map[string]ServerSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("转换 MCP 服务配置失败: %w", err)
	}
	return normalizeAll(specs)
}
