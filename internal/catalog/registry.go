package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RegistrySource 通过远端注册中心的 list_services 接口获取工具组。
type RegistrySource struct {
	endpoint   string
	httpClient *http.Client
}

// NewRegistrySource 创建远端注册中心来源。
func NewRegistrySource(endpoint string, timeout time.Duration) *RegistrySource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RegistrySource{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *RegistrySource) Name() string { return "registry:" + s.endpoint }

// Load 请求 GET {endpoint}/list_services。
func (s *RegistrySource) Load(ctx context.Context) (Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/list_services", nil)
	if err != nil {
		return nil, fmt.Errorf("构建注册中心请求失败: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求注册中心失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("注册中心返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Services map[string]ServerSpec `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析注册中心响应失败: %w", err)
	}
	return normalizeAll(decoded.Services)
}
