package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPService 调用远端 MCP 注册中心提供的角色策略接口。
type HTTPService struct {
	endpoint string
	client   *http.Client
}

// NewHTTPService 创建远端策略客户端。
func NewHTTPService(endpoint string, timeout time.Duration) *HTTPService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPService{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPService) RoleForUser(ctx context.Context, userID string) (string, error) {
	var out struct {
		Role string `json:"role"`
	}
	if err := s.post(ctx, "/role_for_user", map[string]string{"user_id": userID}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Role), nil
}

func (s *HTTPService) ToolsForRole(ctx context.Context, role string) ([]string, error) {
	var out struct {
		Tools []string `json:"tools"`
	}
	if err := s.post(ctx, "/tools_for_role", map[string]string{"role": role}, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (s *HTTPService) SystemPromptForRole(ctx context.Context, role string) (string, error) {
	var out struct {
		SystemPrompt string `json:"system_prompt"`
	}
	if err := s.post(ctx, "/system_prompt_for_role", map[string]string{"role": role}, &out); err != nil {
		return "", err
	}
	return out.SystemPrompt, nil
}

func (s *HTTPService) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建策略请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("请求策略服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("策略服务 %s 返回状态 %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析策略响应失败: %w", err)
	}
	return nil
}
