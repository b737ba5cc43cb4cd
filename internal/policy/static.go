package policy

import (
	"context"
	"sort"
	"strings"
)

// RolePolicy 是单个角色的静态策略。
type RolePolicy struct {
	Tools        []string
	SystemPrompt string
}

// StaticService 不依赖外部服务：所有用户都得到默认角色。
type StaticService struct {
	defaultRole string
	roles       map[string]RolePolicy
}

// NewStaticService 创建静态策略服务。
func NewStaticService(defaultRole string, roles map[string]RolePolicy) *StaticService {
	normalized := make(map[string]RolePolicy, len(roles))
	for name, policy := range roles {
		normalized[strings.TrimSpace(name)] = policy
	}
	return &StaticService{defaultRole: strings.TrimSpace(defaultRole), roles: normalized}
}

func (s *StaticService) RoleForUser(context.Context, string) (string, error) {
	return s.defaultRole, nil
}

func (s *StaticService) ToolsForRole(_ context.Context, role string) ([]string, error) {
	tools := append([]string(nil), s.roles[role].Tools...)
	sort.Strings(tools)
	return tools, nil
}

func (s *StaticService) SystemPromptForRole(_ context.Context, role string) (string, error) {
	return s.roles[role].SystemPrompt, nil
}
