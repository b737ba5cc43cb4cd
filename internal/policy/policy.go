package policy

import (
	"context"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/registry"
)

// AdminRole 拥有当前快照中的全部工具。
const AdminRole = "admin"

// Service 是外部角色策略服务的契约。
type Service interface {
	RoleForUser(ctx context.Context, userID string) (string, error)
	ToolsForRole(ctx context.Context, role string) ([]string, error)
	SystemPromptForRole(ctx context.Context, role string) (string, error)
}

// ToolSet 是允许使用的工具名集合。
type ToolSet map[string]struct{}

// Has 判断工具是否在集合内。
func (s ToolSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Authorizer 按角色计算允许的工具集合。
type Authorizer struct {
	service Service
}

// NewAuthorizer 创建授权器。service 为 nil 时仅 admin 与空角色可解析。
func NewAuthorizer(service Service) *Authorizer {
	return &Authorizer{service: service}
}

// AllowedTools 返回 role 在 snapshot 中可以使用的工具。"admin" 与 "" 按字面值匹配，
// 角色的规范化由各个 Service 在返回时完成。
func (a *Authorizer) AllowedTools(ctx context.Context, role string, snapshot *registry.Snapshot) (ToolSet, error) {
	switch role {
	case "":
		return ToolSet{}, nil
	case AdminRole:
		names := snapshot.Names()
		set := make(ToolSet, len(names))
		for _, name := range names {
			set[name] = struct{}{}
		}
		return set, nil
	}

	if a == nil || a.service == nil {
		return nil, xerrors.New(xerrors.CodeAuthorizationUnavailable, "未配置角色策略服务", xerrors.WithMetadata("role", role))
	}
	names, err := a.service.ToolsForRole(ctx, role)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAuthorizationUnavailable, err, "查询角色工具失败", xerrors.WithMetadata("role", role))
	}
	set := make(ToolSet, len(names))
	for _, name := range names {
		if _, ok := snapshot.Lookup(name); ok {
			set[name] = struct{}{}
		}
	}
	return set, nil
}
