package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sort"
	"strings"
	"time"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/policy"
)

// PolicyStore 在 MySQL 中保存用户角色、角色工具与角色提示词，实现 policy.Service。
type PolicyStore struct {
	db          *sql.DB
	defaultRole string
}

// NewPolicyStore 创建策略存储。未绑定角色的用户得到 defaultRole。
func NewPolicyStore(db *sql.DB, defaultRole string) *PolicyStore {
	return &PolicyStore{db: db, defaultRole: strings.TrimSpace(defaultRole)}
}

func (s *PolicyStore) RoleForUser(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM policy_user_roles WHERE user_id = ?`, userID).Scan(&role)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return s.defaultRole, nil
	}
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户角色失败")
	}
	return strings.TrimSpace(role), nil
}

func (s *PolicyStore) ToolsForRole(ctx context.Context, role string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name FROM policy_role_tools WHERE role = ? ORDER BY tool_name`, role)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询角色工具失败")
	}
	defer rows.Close()
	var tools []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析角色工具失败")
		}
		tools = append(tools, name)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历角色工具失败")
	}
	return tools, nil
}

func (s *PolicyStore) SystemPromptForRole(ctx context.Context, role string) (string, error) {
	var prompt string
	err := s.db.QueryRowContext(ctx, `SELECT system_prompt FROM policy_roles WHERE name = ?`, role).Scan(&prompt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询角色提示词失败")
	}
	return prompt, nil
}

// SeedRoles 用配置中的角色覆盖库中同名角色的提示词和工具列表。
func (s *PolicyStore) SeedRoles(ctx context.Context, roles map[string]policy.RolePolicy) (err error) {
	if len(roles) == 0 {
		return nil
	}
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启策略事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	const upsertRole = `INSERT INTO policy_roles (name, system_prompt, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE system_prompt = VALUES(system_prompt), updated_at = VALUES(updated_at)`
	for _, name := range names {
		role := roles[name]
		if _, err = tx.ExecContext(ctx, upsertRole, name, role.SystemPrompt, now); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存角色失败")
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM policy_role_tools WHERE role = ?`, name); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理角色工具失败")
		}
		seen := make(map[string]struct{}, len(role.Tools))
		for _, tool := range role.Tools {
			if _, dup := seen[tool]; dup {
				continue
			}
			seen[tool] = struct{}{}
			if _, err = tx.ExecContext(ctx, `INSERT INTO policy_role_tools (role, tool_name) VALUES (?, ?)`, name, tool); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存角色工具失败")
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交策略事务失败")
	}
	return nil
}

var _ policy.Service = (*PolicyStore)(nil)
