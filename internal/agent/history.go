package agent

import (
	"fmt"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/llm"
)

// ValidateHistory 检查每个工具调用请求后面紧跟着对应的工具结果，且顺序一致。
// 历史以待回填的工具调用结尾视为损坏。
func ValidateHistory(history []llm.Message) error {
	for i := 0; i < len(history); i++ {
		msg := history[i]
		if msg.Role == llm.RoleTool {
			return corrupted(i, fmt.Sprintf("orphan tool result %q", msg.ToolCallID))
		}
		if !msg.HasToolCalls() {
			continue
		}
		for j, call := range msg.ToolCalls {
			pos := i + 1 + j
			if pos >= len(history) {
				return corrupted(pos, fmt.Sprintf("missing result for tool call %q", call.ID))
			}
			result := history[pos]
			if result.Role != llm.RoleTool || result.ToolCallID != call.ID {
				return corrupted(pos, fmt.Sprintf("expected result for tool call %q", call.ID))
			}
		}
		i += len(msg.ToolCalls)
	}
	return nil
}

func corrupted(index int, detail string) error {
	return xerrors.New(xerrors.CodeHistoryCorrupted, detail,
		xerrors.WithMetadata("index", fmt.Sprint(index)))
}
