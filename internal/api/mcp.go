package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"mcp-agent-worker/internal/auth"
	"mcp-agent-worker/pkg/logger"
)

const executePlanTool = "execute_plan"

type executePlanArgs struct {
	UserID      string `json:"user_id"`
	StrJSONPlan string `json:"str_json_plan"`
}

func (s *Server) newMCPServer() *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serviceName, Version: s.cfg.Version}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        executePlanTool,
		Description: "Execute a plan using the agent help.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "The user that is executing the plan",
				},
				"str_json_plan": map[string]any{
					"type":        "string",
					"description": "A JSON string representing the plan to execute.",
				},
			},
			"required": []any{"user_id", "str_json_plan"},
		},
	}, s.handleExecutePlan)
	return server
}

func (s *Server) handleExecutePlan(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args executePlanArgs
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return toolError("arguments must be a JSON object with user_id and str_json_plan"), nil
		}
	}
	userID, err := s.planActor(ctx, req, args.UserID)
	if err != nil {
		return toolError(err.Error()), nil
	}
	s.logger.InfoContext(ctx, "收到 execute_plan 调用", slog.String("user_id", userID))

	reply, err := s.worker.ExecutePlan(ctx, userID, args.StrJSONPlan)
	return &mcpsdk.CallToolResult{
		IsError: err != nil,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: reply}},
	}, nil
}

// planActor 与 REST 接口一致：令牌主体只能以自身身份执行计划，admin 除外。
// 工具处理函数拿不到 HTTP 请求的 context，启用认证时从请求头重新校验令牌。
func (s *Server) planActor(ctx context.Context, req *mcpsdk.CallToolRequest, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	subject := auth.SubjectFromContext(ctx)
	if subject == nil && s.auth.Mode() == auth.ModeJWT {
		var header string
		if req != nil && req.Extra != nil {
			header = req.Extra.Header.Get("Authorization")
		}
		verified, err := s.auth.AuthenticateRequest(header)
		if err != nil {
			return "", err
		}
		subject = verified
	}
	if subject == nil {
		return requested, nil
	}
	if !subject.CanActAs(requested) {
		logger.Audit().WarnContext(ctx, "user_mismatch",
			slog.String("event", executePlanTool),
			slog.String("subject", subject.UserID),
			slog.String("requested", requested))
		return "", auth.ErrUserMismatch
	}
	if requested == "" {
		requested = subject.UserID
	}
	return requested, nil
}

func toolError(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func (s *Server) mcpHandler() http.Handler {
	server := s.newMCPServer()
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return server }, nil)
}
