package policy

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/registry"
)

type stubService struct {
	tools map[string][]string
	err   error
	calls atomic.Int32
}

func (s *stubService) RoleForUser(context.Context, string) (string, error) {
	s.calls.Add(1)
	return "analyst", s.err
}

func (s *stubService) ToolsForRole(_ context.Context, role string) ([]string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.tools[role], nil
}

func (s *stubService) SystemPromptForRole(context.Context, string) (string, error) {
	s.calls.Add(1)
	return "be brief", s.err
}

func snapshotOf(names ...string) *registry.Snapshot {
	tools := make([]registry.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, registry.NewTool(registry.ToolDefinition{Name: name}, "g", nil))
	}
	return registry.NewStaticSnapshot(1, tools...)
}

func TestAllowedTools(t *testing.T) {
	snap := snapshotOf("get_weather", "read_file", "send_mail")
	svc := &stubService{tools: map[string][]string{"analyst": {"get_weather", "delete_db"}}}
	auth := NewAuthorizer(svc)
	ctx := context.Background()

	t.Run("admin gets everything", func(t *testing.T) {
		set, err := auth.AllowedTools(ctx, AdminRole, snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(set) != 3 {
			t.Fatalf("admin should see all tools: %v", set)
		}
	})

	t.Run("empty role gets nothing without consulting the service", func(t *testing.T) {
		before := svc.calls.Load()
		set, err := auth.AllowedTools(ctx, "", snap)
		if err != nil || len(set) != 0 {
			t.Fatalf("unexpected result: %v %v", set, err)
		}
		if svc.calls.Load() != before {
			t.Fatalf("policy service must not be called for empty role")
		}
	})

	t.Run("other roles intersect with snapshot", func(t *testing.T) {
		set, err := auth.AllowedTools(ctx, "analyst", snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(set) != 1 || !set.Has("get_weather") {
			t.Fatalf("unexpected set: %v", set)
		}
		if set.Has("delete_db") {
			t.Fatalf("tools absent from snapshot must be dropped")
		}
	})

	t.Run("reserved roles match exactly", func(t *testing.T) {
		for _, role := range []string{" admin ", "Admin", " "} {
			before := svc.calls.Load()
			set, err := auth.AllowedTools(ctx, role, snap)
			if err != nil {
				t.Fatalf("role %q: unexpected error: %v", role, err)
			}
			if len(set) != 0 {
				t.Fatalf("role %q must not be treated as admin: %v", role, set)
			}
			if svc.calls.Load() != before+1 {
				t.Fatalf("role %q should be resolved by the policy service", role)
			}
		}
	})

	t.Run("unknown role gets nothing", func(t *testing.T) {
		set, err := auth.AllowedTools(ctx, "guest", snap)
		if err != nil || len(set) != 0 {
			t.Fatalf("unexpected result: %v %v", set, err)
		}
	})
}

func TestAllowedToolsServiceFailure(t *testing.T) {
	auth := NewAuthorizer(&stubService{err: stdErrors.New("connection refused")})
	_, err := auth.AllowedTools(context.Background(), "analyst", snapshotOf("a"))
	if !xerrors.IsCode(err, xerrors.CodeAuthorizationUnavailable) {
		t.Fatalf("expected authorization unavailable, got %v", err)
	}

	_, err = NewAuthorizer(nil).AllowedTools(context.Background(), "analyst", snapshotOf("a"))
	if !xerrors.IsCode(err, xerrors.CodeAuthorizationUnavailable) {
		t.Fatalf("expected authorization unavailable without service, got %v", err)
	}
}

func TestStaticService(t *testing.T) {
	svc := NewStaticService("support", map[string]RolePolicy{
		"support": {Tools: []string{"b", "a"}, SystemPrompt: "help politely"},
	})
	ctx := context.Background()

	role, _ := svc.RoleForUser(ctx, "anyone")
	if role != "support" {
		t.Fatalf("unexpected role: %s", role)
	}
	tools, _ := svc.ToolsForRole(ctx, "support")
	if len(tools) != 2 || tools[0] != "a" {
		t.Fatalf("unexpected tools: %v", tools)
	}
	prompt, _ := svc.SystemPromptForRole(ctx, "support")
	if prompt != "help politely" {
		t.Fatalf("unexpected prompt: %q", prompt)
	}
	if tools, _ := svc.ToolsForRole(ctx, "missing"); len(tools) != 0 {
		t.Fatalf("unknown role should have no tools: %v", tools)
	}
}

func TestHTTPService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/role_for_user":
			if body["user_id"] != "u-1" {
				t.Errorf("unexpected body: %v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"role": " analyst "})
		case "/tools_for_role":
			_ = json.NewEncoder(w).Encode(map[string]any{"tools": []string{"get_weather"}})
		case "/system_prompt_for_role":
			_ = json.NewEncoder(w).Encode(map[string]string{"system_prompt": "answer in French"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL+"/", time.Second)
	ctx := context.Background()

	role, err := svc.RoleForUser(ctx, "u-1")
	if err != nil || role != "analyst" {
		t.Fatalf("unexpected role: %q %v", role, err)
	}
	tools, err := svc.ToolsForRole(ctx, role)
	if err != nil || len(tools) != 1 || tools[0] != "get_weather" {
		t.Fatalf("unexpected tools: %v %v", tools, err)
	}
	prompt, err := svc.SystemPromptForRole(ctx, role)
	if err != nil || prompt != "answer in French" {
		t.Fatalf("unexpected prompt: %q %v", prompt, err)
	}
}

func TestHTTPServiceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewHTTPService(srv.URL, time.Second).ToolsForRole(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for bad status")
	}
}

func TestCachedServiceCachesSuccessOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	next := &stubService{tools: map[string][]string{"analyst": {"get_weather"}}}
	cached := NewCachedService(next, client, "test", time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tools, err := cached.ToolsForRole(ctx, "analyst")
		if err != nil || len(tools) != 1 {
			t.Fatalf("unexpected result: %v %v", tools, err)
		}
	}
	if got := next.calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
	if !mr.Exists("test:policy:tools:analyst") {
		t.Fatalf("cache key missing")
	}

	failing := &stubService{err: stdErrors.New("down")}
	cached = NewCachedService(failing, client, "fail", time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := cached.SystemPromptForRole(ctx, "analyst"); err == nil {
			t.Fatalf("expected error")
		}
	}
	if failing.calls.Load() != 2 {
		t.Fatalf("errors must not be cached")
	}
}

func TestCachedServiceFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	next := &stubService{}
	role, err := NewCachedService(next, client, "", time.Minute).RoleForUser(context.Background(), "u")
	if err != nil || role != "analyst" {
		t.Fatalf("expected upstream result, got %q %v", role, err)
	}
}
