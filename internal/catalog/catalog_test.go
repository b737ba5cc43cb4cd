package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestExpandEnvRecursesThroughNestedStructures(t *testing.T) {
	input := map[string]any{
		"url": "http://${HOST}:$PORT/mcp",
		"args": []any{
			"--token=$TOKEN",
			map[string]any{"nested": "${MISSING}-$HOST"},
		},
		"port": 8080,
	}
	got := ExpandEnv(input, lookupFrom(map[string]string{"HOST": "tools", "PORT": "9000", "TOKEN": "s3cret"}))

	want := map[string]any{
		"url": "http://tools:9000/mcp",
		"args": []any{
			"--token=s3cret",
			map[string]any{"nested": "${MISSING}-tools"},
		},
		"port": 8080,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected expansion:\n got %#v\nwant %#v", got, want)
	}
}

func TestFileSourceLoadsJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "servers.json")
	yamlPath := filepath.Join(dir, "servers.yaml")
	jsonBody := `{"mcpServers": {
		"weather": {"url": "http://${WEATHER_HOST}/mcp", "headers": {"Authorization": "Bearer $TOKEN"}},
		"fs": {"command": "fs-server", "args": ["$DATA_DIR"]},
		"events": {"url": "http://events/sse"}
	}}`
	yamlBody := "mcpServers:\n  weather:\n    transport: http\n    url: http://${WEATHER_HOST}/mcp\n"
	if err := os.WriteFile(jsonPath, []byte(jsonBody), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := lookupFrom(map[string]string{"WEATHER_HOST": "weather:8080", "TOKEN": "abc", "DATA_DIR": "/data"})

	src := &FileSource{Path: jsonPath, Lookup: env}
	got, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["weather"].URL != "http://weather:8080/mcp" || got["weather"].Transport != TransportStreamableHTTP {
		t.Fatalf("unexpected weather spec: %+v", got["weather"])
	}
	if got["weather"].Headers["Authorization"] != "Bearer abc" {
		t.Fatalf("header not expanded: %+v", got["weather"].Headers)
	}
	if got["fs"].Transport != TransportStdio || got["fs"].Args[0] != "/data" {
		t.Fatalf("unexpected fs spec: %+v", got["fs"])
	}
	if got["events"].Transport != TransportSSE {
		t.Fatalf("sse transport not inferred: %+v", got["events"])
	}
	if names := got.Names(); strings.Join(names, ",") != "events,fs,weather" {
		t.Fatalf("unexpected names: %v", names)
	}

	yamlSrc := &FileSource{Path: yamlPath, Lookup: env}
	fromYAML, err := yamlSrc.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromYAML["weather"].URL != got["weather"].URL || fromYAML["weather"].Transport != got["weather"].Transport {
		t.Fatalf("yaml and json disagree: %+v vs %+v", fromYAML["weather"], got["weather"])
	}
}

func TestFileSourceErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		src := NewFileSource(filepath.Join(dir, "absent.json"))
		if _, err := src.Load(context.Background()); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("optional missing file", func(t *testing.T) {
		src := &FileSource{Path: filepath.Join(dir, "absent.json"), Optional: true}
		got, err := src.Load(context.Background())
		if err != nil || len(got) != 0 {
			t.Fatalf("expected empty catalog, got %v, %v", got, err)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		path := filepath.Join(dir, "nokey.json")
		_ = os.WriteFile(path, []byte(`{"servers": {}}`), 0o644)
		if _, err := NewFileSource(path).Load(context.Background()); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("bad transport", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		_ = os.WriteFile(path, []byte(`{"mcpServers": {"x": {"transport": "carrier-pigeon", "url": "http://x"}}}`), 0o644)
		if _, err := NewFileSource(path).Load(context.Background()); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestRegistrySourceListServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/list_services" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"services": map[string]any{
				"crm": map[string]any{"transport": "sse", "url": "http://crm/sse"},
			},
		})
	}))
	defer srv.Close()

	src := NewRegistrySource(srv.URL+"/", time.Second)
	got, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["crm"].Transport != TransportSSE || got["crm"].URL != "http://crm/sse" {
		t.Fatalf("unexpected catalog: %+v", got)
	}
}

func TestRegistrySourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewRegistrySource(srv.URL, time.Second).Load(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

type staticSource struct {
	name string
	cat  Catalog
	err  error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Load(context.Context) (Catalog, error) { return s.cat, s.err }

func TestMergedSourceOverlayWins(t *testing.T) {
	merged := &MergedSource{
		Base: staticSource{name: "registry", cat: Catalog{
			"crm":     {Transport: TransportSSE, URL: "http://crm/sse"},
			"weather": {Transport: TransportSSE, URL: "http://old/sse"},
		}},
		Overlay: staticSource{name: "file", cat: Catalog{
			"weather": {Transport: TransportStreamableHTTP, URL: "http://new/mcp"},
		}},
	}
	got, err := merged.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got["weather"].URL != "http://new/mcp" {
		t.Fatalf("unexpected merge: %+v", got)
	}
	if merged.Name() != "merged(registry+file)" {
		t.Fatalf("unexpected name: %s", merged.Name())
	}
}

func TestConsulSourceDiscoversTaggedServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		switch {
		case r.URL.Path == "/v1/catalog/services":
			_ = json.NewEncoder(w).Encode(map[string][]string{
				"weather": {"mcp"},
				"billing": {"internal"},
			})
		case r.URL.Path == "/v1/health/service/weather":
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"Node": map[string]any{"Address": "10.0.0.9"},
				"Service": map[string]any{
					"ID":      "weather-1",
					"Service": "weather",
					"Address": "10.0.0.5",
					"Port":    9000,
					"Tags":    []string{"mcp"},
					"Meta":    map[string]string{"mcp_path": "rpc"},
				},
				"Checks": []any{},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src, err := NewConsulSource(ConsulConfig{Address: strings.TrimPrefix(srv.URL, "http://")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("unexpected catalog: %+v", got)
	}
	if got["weather"].URL != "http://10.0.0.5:9000/rpc" || got["weather"].Transport != TransportStreamableHTTP {
		t.Fatalf("unexpected weather spec: %+v", got["weather"])
	}
}
