package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcp-agent-worker/internal/catalog"
	xerrors "mcp-agent-worker/internal/errors"
)

type fakeSource struct {
	mu  sync.Mutex
	cat catalog.Catalog
	err error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Load(context.Context) (catalog.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat, s.err
}

func (s *fakeSource) set(cat catalog.Catalog, err error) {
	s.mu.Lock()
	s.cat, s.err = cat, err
	s.mu.Unlock()
}

type fakeConn struct {
	defs   []ToolDefinition
	closed atomic.Bool
}

func (c *fakeConn) ListTools(context.Context) ([]ToolDefinition, error) { return c.defs, nil }

func (c *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (string, bool, error) {
	return "called " + name, false, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeConnector struct {
	mu      sync.Mutex
	tools   map[string][]ToolDefinition
	fail    map[string]error
	conns   []*fakeConn
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeConnector) Connect(ctx context.Context, group string, _ catalog.ServerSpec) (Connection, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[group]; err != nil {
		return nil, err
	}
	conn := &fakeConn{defs: f.tools[group]}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func weatherCatalog() catalog.Catalog {
	return catalog.Catalog{
		"a-weather": {Transport: catalog.TransportStreamableHTTP, URL: "http://weather/mcp"},
		"b-files":   {Transport: catalog.TransportStdio, Command: "files"},
	}
}

func weatherTools() map[string][]ToolDefinition {
	return map[string][]ToolDefinition{
		"a-weather": {{Name: "get_weather", Description: "weather", InputSchema: map[string]any{"type": "object"}}},
		"b-files": {
			{Name: "read_file", Description: "read", InputSchema: map[string]any{"type": "object", "required": []any{"path"}}},
			{Name: "get_weather", Description: "shadowed"},
		},
	}
}

func immediate(_ time.Duration, f func()) { f() }

func TestRegistryStartsEmpty(t *testing.T) {
	r := New(&fakeSource{}, &fakeConnector{})
	snap := r.Current()
	if snap.Generation() != 0 || snap.Len() != 0 {
		t.Fatalf("unexpected initial snapshot: gen=%d len=%d", snap.Generation(), snap.Len())
	}
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	connector := &fakeConnector{tools: weatherTools()}
	r := New(&fakeSource{cat: weatherCatalog()}, connector)

	snap, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap != r.Current() {
		t.Fatalf("refresh result is not the current snapshot")
	}
	if snap.Generation() != 1 || snap.Len() != 2 {
		t.Fatalf("unexpected snapshot: gen=%d names=%v", snap.Generation(), snap.Names())
	}
	tool, ok := snap.Lookup("get_weather")
	if !ok || tool.Group != "a-weather" || tool.Description != "weather" {
		t.Fatalf("duplicate resolution should keep first group: %+v", tool)
	}
	out, isErr, err := tool.Invoke(context.Background(), nil)
	if err != nil || isErr || out != "called get_weather" {
		t.Fatalf("unexpected invoke result: %q %v %v", out, isErr, err)
	}
	schemas := snap.Schemas(map[string]struct{}{"read_file": {}, "missing": {}})
	if len(schemas) != 1 || schemas[0].Name != "read_file" {
		t.Fatalf("unexpected schemas: %+v", schemas)
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	source := &fakeSource{cat: weatherCatalog()}
	connector := &fakeConnector{tools: weatherTools()}
	r := New(source, connector)
	first, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("catalog failure", func(t *testing.T) {
		source.set(nil, errors.New("registry down"))
		_, err := r.Refresh(context.Background())
		if xerrors.CodeOf(err) != xerrors.CodeCatalogUnavailable {
			t.Fatalf("expected catalog unavailable, got %v", err)
		}
		if r.Current() != first {
			t.Fatalf("snapshot replaced after failed refresh")
		}
	})

	t.Run("group failure", func(t *testing.T) {
		source.set(weatherCatalog(), nil)
		connector.mu.Lock()
		connector.fail = map[string]error{"b-files": errors.New("spawn failed")}
		before := len(connector.conns)
		connector.mu.Unlock()

		_, err := r.Refresh(context.Background())
		if xerrors.CodeOf(err) != xerrors.CodeCatalogUnavailable {
			t.Fatalf("expected catalog unavailable, got %v", err)
		}
		if r.Current() != first {
			t.Fatalf("partial refresh must not be applied")
		}
		connector.mu.Lock()
		defer connector.mu.Unlock()
		for _, conn := range connector.conns[before:] {
			if !conn.closed.Load() {
				t.Fatalf("half-built connection left open")
			}
		}
	})
}

func TestRefreshIsIdempotentForUnchangedCatalog(t *testing.T) {
	r := New(&fakeSource{cat: weatherCatalog()}, &fakeConnector{tools: weatherTools()})
	r.closeLater = immediate

	first, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("fingerprint changed for identical catalog")
	}
	if second.Generation() != first.Generation()+1 {
		t.Fatalf("generation not advanced: %d -> %d", first.Generation(), second.Generation())
	}
}

func TestRefreshClosesReplacedConnectionsAfterDrain(t *testing.T) {
	connector := &fakeConnector{tools: weatherTools()}
	r := New(&fakeSource{cat: weatherCatalog()}, connector)
	var scheduled time.Duration
	var pending func()
	r.closeLater = func(d time.Duration, f func()) {
		scheduled = d
		pending = f
	}

	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending == nil || scheduled != 30*time.Second {
		t.Fatalf("expected drain close to be scheduled, got %v", scheduled)
	}
	old := connector.conns[:2]
	for _, conn := range old {
		if conn.closed.Load() {
			t.Fatalf("old connection closed before drain")
		}
	}
	pending()
	for _, conn := range old {
		if !conn.closed.Load() {
			t.Fatalf("old connection not closed after drain")
		}
	}
}

func TestCurrentDoesNotBlockOnRefresh(t *testing.T) {
	connector := &fakeConnector{
		tools:   weatherTools(),
		block:   make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	r := New(&fakeSource{cat: weatherCatalog()}, connector)

	done := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background())
		done <- err
	}()
	<-connector.entered

	read := make(chan *Snapshot, 1)
	go func() { read <- r.Current() }()
	select {
	case snap := <-read:
		if snap.Generation() != 0 {
			t.Fatalf("reader observed in-flight refresh")
		}
	case <-time.After(time.Second):
		t.Fatalf("Current blocked behind refresh")
	}

	close(connector.block)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Current().Generation() != 1 {
		t.Fatalf("swap not visible after refresh")
	}
}
