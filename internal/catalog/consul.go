package catalog

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
)

// Consul 服务元数据中可以覆盖的键。
const (
	metaTransport = "mcp_transport"
	metaScheme    = "mcp_scheme"
	metaPath      = "mcp_path"
)

// ConsulConfig 描述 Consul 连接参数。
type ConsulConfig struct {
	Address    string
	Scheme     string
	Datacenter string
	Token      string
	Tag        string
}

// ConsulSource 把 Consul 中带有指定标签的健康服务视为 MCP 工具组。
type ConsulSource struct {
	client *api.Client
	tag    string
}

// NewConsulSource 创建 Consul 来源。
func NewConsulSource(cfg ConsulConfig) (*ConsulSource, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		apiCfg.Scheme = cfg.Scheme
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Consul 客户端失败: %w", err)
	}
	tag := cfg.Tag
	if tag == "" {
		tag = "mcp"
	}
	return &ConsulSource{client: client, tag: tag}, nil
}

func (s *ConsulSource) Name() string { return "consul:" + s.tag }

// Load 列出带标签的服务，并为每个服务选取第一个健康实例。
func (s *ConsulSource) Load(ctx context.Context) (Catalog, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	services, _, err := s.client.Catalog().Services(opts)
	if err != nil {
		return nil, fmt.Errorf("查询 Consul 服务列表失败: %w", err)
	}

	specs := make(map[string]ServerSpec)
	for name, tags := range services {
		if !hasTag(tags, s.tag) {
			continue
		}
		entries, _, err := s.client.Health().Service(name, s.tag, true, opts)
		if err != nil {
			return nil, fmt.Errorf("查询 Consul 服务 %s 失败: %w", name, err)
		}
		if len(entries) == 0 {
			continue
		}
		specs[name] = specFromEntry(entries[0])
	}
	return normalizeAll(specs)
}

func specFromEntry(entry *api.ServiceEntry) ServerSpec {
	meta := entry.Service.Meta
	address := entry.Service.Address
	if address == "" && entry.Node != nil {
		address = entry.Node.Address
	}
	scheme := valueOr(meta[metaScheme], "http")
	path := valueOr(meta[metaPath], "/mcp")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return ServerSpec{
		Transport: Transport(valueOr(meta[metaTransport], string(TransportStreamableHTTP))),
		URL:       fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(address, strconv.Itoa(entry.Service.Port)), path),
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
