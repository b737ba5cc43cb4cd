package catalog

import (
	"context"
	"strings"
)

// MergedSource 先加载 Base，再用 Overlay 中的同名条目覆盖。
type MergedSource struct {
	Base    Source
	Overlay Source
}

func (s *MergedSource) Name() string {
	parts := make([]string, 0, 2)
	if s.Base != nil {
		parts = append(parts, s.Base.Name())
	}
	if s.Overlay != nil {
		parts = append(parts, s.Overlay.Name())
	}
	return "merged(" + strings.Join(parts, "+") + ")"
}

// Load 任一来源失败都视为整体失败。
func (s *MergedSource) Load(ctx context.Context) (Catalog, error) {
	out := Catalog{}
	for _, src := range []Source{s.Base, s.Overlay} {
		if src == nil {
			continue
		}
		loaded, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		for name, spec := range loaded {
			out[name] = spec
		}
	}
	return out, nil
}
