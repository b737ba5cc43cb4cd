package catalog

import (
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// ExpandEnv 递归展开字符串中的 ${VAR} 与 $VAR，穿透嵌套的 map 与 slice。
// 未定义的变量保持原样。
func ExpandEnv(value any, lookup func(string) (string, bool)) any {
	switch v := value.(type) {
	case string:
		return expandString(v, lookup)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = ExpandEnv(item, lookup)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ExpandEnv(item, lookup)
		}
		return out
	default:
		return value
	}
}

func expandString(s string, lookup func(string) (string, bool)) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		if value, ok := lookup(name); ok {
			return value
		}
		return match
	})
}
