// Package config loads the worker configuration from an optional YAML/JSON
// file, applies environment overrides (MCP_HOST, MCP_PORT, OPENAI_*,
// MCP_SERVERS_FILE_PATH, MCP_REGISTRY_ENDPOINT, DEFAULT_ROLE, ...) and fills
// defaults before validation.
package config
