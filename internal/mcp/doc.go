// Package mcp connects to MCP tool servers with the official Go SDK. Each
// tool group in the catalog becomes one client session over stdio, SSE or
// streamable HTTP.
package mcp
