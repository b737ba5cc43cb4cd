// Package llm defines the chat-style inference contract used by the
// conversation engine: role-tagged messages, tool call requests, tool
// results and tool schemas. Provider adapters live in sub-packages.
package llm
