// Package catalog resolves the set of MCP tool groups the worker connects to.
// A group maps to a connection descriptor; sources are a declarative file with
// environment interpolation, a remote "list services" registry, Consul, or a
// merge of file and registry.
package catalog
